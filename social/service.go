// Package social holds the operations local users and inbound federation
// perform on the graph and content stores, together with the delivery
// side effects each of them has.
package social

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"go.uber.org/zap"
)

var (
	ErrInvalidUsername = errors.New("username must be 1-32 characters of a-z, 0-9 or _")
	ErrEmptyContent    = errors.New("content is empty")
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// Resolver finds actors on this and other servers.
type Resolver interface {
	DiscoverAndCache(ctx context.Context, handle string) (*domain.Actor, error)
	ResolveActorURI(ctx context.Context, uri string) (*domain.Actor, error)
}

// Publisher propagates posts into timelines and to remote followers.
type Publisher interface {
	PublishPost(ctx context.Context, post *domain.Post) (*activitypub.FanoutResult, error)
	PropagateBoost(ctx context.Context, booster *domain.Actor, post *domain.Post) (*activitypub.FanoutResult, error)
	FanOutRemotePost(ctx context.Context, post *domain.Post) (*activitypub.FanoutResult, error)
}

// Service is the API the web layer, the CLI and the dispatcher call into.
// Local state is committed before any delivery is submitted, and a failed
// delivery never undoes it.
type Service struct {
	db       *db.DB
	resolver Resolver
	fanout   Publisher
	delivery activitypub.Submitter
	urls     activitypub.URLs
	keyBits  int
	log      *zap.Logger
}

func NewService(database *db.DB, resolver Resolver, fanout Publisher, delivery activitypub.Submitter, urls activitypub.URLs, keyBits int, logger *zap.Logger) *Service {
	if keyBits <= 0 {
		keyBits = 4096
	}
	return &Service{
		db:       database,
		resolver: resolver,
		fanout:   fanout,
		delivery: delivery,
		urls:     urls,
		keyBits:  keyBits,
		log:      util.OrNop(logger),
	}
}

// CreateLocalActor registers a user of this server with a fresh keypair.
func (s *Service) CreateLocalActor(ctx context.Context, username, displayName string) (*domain.Actor, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("%q: %w", username, ErrInvalidUsername)
	}
	keys, err := util.GeneratePemKeypair(s.keyBits)
	if err != nil {
		return nil, err
	}
	actor := &domain.Actor{
		Handle:         username,
		Username:       username,
		Domain:         s.urls.Domain,
		ActorURI:       s.urls.ActorURI(username),
		DisplayName:    displayName,
		PublicKeyPem:   keys.Public,
		PrivateKeyPem:  keys.Private,
		InboxURI:       s.urls.Inbox(username),
		OutboxURI:      s.urls.Outbox(username),
		FollowersURI:   s.urls.Followers(username),
		SharedInboxURI: s.urls.SharedInbox(),
	}
	if err := s.db.CreateActor(ctx, actor); err != nil {
		return nil, err
	}
	s.log.Info("Created local actor", zap.String("handle", actor.Handle))
	return actor, nil
}

// GetLocalActor returns a user of this server.
func (s *Service) GetLocalActor(ctx context.Context, username string) (*domain.Actor, error) {
	actor, err := s.db.ReadActorByHandle(ctx, username)
	if err != nil {
		return nil, err
	}
	if actor.IsRemote {
		return nil, fmt.Errorf("%s: %w", username, domain.ErrActorNotFound)
	}
	return actor, nil
}

// GetLocalActorByURI returns the local actor published at uri.
func (s *Service) GetLocalActorByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	actor, err := s.db.ReadActorByURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	if actor.IsRemote {
		return nil, fmt.Errorf("%s: %w", uri, domain.ErrActorNotFound)
	}
	return actor, nil
}

// GetActor returns any stored actor by handle.
func (s *Service) GetActor(ctx context.Context, handle string) (*domain.Actor, error) {
	return s.db.ReadActorByHandle(ctx, domain.NormalizeHandle(handle))
}

// deliverTo submits activity to the inbox of recipient. Recipients without
// an inbox are skipped.
func (s *Service) deliverTo(sender, recipient *domain.Actor, activity *activitypub.OutboundActivity) {
	inbox, err := activitypub.InboxOf(recipient)
	if err != nil {
		s.log.Warn("Skipping delivery", zap.String("recipient", recipient.Handle), zap.Error(err))
		return
	}
	body, err := activity.JSON()
	if err != nil {
		s.log.Error("Failed to encode activity", zap.String("type", activity.Type), zap.Error(err))
		return
	}
	s.delivery.Submit(sender, inbox, body)
	s.log.Debug("Submitted activity",
		zap.String("type", activity.Type), zap.String("sender", sender.Handle), zap.String("inbox", inbox))
}
