package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// ErrNoInbox means an actor document names no inbox at all.
var ErrNoInbox = errors.New("actor has no inbox")

const maxDocumentSize = 1 << 20

// ActorDocument represents the JSON structure of an ActivityPub actor
type ActorDocument struct {
	Context           any        `json:"@context"`
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	PreferredUsername string     `json:"preferredUsername"`
	Name              string     `json:"name,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	Inbox             string     `json:"inbox"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	Following         string     `json:"following,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
	PublicKey         PublicKey  `json:"publicKey"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
	Inbox       string `json:"inbox,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// NewActorDocument renders a local actor.
func NewActorDocument(urls URLs, actor *domain.Actor) *ActorDocument {
	return &ActorDocument{
		Context:           []string{ActivityStreamsContext, SecurityContext},
		ID:                actor.ActorURI,
		Type:              "Person",
		PreferredUsername: actor.Username,
		Name:              actor.DisplayName,
		Summary:           actor.Summary,
		Inbox:             urls.Inbox(actor.Username),
		Outbox:            urls.Outbox(actor.Username),
		Followers:         urls.Followers(actor.Username),
		Following:         urls.Following(actor.Username),
		Endpoints:         &Endpoints{SharedInbox: urls.SharedInbox()},
		PublicKey: PublicKey{
			ID:           actor.KeyID(),
			Owner:        actor.ActorURI,
			PublicKeyPem: actor.PublicKeyPem,
		},
	}
}

// ActorStore is the persistent actor cache the resolver sits on.
type ActorStore interface {
	ReadActorByHandle(ctx context.Context, handle string) (*domain.Actor, error)
	ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
	InsertRemoteActor(ctx context.Context, actor *domain.Actor) (*domain.Actor, error)
	RefreshRemoteActor(ctx context.Context, actor *domain.Actor) error
}

// Resolver discovers remote identities and caches them, first in memory and
// then in the actor table. Stored documents older than the TTL are fetched
// again; a failed refresh falls back to the stale copy.
type Resolver struct {
	store      ActorStore
	urls       URLs
	client     *http.Client
	cache      *expirable.LRU[string, *domain.Actor]
	ttl        time.Duration
	maxRetries uint64
	log        *zap.Logger
	now        func() time.Time
}

func NewResolver(store ActorStore, urls URLs, client *http.Client, ttl time.Duration, cacheSize int, logger *zap.Logger) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &Resolver{
		store:      store,
		urls:       urls,
		client:     client,
		cache:      expirable.NewLRU[string, *domain.Actor](cacheSize, nil, ttl),
		ttl:        ttl,
		maxRetries: 2,
		log:        util.OrNop(logger),
		now:        time.Now,
	}
}

// DiscoverAndCache resolves user@domain. Handles on this server's domain or
// without a domain are looked up locally.
func (r *Resolver) DiscoverAndCache(ctx context.Context, handle string) (*domain.Actor, error) {
	handle = domain.NormalizeHandle(handle)
	username, host := domain.SplitHandle(handle)
	if username == "" {
		return nil, fmt.Errorf("%q: %w", handle, domain.ErrActorNotFound)
	}
	if host == "" || strings.EqualFold(host, r.urls.Domain) {
		return r.GetLocalActor(ctx, username)
	}

	stored, err := r.store.ReadActorByHandle(ctx, handle)
	if err == nil && r.fresh(stored) {
		r.cache.Add(stored.ActorURI, stored)
		return stored, nil
	}

	actorURI, ferr := r.webfinger(ctx, username, host)
	if ferr == nil {
		var actor *domain.Actor
		actor, ferr = r.fetchAndStore(ctx, actorURI, handle)
		if ferr == nil {
			return actor, nil
		}
	}
	if stored != nil {
		r.log.Warn("Resolver: refresh failed, using stale actor", zap.String("handle", handle), zap.Error(ferr))
		return stored, nil
	}
	r.log.Warn("Resolver: discovery failed", zap.String("handle", handle), zap.Error(ferr))
	return nil, fmt.Errorf("%s: %w", handle, domain.ErrActorNotFound)
}

// ResolveActorURI returns the actor behind an actor URI, fetching its
// document when it is unknown or stale.
func (r *Resolver) ResolveActorURI(ctx context.Context, uri string) (*domain.Actor, error) {
	if actor, ok := r.cache.Get(uri); ok {
		return actor, nil
	}

	stored, err := r.store.ReadActorByURI(ctx, uri)
	if err == nil && (stored.IsLocal() || r.fresh(stored)) {
		r.cache.Add(uri, stored)
		return stored, nil
	}
	if err != nil && !errors.Is(err, domain.ErrActorNotFound) {
		return nil, err
	}
	if isLocalURI(r.urls, uri) {
		return nil, fmt.Errorf("%s: %w", uri, domain.ErrActorNotFound)
	}

	handle := ""
	if stored != nil {
		handle = stored.Handle
	}
	actor, ferr := r.fetchAndStore(ctx, uri, handle)
	if ferr == nil {
		return actor, nil
	}
	if stored != nil {
		r.log.Warn("Resolver: refresh failed, using stale actor", zap.String("uri", uri), zap.Error(ferr))
		return stored, nil
	}
	r.log.Warn("Resolver: actor fetch failed", zap.String("uri", uri), zap.Error(ferr))
	return nil, fmt.Errorf("%s: %w", uri, domain.ErrActorNotFound)
}

// ResolveInbox picks the delivery inbox of an actor: its own inbox, then the
// shared inbox. ErrNoInbox tells the caller to skip this recipient.
func (r *Resolver) ResolveInbox(ctx context.Context, actorURI string) (string, error) {
	actor, err := r.ResolveActorURI(ctx, actorURI)
	if err != nil {
		return "", err
	}
	return InboxOf(actor)
}

// InboxOf returns the inbox a delivery to actor goes to.
func InboxOf(actor *domain.Actor) (string, error) {
	switch {
	case actor.InboxURI != "":
		return actor.InboxURI, nil
	case actor.SharedInboxURI != "":
		return actor.SharedInboxURI, nil
	}
	return "", fmt.Errorf("%s: %w", actor.ActorURI, ErrNoInbox)
}

// GetLocalActor returns a local actor by username.
func (r *Resolver) GetLocalActor(ctx context.Context, username string) (*domain.Actor, error) {
	actor, err := r.store.ReadActorByHandle(ctx, username)
	if err != nil {
		return nil, err
	}
	if actor.IsRemote {
		return nil, fmt.Errorf("%s is not local: %w", username, domain.ErrActorNotFound)
	}
	return actor, nil
}

// PublicKey resolves a keyId to the RSA key of its owner. It satisfies
// KeyLookup.
func (r *Resolver) PublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	actor, err := r.ResolveActorURI(ctx, KeyOwner(keyID))
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(actor.PublicKeyPem)
}

func (r *Resolver) fresh(a *domain.Actor) bool {
	return r.now().Sub(a.LastFetchedAt) < r.ttl
}

// fetchAndStore fetches the document at uri and writes it through to the
// store. handle overrides the storage key derived from the document.
func (r *Resolver) fetchAndStore(ctx context.Context, uri, handle string) (*domain.Actor, error) {
	doc, err := r.fetchActorDocument(ctx, uri)
	if err != nil {
		return nil, err
	}
	actor, err := actorFromDocument(doc)
	if err != nil {
		return nil, err
	}
	if handle != "" {
		actor.Handle = handle
	}
	actor.LastFetchedAt = r.now().UTC()

	stored, err := r.store.InsertRemoteActor(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("store actor: %w", err)
	}
	if stored.IsRemote && stored.ActorURI == actor.ActorURI && stored.LastFetchedAt.Before(actor.LastFetchedAt) {
		// the stored row predates this fetch
		actor.Handle = stored.Handle
		if err := r.store.RefreshRemoteActor(ctx, actor); err != nil {
			return nil, fmt.Errorf("refresh actor: %w", err)
		}
		stored.DisplayName = actor.DisplayName
		stored.Summary = actor.Summary
		stored.PublicKeyPem = actor.PublicKeyPem
		stored.InboxURI = actor.InboxURI
		stored.OutboxURI = actor.OutboxURI
		stored.FollowersURI = actor.FollowersURI
		stored.SharedInboxURI = actor.SharedInboxURI
		stored.LastFetchedAt = actor.LastFetchedAt
	}

	r.cache.Add(stored.ActorURI, stored)
	r.log.Debug("Resolver: cached actor", zap.String("handle", stored.Handle), zap.String("uri", stored.ActorURI))
	return stored, nil
}

func (r *Resolver) fetchActorDocument(ctx context.Context, uri string) (*ActorDocument, error) {
	var doc ActorDocument
	if err := r.getJSON(ctx, uri, ContentType, &doc); err != nil {
		return nil, err
	}
	requested, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	got, err := url.Parse(doc.ID)
	if err != nil || !strings.EqualFold(got.Host, requested.Host) {
		return nil, fmt.Errorf("actor document id %q does not belong to %s", doc.ID, requested.Host)
	}
	return &doc, nil
}

func actorFromDocument(doc *ActorDocument) (*domain.Actor, error) {
	if doc.ID == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, errors.New("actor missing required fields")
	}
	u, err := url.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid actor URI: %w", err)
	}
	username := doc.PreferredUsername
	if username == "" {
		username = extractUsername(doc.ID)
	}

	actor := &domain.Actor{
		Handle:       domain.RemoteHandle(username, u.Host),
		Username:     username,
		Domain:       strings.ToLower(u.Host),
		ActorURI:     doc.ID,
		DisplayName:  doc.Name,
		Summary:      doc.Summary,
		PublicKeyPem: doc.PublicKey.PublicKeyPem,
		InboxURI:     doc.Inbox,
		OutboxURI:    doc.Outbox,
		FollowersURI: doc.Followers,
		IsRemote:     true,
	}
	if doc.Endpoints != nil {
		actor.SharedInboxURI = doc.Endpoints.SharedInbox
		if actor.InboxURI == "" && actor.SharedInboxURI == "" {
			actor.InboxURI = doc.Endpoints.Inbox
		}
	}
	return actor, nil
}

// getJSON fetches uri and decodes the body into v. Network errors, 429 and
// 5xx responses are retried with exponential backoff.
func (r *Resolver) getJSON(ctx context.Context, uri, accept string, v any) error {
	backoff := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", accept)
		req.Header.Set("User-Agent", util.GetNameAndVersion())

		resp, err := r.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("GET %s: status %d", uri, resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("GET %s: status %d", uri, resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
		if err != nil {
			return retry.RetryableError(err)
		}
		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("decode %s: %w", uri, err)
		}
		return nil
	})
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	parts := strings.Split(strings.TrimRight(uri, "/"), "/")
	return strings.TrimPrefix(parts[len(parts)-1], "@")
}
