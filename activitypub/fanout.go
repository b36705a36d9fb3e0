package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"go.uber.org/zap"
)

// FanoutStore is the slice of the database fan-out reads and writes.
type FanoutStore interface {
	ReadActorByHandle(ctx context.Context, handle string) (*domain.Actor, error)
	ReadFollowerActors(ctx context.Context, followee, after string, limit int, localOnly bool) ([]domain.Actor, error)
	InsertTimelineEntries(ctx context.Context, entries []domain.TimelineEntry) (int, error)
}

type InboxResolver interface {
	ResolveInbox(ctx context.Context, actorURI string) (string, error)
}

type Submitter interface {
	Submit(sender *domain.Actor, inbox string, activity []byte)
}

// FanoutResult counts what one fan-out produced.
type FanoutResult struct {
	TimelineEntries int
	Deliveries      int
	Skipped         int
}

// Engine propagates posts into timelines and out to remote followers.
type Engine struct {
	store    FanoutStore
	resolver InboxResolver
	delivery Submitter
	urls     URLs
	pageSize int
	pacing   time.Duration
	metrics  *Metrics
	log      *zap.Logger
}

func NewEngine(store FanoutStore, resolver InboxResolver, delivery Submitter, urls URLs, pageSize int, pacing time.Duration, metrics *Metrics, logger *zap.Logger) *Engine {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Engine{
		store:    store,
		resolver: resolver,
		delivery: delivery,
		urls:     urls,
		pageSize: pageSize,
		pacing:   pacing,
		metrics:  metrics,
		log:      util.OrNop(logger),
	}
}

// PublishPost puts a freshly created local post on the author's timeline,
// the public timeline and every local follower's timeline, and delivers
// its Create activity to the inboxes of remote followers.
func (e *Engine) PublishPost(ctx context.Context, post *domain.Post) (*FanoutResult, error) {
	author, err := e.store.ReadActorByHandle(ctx, post.Author)
	if err != nil {
		return nil, fmt.Errorf("fan-out author %s: %w", post.Author, err)
	}

	res := &FanoutResult{}
	n, err := e.store.InsertTimelineEntries(ctx, []domain.TimelineEntry{
		{Recipient: author.Handle, PostId: post.Id, CreatedAt: post.CreatedAt},
		{Recipient: domain.PublicTimeline, PostId: post.Id, CreatedAt: post.CreatedAt},
	})
	if err != nil {
		return res, fmt.Errorf("fan-out own timeline: %w", err)
	}
	res.TimelineEntries += n

	var activity []byte
	if author.IsLocal() {
		activity, err = e.createActivity(author, post)
		if err != nil {
			return res, err
		}
	}

	seen := make(map[string]bool)
	err = e.walkFollowers(ctx, author.Handle, !author.IsLocal(), func(page []domain.Actor) error {
		n, err := e.insertEntries(ctx, page, post)
		res.TimelineEntries += n
		if err != nil {
			return err
		}
		if activity != nil {
			e.deliverToRemotes(ctx, author, page, activity, seen, res)
		}
		return nil
	})
	e.metrics.TimelineWritten(res.TimelineEntries)

	e.log.Info("Fanout: Published post",
		zap.String("post", post.Id.String()),
		zap.String("author", author.Handle),
		zap.Int("timeline_entries", res.TimelineEntries),
		zap.Int("deliveries", res.Deliveries),
		zap.Int("skipped", res.Skipped))
	return res, err
}

// PropagateBoost puts post on the timelines of the booster's local
// followers. A local booster's remote followers receive an Announce.
func (e *Engine) PropagateBoost(ctx context.Context, booster *domain.Actor, post *domain.Post) (*FanoutResult, error) {
	res := &FanoutResult{}

	var activity []byte
	if booster.IsLocal() {
		author, err := e.store.ReadActorByHandle(ctx, post.Author)
		if err != nil {
			return res, fmt.Errorf("boost author %s: %w", post.Author, err)
		}
		note := NoteFromPost(e.urls, post, author.ActorURI, author.FollowersURI)
		activity, err = NewAnnounce(e.urls, booster, note).JSON()
		if err != nil {
			return res, err
		}
		n, err := e.store.InsertTimelineEntries(ctx, []domain.TimelineEntry{
			{Recipient: booster.Handle, PostId: post.Id, CreatedAt: post.CreatedAt},
		})
		if err != nil {
			return res, err
		}
		res.TimelineEntries += n
	}

	seen := make(map[string]bool)
	err := e.walkFollowers(ctx, booster.Handle, !booster.IsLocal(), func(page []domain.Actor) error {
		n, err := e.insertEntries(ctx, page, post)
		res.TimelineEntries += n
		if err != nil {
			return err
		}
		if activity != nil {
			e.deliverToRemotes(ctx, booster, page, activity, seen, res)
		}
		return nil
	})
	e.metrics.TimelineWritten(res.TimelineEntries)
	return res, err
}

// FanOutRemotePost puts an inbound remote post on the timelines of the
// author's local followers.
func (e *Engine) FanOutRemotePost(ctx context.Context, post *domain.Post) (*FanoutResult, error) {
	res := &FanoutResult{}
	err := e.walkFollowers(ctx, post.Author, true, func(page []domain.Actor) error {
		n, err := e.insertEntries(ctx, page, post)
		res.TimelineEntries += n
		return err
	})
	e.metrics.TimelineWritten(res.TimelineEntries)
	return res, err
}

func (e *Engine) createActivity(author *domain.Actor, post *domain.Post) ([]byte, error) {
	if post.ActivityJSON != "" {
		return []byte(post.ActivityJSON), nil
	}
	note := NoteFromPost(e.urls, post, author.ActorURI, e.urls.Followers(author.Username))
	return NewCreate(e.urls, author, note).JSON()
}

// insertEntries writes one timeline entry per local actor of the page.
func (e *Engine) insertEntries(ctx context.Context, page []domain.Actor, post *domain.Post) (int, error) {
	entries := make([]domain.TimelineEntry, 0, len(page))
	for _, f := range page {
		if f.IsLocal() {
			entries = append(entries, domain.TimelineEntry{Recipient: f.Handle, PostId: post.Id, CreatedAt: post.CreatedAt})
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return e.store.InsertTimelineEntries(ctx, entries)
}

// deliverToRemotes submits activity once per distinct inbox of the page's
// remote actors. Actors without a resolvable inbox are skipped.
func (e *Engine) deliverToRemotes(ctx context.Context, sender *domain.Actor, page []domain.Actor, activity []byte, seen map[string]bool, res *FanoutResult) {
	for _, f := range page {
		if f.IsLocal() {
			continue
		}
		inbox, err := e.resolver.ResolveInbox(ctx, f.ActorURI)
		if err != nil {
			if errors.Is(err, ErrNoInbox) || errors.Is(err, domain.ErrActorNotFound) {
				e.log.Warn("Fanout: Skipping follower without inbox", zap.String("follower", f.Handle), zap.Error(err))
			} else {
				e.log.Warn("Fanout: Failed to resolve inbox", zap.String("follower", f.Handle), zap.Error(err))
			}
			res.Skipped++
			continue
		}
		if seen[inbox] {
			continue
		}
		seen[inbox] = true
		e.delivery.Submit(sender, inbox, activity)
		res.Deliveries++
	}
}

// walkFollowers calls fn for each page of followee's followers. Walks that
// include remote followers pause between pages; local-only walks never
// reach another host.
func (e *Engine) walkFollowers(ctx context.Context, followee string, localOnly bool, fn func(page []domain.Actor) error) error {
	after := ""
	for {
		page, err := e.store.ReadFollowerActors(ctx, followee, after, e.pageSize, localOnly)
		if err != nil {
			return fmt.Errorf("read followers of %s: %w", followee, err)
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < e.pageSize {
			return nil
		}
		after = page[len(page)-1].Handle

		if !localOnly && e.pacing > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.pacing):
			}
		}
	}
}
