// Package dispatch consumes the inbound activity queue and routes every
// activity to the social service.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// errRejected marks an activity that is well formed but can never apply,
// such as a Follow of an actor on another server.
var errRejected = errors.New("activity rejected")

const (
	resultOK        = "ok"
	resultConflict  = "conflict"
	resultDiscarded = "discarded"
	resultFailed    = "failed"
	resultDead      = "dead_lettered"
)

// Queue is the inbound queue. Messages are claimed by Receive and stay
// hidden until their visibility timeout runs out or they are deleted.
type Queue interface {
	Receive(ctx context.Context, opts db.ReceiveOptions) ([]domain.InboundMessage, error)
	DeleteMessage(ctx context.Context, receipt string) error
	DeadLetter(ctx context.Context, msg domain.InboundMessage, reason string) error
}

type ActorResolver interface {
	ResolveActorURI(ctx context.Context, uri string) (*domain.Actor, error)
}

// Handler applies inbound activities. *social.Service implements it.
type Handler interface {
	GetLocalActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
	AcceptFollow(ctx context.Context, remote, local *domain.Actor, followID string) error
	RemoveFollow(ctx context.Context, remote, local *domain.Actor) error
	ReceiveNote(ctx context.Context, author *domain.Actor, note *activitypub.Note, raw []byte) error
	RecordLike(ctx context.Context, actor *domain.Actor, objectURI, likeURI string) error
	RemoveRemoteLike(ctx context.Context, actor *domain.Actor, likeURI, objectURI string) error
	RecordBoost(ctx context.Context, booster *domain.Actor, objectURI, announceURI string, embedded *activitypub.Note) error
}

// Dispatcher is the single consumer loop of the inbound queue. Messages of
// a batch are handled one after the other and deleted only once handled;
// a message that keeps failing is moved to the dead letters.
type Dispatcher struct {
	queue    Queue
	resolver ActorResolver
	handler  Handler
	conf     util.QueueConf
	metrics  *activitypub.Metrics
	log      *zap.Logger
}

func New(queue Queue, resolver ActorResolver, handler Handler, conf util.QueueConf, metrics *activitypub.Metrics, logger *zap.Logger) *Dispatcher {
	if conf.MaxReceives <= 0 {
		conf.MaxReceives = 5
	}
	if conf.HandleTimeout <= 0 {
		conf.HandleTimeout = 30 * time.Second
	}
	if conf.VisibilityTimeout <= 0 {
		conf.VisibilityTimeout = time.Minute
	}
	return &Dispatcher{
		queue:    queue,
		resolver: resolver,
		handler:  handler,
		conf:     conf,
		metrics:  metrics,
		log:      util.OrNop(logger),
	}
}

// Run polls the queue until ctx is cancelled. A message already being
// handled when that happens is finished and acknowledged; the rest of its
// batch becomes visible again after the visibility timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("Starting activity dispatcher",
		zap.Int("batch_size", d.conf.BatchSize), zap.Duration("visibility", d.conf.VisibilityTimeout))
	opts := db.ReceiveOptions{
		MaxMessages:       d.conf.BatchSize,
		VisibilityTimeout: d.conf.VisibilityTimeout,
		WaitTime:          d.conf.WaitTime,
		PollInterval:      d.conf.PollInterval,
	}
	backoff := newReceiveBackoff()

	for {
		if ctx.Err() != nil {
			d.log.Info("Activity dispatcher stopped")
			return nil
		}

		msgs, err := d.queue.Receive(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait, _ := backoff.Next()
			d.log.Error("Dispatcher: Receive failed", zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		backoff = newReceiveBackoff()

		for _, msg := range msgs {
			d.Process(ctx, msg)
			if ctx.Err() != nil {
				break
			}
		}
	}
}

func newReceiveBackoff() retry.Backoff {
	return retry.WithCappedDuration(30*time.Second, retry.NewExponential(500*time.Millisecond))
}

// Process handles one message and acknowledges it unless handling failed
// in a way a later attempt could fix. It returns the outcome.
func (d *Dispatcher) Process(ctx context.Context, msg domain.InboundMessage) string {
	// the handler runs to completion even when the loop is shutting down
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.conf.HandleTimeout)
	defer cancel()

	activityType := "unknown"
	activity, err := activitypub.Parse(msg.Body)
	if err == nil {
		activityType = activity.Header().Type
		err = d.Handle(hctx, activity)
	}

	result := classify(err)
	fields := []zap.Field{
		zap.String("message", msg.Id.String()),
		zap.String("type", activityType),
		zap.Int("receive_count", msg.ReceiveCount),
	}
	switch result {
	case resultOK:
		d.log.Debug("Inbox: Handled activity", fields...)
	case resultConflict:
		d.log.Debug("Inbox: Activity already applied", append(fields, zap.Error(err))...)
	case resultDiscarded:
		d.log.Info("Inbox: Discarding activity", append(fields, zap.Error(err))...)
	case resultFailed:
		if msg.ReceiveCount >= d.conf.MaxReceives {
			result = resultDead
			d.log.Error("Inbox: Giving up on activity", append(fields, zap.Error(err))...)
			if derr := d.queue.DeadLetter(hctx, msg, err.Error()); derr != nil {
				d.log.Error("Inbox: Failed to dead-letter activity", append(fields, zap.Error(derr))...)
			}
		} else {
			d.log.Warn("Inbox: Failed to handle activity, will retry", append(fields, zap.Error(err))...)
		}
	}
	d.metrics.Dispatched(activityType, result)

	if result == resultFailed || result == resultDead {
		return result
	}
	if err := d.queue.DeleteMessage(hctx, msg.Receipt); err != nil {
		// the visibility timeout ran out and someone else holds the message
		d.log.Warn("Inbox: Failed to acknowledge activity", append(fields, zap.Error(err))...)
	}
	return result
}

// Handle applies one parsed activity on behalf of its sender.
func (d *Dispatcher) Handle(ctx context.Context, activity activitypub.Activity) error {
	env := activity.Header()
	sender, err := d.resolver.ResolveActorURI(ctx, env.Actor)
	if err != nil {
		return fmt.Errorf("resolve sender %s: %w", env.Actor, err)
	}
	if sender.IsLocal() {
		return fmt.Errorf("%w: %s is a local actor", errRejected, env.Actor)
	}

	switch a := activity.(type) {
	case *activitypub.Create:
		if a.Note.AttributedTo != "" && a.Note.AttributedTo != sender.ActorURI {
			return fmt.Errorf("%w: note %s attributed to %s", errRejected, a.Note.ID, a.Note.AttributedTo)
		}
		return d.handler.ReceiveNote(ctx, sender, &a.Note, a.Raw)

	case *activitypub.Follow:
		local, err := d.localTarget(ctx, a.Object)
		if err != nil {
			return err
		}
		return d.handler.AcceptFollow(ctx, sender, local, a.ID)

	case *activitypub.UndoFollow:
		local, err := d.localTarget(ctx, a.Object)
		if err != nil {
			return err
		}
		return d.handler.RemoveFollow(ctx, sender, local)

	case *activitypub.Like:
		return d.handler.RecordLike(ctx, sender, a.Object, a.ID)

	case *activitypub.UndoLike:
		return d.handler.RemoveRemoteLike(ctx, sender, a.LikeID, a.Object)

	case *activitypub.Announce:
		return d.handler.RecordBoost(ctx, sender, a.Object, a.ID, a.Note)

	case *activitypub.Accept:
		d.log.Info("Inbox: Follow accepted", zap.String("follow", a.FollowID), zap.String("by", sender.Handle))
		return nil

	default:
		return fmt.Errorf("%w: %T", activitypub.ErrUnsupportedActivity, activity)
	}
}

func (d *Dispatcher) localTarget(ctx context.Context, uri string) (*domain.Actor, error) {
	local, err := d.handler.GetLocalActorByURI(ctx, uri)
	if errors.Is(err, domain.ErrActorNotFound) {
		return nil, fmt.Errorf("%w: %s is not an actor of this server", errRejected, uri)
	}
	return local, err
}

func classify(err error) string {
	switch {
	case err == nil:
		return resultOK
	case domain.IsConflict(err):
		return resultConflict
	case errors.Is(err, activitypub.ErrMalformedEnvelope),
		errors.Is(err, activitypub.ErrUnsupportedActivity),
		errors.Is(err, domain.ErrPostNotFound),
		errors.Is(err, errRejected):
		return resultDiscarded
	default:
		return resultFailed
	}
}
