package activitypub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// MaxDeliveryAttempts is the number of failed attempts after which a
// delivery is dropped.
const MaxDeliveryAttempts = 10

// retryBackoff is the wait before retry n, in minutes.
var retryBackoff = []int{1, 5, 15, 60, 240, 1440}

// errPermanent marks a delivery the remote refused for good.
var errPermanent = errors.New("permanent delivery failure")

// DeliveryStore persists failed deliveries for the retry worker.
type DeliveryStore interface {
	EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) error
	ReadPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryQueueItem, error)
	UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time) error
	DeleteDelivery(ctx context.Context, id uuid.UUID) error
	CountDeliveries(ctx context.Context) (int, error)
	ReadActorByHandle(ctx context.Context, handle string) (*domain.Actor, error)
}

type DelivererConfig struct {
	Workers        int
	PerHostRate    float64
	PerHostBurst   int
	RequestTimeout time.Duration
}

// Deliverer posts signed activities to remote inboxes through a bounded
// pool of workers. Every remote host gets its own token bucket.
type Deliverer struct {
	client  *http.Client
	store   DeliveryStore
	conf    DelivererConfig
	group   errgroup.Group
	metrics *Metrics
	log     *zap.Logger

	// base outlives the callers of Submit; it is only cancelled by Close
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewDeliverer(client *http.Client, store DeliveryStore, conf DelivererConfig, metrics *Metrics, logger *zap.Logger) *Deliverer {
	if client == nil {
		client = &http.Client{}
	}
	if conf.Workers <= 0 {
		conf.Workers = 8
	}
	if conf.PerHostRate <= 0 {
		conf.PerHostRate = 5
	}
	if conf.PerHostBurst <= 0 {
		conf.PerHostBurst = 10
	}
	if conf.RequestTimeout <= 0 {
		conf.RequestTimeout = 10 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	d := &Deliverer{
		client:   client,
		store:    store,
		conf:     conf,
		metrics:  metrics,
		log:      util.OrNop(logger),
		base:     base,
		cancel:   cancel,
		limiters: make(map[string]*rate.Limiter),
	}
	d.group.SetLimit(conf.Workers)
	return d
}

// Submit queues one delivery on the worker pool and returns once a worker
// has taken it. A failed delivery is persisted for retry.
func (d *Deliverer) Submit(sender *domain.Actor, inbox string, activity []byte) {
	d.group.Go(func() error {
		err := d.deliverAs(d.base, sender, inbox, activity)
		if err == nil {
			return nil
		}
		if errors.Is(err, errPermanent) {
			d.log.Warn("DeliveryWorker: Remote refused delivery", zap.String("inbox", inbox), zap.Error(err))
			return nil
		}
		d.log.Info("DeliveryWorker: Delivery failed, scheduling retry", zap.String("inbox", inbox), zap.Error(err))
		d.scheduleRetry(sender.Handle, inbox, activity)
		return nil
	})
}

// Drain blocks until every submitted delivery has finished.
func (d *Deliverer) Drain() {
	_ = d.group.Wait()
}

// Close drains the pool and aborts whatever is still in flight after ctx
// expires.
func (d *Deliverer) Close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.Drain()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
	}
	d.cancel()
}

// Deliver signs activity with sender's key and posts it to inbox.
func (d *Deliverer) Deliver(ctx context.Context, sender *domain.Actor, inbox string, activity []byte) error {
	return d.deliverAs(ctx, sender, inbox, activity)
}

func (d *Deliverer) deliverAs(ctx context.Context, sender *domain.Actor, inbox string, activity []byte) error {
	if sender.PrivateKeyPem == "" {
		return fmt.Errorf("%w: %s has no private key", errPermanent, sender.Handle)
	}
	privateKey, err := ParsePrivateKey(sender.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("%w: failed to parse private key: %v", errPermanent, err)
	}
	err = d.post(ctx, Key{ID: sender.KeyID(), PrivateKey: privateKey}, inbox, activity)
	switch {
	case err == nil:
		d.metrics.Delivery("success")
		d.log.Debug("DeliveryWorker: Delivered", zap.String("inbox", inbox), zap.String("sender", sender.Handle))
	case errors.Is(err, errPermanent):
		d.metrics.Delivery("rejected")
	default:
		d.metrics.Delivery("failure")
	}
	return err
}

func (d *Deliverer) post(ctx context.Context, key Key, inbox string, body []byte) error {
	u, err := url.Parse(inbox)
	if err != nil {
		return fmt.Errorf("%w: bad inbox %q", errPermanent, inbox)
	}
	if err := d.limiter(u.Host).Wait(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.conf.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.GetNameAndVersion())
	if err := SignRequest(req, body, key); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: remote server returned status: %d", errPermanent, resp.StatusCode)
	default:
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
}

func (d *Deliverer) limiter(host string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.conf.PerHostRate), d.conf.PerHostBurst)
		d.limiters[host] = l
	}
	return l
}

func (d *Deliverer) scheduleRetry(sender, inbox string, activity []byte) {
	if d.store == nil {
		return
	}
	item := &domain.DeliveryQueueItem{
		InboxURI:     inbox,
		Sender:       sender,
		ActivityJSON: string(activity),
		Attempts:     1,
		NextRetryAt:  time.Now().Add(backoffFor(1)),
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.base), 5*time.Second)
	defer cancel()
	if err := d.store.EnqueueDelivery(ctx, item); err != nil {
		d.log.Error("DeliveryWorker: Failed to queue retry", zap.String("inbox", inbox), zap.Error(err))
	}
}

// RunRetryWorker retries persisted deliveries every interval until ctx is
// cancelled.
func (d *Deliverer) RunRetryWorker(ctx context.Context, interval time.Duration) {
	d.log.Info("Starting ActivityPub delivery retry worker", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ProcessRetries(ctx, time.Now())
		}
	}
}

// ProcessRetries makes one pass over the deliveries due at now.
func (d *Deliverer) ProcessRetries(ctx context.Context, now time.Time) {
	items, err := d.store.ReadPendingDeliveries(ctx, now, 50)
	if err != nil {
		d.log.Error("DeliveryWorker: Failed to read queue", zap.Error(err))
		return
	}

	for _, item := range items {
		err := d.retryOne(ctx, item)
		if err == nil {
			d.log.Info("DeliveryWorker: Successfully delivered", zap.String("inbox", item.InboxURI))
			d.deleteDelivery(ctx, item)
			continue
		}

		item.Attempts++
		if item.Attempts >= MaxDeliveryAttempts || errors.Is(err, errPermanent) {
			d.log.Warn("DeliveryWorker: Giving up on delivery",
				zap.String("inbox", item.InboxURI), zap.Int("attempts", item.Attempts), zap.Error(err))
			d.deleteDelivery(ctx, item)
			continue
		}
		wait := backoffFor(item.Attempts)
		d.log.Info("DeliveryWorker: Delivery failed, retrying later",
			zap.String("inbox", item.InboxURI), zap.Int("attempt", item.Attempts),
			zap.Duration("retry_in", wait), zap.Error(err))
		if err := d.store.UpdateDeliveryAttempt(ctx, item.Id, item.Attempts, now.Add(wait)); err != nil {
			d.log.Error("DeliveryWorker: Failed to update attempt", zap.Error(err))
		}
	}

	if n, err := d.store.CountDeliveries(ctx); err == nil {
		d.metrics.RetriesPending(n)
	}
}

func (d *Deliverer) retryOne(ctx context.Context, item domain.DeliveryQueueItem) error {
	sender, err := d.store.ReadActorByHandle(ctx, item.Sender)
	if err != nil {
		return fmt.Errorf("%w: sender %s: %v", errPermanent, item.Sender, err)
	}
	return d.deliverAs(ctx, sender, item.InboxURI, []byte(item.ActivityJSON))
}

func (d *Deliverer) deleteDelivery(ctx context.Context, item domain.DeliveryQueueItem) {
	if err := d.store.DeleteDelivery(ctx, item.Id); err != nil {
		d.log.Error("DeliveryWorker: Failed to delete delivery", zap.String("id", item.Id.String()), zap.Error(err))
	}
}

// backoffFor returns the wait after the given number of failed attempts.
func backoffFor(attempts int) time.Duration {
	i := min(max(attempts-1, 0), len(retryBackoff)-1)
	return time.Duration(retryBackoff[i]) * time.Minute
}
