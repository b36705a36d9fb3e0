package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/stretchr/testify/require"
)

var testURLs = activitypub.URLs{Domain: "local.example"}

// fakeNetwork stands in for remote servers: it knows a fixed set of remote
// actors and caches them in the database when they are discovered.
type fakeNetwork struct {
	db     *db.DB
	mu     sync.Mutex
	remote map[string]*domain.Actor
}

func (n *fakeNetwork) add(user, host string) *domain.Actor {
	n.mu.Lock()
	defer n.mu.Unlock()
	a := &domain.Actor{
		Handle:       domain.RemoteHandle(user, host),
		Username:     user,
		Domain:       host,
		ActorURI:     "https://" + host + "/users/" + user,
		InboxURI:     "https://" + host + "/users/" + user + "/inbox",
		PublicKeyPem: "pub-" + user,
		IsRemote:     true,
	}
	n.remote[a.Handle] = a
	return a
}

func (n *fakeNetwork) DiscoverAndCache(ctx context.Context, handle string) (*domain.Actor, error) {
	handle = domain.NormalizeHandle(handle)
	user, host := domain.SplitHandle(handle)
	if host == "" || host == testURLs.Domain {
		return n.db.ReadActorByHandle(ctx, user)
	}
	n.mu.Lock()
	a, ok := n.remote[handle]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", handle, domain.ErrActorNotFound)
	}
	cp := *a
	cp.LastFetchedAt = time.Now().UTC()
	return n.db.InsertRemoteActor(ctx, &cp)
}

func (n *fakeNetwork) ResolveActorURI(ctx context.Context, uri string) (*domain.Actor, error) {
	if a, err := n.db.ReadActorByURI(ctx, uri); err == nil {
		return a, nil
	}
	n.mu.Lock()
	var handle string
	for h, a := range n.remote {
		if a.ActorURI == uri {
			handle = h
		}
	}
	n.mu.Unlock()
	if handle == "" {
		return nil, fmt.Errorf("%s: %w", uri, domain.ErrActorNotFound)
	}
	return n.DiscoverAndCache(ctx, handle)
}

func (n *fakeNetwork) ResolveInbox(ctx context.Context, uri string) (string, error) {
	a, err := n.ResolveActorURI(ctx, uri)
	if err != nil {
		return "", err
	}
	return activitypub.InboxOf(a)
}

type submitted struct {
	sender   string
	inbox    string
	activity []byte
}

type recordingSubmitter struct {
	mu         sync.Mutex
	deliveries []submitted
}

func (r *recordingSubmitter) Submit(sender *domain.Actor, inbox string, activity []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, submitted{sender: sender.Handle, inbox: inbox, activity: activity})
}

func (r *recordingSubmitter) all() []submitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]submitted(nil), r.deliveries...)
}

type fixture struct {
	db      *db.DB
	network *fakeNetwork
	sub     *recordingSubmitter
	engine  *activitypub.Engine
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), "secret", nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))

	network := &fakeNetwork{db: database, remote: map[string]*domain.Actor{}}
	sub := &recordingSubmitter{}
	engine := activitypub.NewEngine(database, network, sub, testURLs, 50, 0, nil, nil)
	return &fixture{
		db:      database,
		network: network,
		sub:     sub,
		engine:  engine,
		service: NewService(database, network, engine, sub, testURLs, 1024, nil),
	}
}

func (f *fixture) local(t *testing.T, name string) *domain.Actor {
	t.Helper()
	a, err := f.service.CreateLocalActor(context.Background(), name, "")
	require.NoError(t, err)
	return a
}

// cached discovers a remote actor so it is stored locally.
func (f *fixture) cached(t *testing.T, user, host string) *domain.Actor {
	t.Helper()
	f.network.add(user, host)
	a, err := f.network.DiscoverAndCache(context.Background(), user+"@"+host)
	require.NoError(t, err)
	return a
}

func (f *fixture) actor(t *testing.T, handle string) *domain.Actor {
	t.Helper()
	a, err := f.db.ReadActorByHandle(context.Background(), handle)
	require.NoError(t, err)
	return a
}

func parseDelivery(t *testing.T, d submitted) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(d.activity, &m))
	return m
}

// flakyPublisher fails its first fan-outs, then defers to the wrapped
// engine.
type flakyPublisher struct {
	Publisher
	fails int
}

func (p *flakyPublisher) fail() error {
	if p.fails > 0 {
		p.fails--
		return errors.New("database is locked")
	}
	return nil
}

func (p *flakyPublisher) FanOutRemotePost(ctx context.Context, post *domain.Post) (*activitypub.FanoutResult, error) {
	if err := p.fail(); err != nil {
		return nil, err
	}
	return p.Publisher.FanOutRemotePost(ctx, post)
}

func (p *flakyPublisher) PropagateBoost(ctx context.Context, booster *domain.Actor, post *domain.Post) (*activitypub.FanoutResult, error) {
	if err := p.fail(); err != nil {
		return nil, err
	}
	return p.Publisher.PropagateBoost(ctx, booster, post)
}

// withFlakyFanout swaps the fixture's service for one whose first n
// fan-outs fail.
func (f *fixture) withFlakyFanout(n int) {
	f.service = NewService(f.db, f.network, &flakyPublisher{Publisher: f.engine, fails: n}, f.sub, testURLs, 1024, nil)
}
