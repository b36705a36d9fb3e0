package web

import (
	"bytes"
	"context"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/social"
	"github.com/deemkeen/tusk/util"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testDomain = "local.example"

var (
	keyOnce   sync.Once
	remoteKey *util.RsaKeyPair
	otherKey  *util.RsaKeyPair
)

// remoteKeys returns the key of the remote actor bob and an unrelated one.
func remoteKeys(t *testing.T) (bob, other *util.RsaKeyPair) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if remoteKey, err = util.GeneratePemKeypair(1024); err != nil {
			panic(err)
		}
		if otherKey, err = util.GeneratePemKeypair(1024); err != nil {
			panic(err)
		}
	})
	return remoteKey, otherKey
}

type noopSubmitter struct{}

func (noopSubmitter) Submit(sender *domain.Actor, inbox string, activity []byte) {}

type fixture struct {
	db       *db.DB
	service  *social.Service
	server   *Server
	registry *prometheus.Registry
	logs     *observer.ObservedLogs
	bob      *domain.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), "secret", nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = testDomain
	conf.ApplyDefaults()

	urls := activitypub.URLs{Domain: testDomain}
	registry := prometheus.NewRegistry()
	metrics := activitypub.NewMetrics(registry)
	resolver := activitypub.NewResolver(database, urls, &http.Client{Timeout: time.Second}, time.Hour, 16, nil)
	engine := activitypub.NewEngine(database, resolver, noopSubmitter{}, urls, 50, 0, metrics, nil)
	service := social.NewService(database, resolver, engine, noopSubmitter{}, urls, 1024, nil)

	bobKeys, _ := remoteKeys(t)
	bob, err := database.InsertRemoteActor(context.Background(), &domain.Actor{
		Handle:        domain.RemoteHandle("bob", "remote.example"),
		Username:      "bob",
		Domain:        "remote.example",
		ActorURI:      "https://remote.example/users/bob",
		InboxURI:      "https://remote.example/users/bob/inbox",
		PublicKeyPem:  bobKeys.Public,
		LastFetchedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	return &fixture{
		db:       database,
		service:  service,
		server:   NewServer(conf, service, resolver.PublicKey, database, registry, metrics, zap.New(core)),
		registry: registry,
		logs:     logs,
		bob:      bob,
	}
}

func (f *fixture) local(t *testing.T, name string) *domain.Actor {
	t.Helper()
	a, err := f.service.CreateLocalActor(context.Background(), name, "")
	require.NoError(t, err)
	return a
}

// get serves one request on a fresh router so rate limits never interfere.
func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

// post delivers body to path, signed with keyPair under keyID when
// keyPair is set.
func (f *fixture) post(t *testing.T, path string, body []byte, keyID string, keyPair *util.RsaKeyPair) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://"+testDomain+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", activitypub.ContentType)
	if keyPair != nil {
		require.NoError(t, activitypub.SignRequest(req, body, activitypub.Key{ID: keyID, PrivateKey: privateKey(t, keyPair)}))
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func privateKey(t *testing.T, keyPair *util.RsaKeyPair) *rsa.PrivateKey {
	t.Helper()
	key, err := activitypub.ParsePrivateKey(keyPair.Private)
	require.NoError(t, err)
	return key
}
