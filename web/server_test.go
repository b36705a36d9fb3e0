package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/util"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func decode(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))
	return m
}

func TestWebfinger(t *testing.T) {
	f := newFixture(t)
	f.local(t, "alice")

	w := f.get(t, "/.well-known/webfinger?resource=acct:alice@"+testDomain)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/jrd+json")

	var resp activitypub.WebfingerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "acct:alice@"+testDomain, resp.Subject)
	require.Len(t, resp.Links, 1)
	assert.Equal(t, "self", resp.Links[0].Rel)
	assert.Equal(t, activitypub.ContentType, resp.Links[0].Type)
	assert.Equal(t, "https://"+testDomain+"/users/alice", resp.Links[0].Href)

	tests := []struct {
		name     string
		resource string
		want     int
	}{
		{"unknown user", "acct:nobody@" + testDomain, http.StatusNotFound},
		{"other domain", "acct:alice@elsewhere.example", http.StatusNotFound},
		{"remote user", "acct:bob@remote.example", http.StatusNotFound},
		{"not acct", "https://" + testDomain + "/users/alice", http.StatusBadRequest},
		{"empty", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.get(t, "/.well-known/webfinger?resource="+url.QueryEscape(tt.resource))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestActorDocument(t *testing.T) {
	f := newFixture(t)
	alice := f.local(t, "alice")

	w := f.get(t, "/users/alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), activitypub.ContentType))

	var doc activitypub.ActorDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, alice.ActorURI, doc.ID)
	assert.Equal(t, "Person", doc.Type)
	assert.Equal(t, alice.ActorURI+"/inbox", doc.Inbox)
	assert.Equal(t, "https://"+testDomain+"/inbox", doc.Endpoints.SharedInbox)
	assert.Equal(t, alice.ActorURI+"#main-key", doc.PublicKey.ID)
	assert.Contains(t, doc.PublicKey.PublicKeyPem, "PUBLIC KEY")

	assert.Equal(t, http.StatusNotFound, f.get(t, "/users/nobody").Code)
	// cached remote actors are not served from here
	assert.Equal(t, http.StatusNotFound, f.get(t, "/users/bob@remote.example").Code)
}

func TestFollowersCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.local(t, "alice")
	f.local(t, "carol")
	require.NoError(t, f.service.AcceptFollow(ctx, f.bob, alice, "https://remote.example/follows/1"))
	_, err := f.service.Follow(ctx, "carol", "alice")
	require.NoError(t, err)

	w := f.get(t, "/users/alice/followers")
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode(t, w.Body.Bytes())
	assert.Equal(t, "OrderedCollection", summary["type"])
	assert.EqualValues(t, 2, summary["totalItems"])
	assert.Equal(t, alice.ActorURI+"/followers?page=true", summary["first"])

	w = f.get(t, "/users/alice/followers?page=true")
	require.Equal(t, http.StatusOK, w.Code)
	page := decode(t, w.Body.Bytes())
	assert.Equal(t, "OrderedCollectionPage", page["type"])
	assert.Equal(t, alice.ActorURI+"/followers", page["partOf"])
	assert.ElementsMatch(t, []any{f.bob.ActorURI, "https://" + testDomain + "/users/carol"}, page["orderedItems"])
	assert.NotContains(t, page, "next")

	w = f.get(t, "/users/carol/following?page=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{alice.ActorURI}, decode(t, w.Body.Bytes())["orderedItems"])

	assert.Equal(t, http.StatusNotFound, f.get(t, "/users/nobody/followers").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/users/alice/followers?cursor=forged").Code)
}

func TestFollowersCollectionPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.local(t, "alice")
	for i := 0; i < collectionPage+2; i++ {
		name := "f" + strings.Repeat("x", i+1)
		f.local(t, name)
		_, err := f.service.Follow(ctx, name, "alice")
		require.NoError(t, err)
	}

	var seen []any
	next := "/users/alice/followers?page=true"
	for pages := 0; next != ""; pages++ {
		require.Less(t, pages, 3)
		w := f.get(t, next)
		require.Equal(t, http.StatusOK, w.Code)
		page := decode(t, w.Body.Bytes())
		items, _ := page["orderedItems"].([]any)
		seen = append(seen, items...)

		next = ""
		if n, ok := page["next"].(string); ok {
			u, err := url.Parse(n)
			require.NoError(t, err)
			next = u.RequestURI()
		}
	}
	assert.Len(t, seen, collectionPage+2)
}

func TestOutboxAndNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.local(t, "alice")
	first, err := f.service.CreatePost(ctx, "alice", "first post", nil)
	require.NoError(t, err)
	_, err = f.service.CreatePost(ctx, "alice", "see [docs](https://example.com)", []string{"https://cdn.example/a.png"})
	require.NoError(t, err)

	w := f.get(t, "/users/alice/outbox")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w.Body.Bytes())["totalItems"])

	w = f.get(t, "/users/alice/outbox?page=true")
	require.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w.Body.Bytes())["orderedItems"].([]any)
	require.Len(t, items, 2)
	for _, item := range items {
		activity := item.(map[string]any)
		assert.Equal(t, "Create", activity["type"])
		assert.Equal(t, alice.ActorURI, activity["actor"])
	}

	w = f.get(t, "/notes/"+first.Id.String())
	require.Equal(t, http.StatusOK, w.Code)
	note := decode(t, w.Body.Bytes())
	assert.Equal(t, activitypub.ActivityStreamsContext, note["@context"])
	assert.Equal(t, first.ObjectURI, note["id"])
	assert.Equal(t, "Note", note["type"])
	assert.Equal(t, alice.ActorURI, note["attributedTo"])
	assert.Equal(t, "first post", note["content"])

	assert.Equal(t, http.StatusNotFound, f.get(t, "/notes/not-a-uuid").Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/notes/"+uuid.NewString()).Code)
}

func TestNoteOfRemoteAuthorIsNotServed(t *testing.T) {
	f := newFixture(t)
	post, err := f.service.StoreRemotePost(context.Background(), f.bob, &activitypub.Note{
		ID:           "https://remote.example/notes/1",
		Type:         "Note",
		AttributedTo: f.bob.ActorURI,
		Content:      "<p>hello</p>",
		Published:    time.Now().UTC().Format(time.RFC3339),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/notes/"+post.Id.String()).Code)
}

func TestInbox(t *testing.T) {
	bobKeys, otherKeys := remoteKeys(t)
	bobKey := "https://remote.example/users/bob#main-key"
	follow := func(actor string) []byte {
		body, _ := json.Marshal(map[string]any{
			"@context": activitypub.ActivityStreamsContext,
			"id":       "https://remote.example/follows/" + uuid.NewString(),
			"type":     "Follow",
			"actor":    actor,
			"object":   "https://" + testDomain + "/users/alice",
		})
		return body
	}

	tests := []struct {
		name     string
		path     string
		body     []byte
		keyID    string
		keys     bool
		signWith string
		want     int
		queued   int
		metric   string
	}{
		{"personal inbox", "/users/alice/inbox", follow("https://remote.example/users/bob"), bobKey, true, "bob", http.StatusAccepted, 1, "ok"},
		{"shared inbox", "/inbox", follow("https://remote.example/users/bob"), bobKey, true, "bob", http.StatusAccepted, 1, "ok"},
		{"unsigned", "/inbox", follow("https://remote.example/users/bob"), "", false, "", http.StatusBadRequest, 0, "malformed"},
		{"wrong key", "/inbox", follow("https://remote.example/users/bob"), bobKey, true, "other", http.StatusUnauthorized, 0, "invalid"},
		{"unknown key", "/inbox", follow("https://remote.example/users/bob"), "https://" + testDomain + "/users/ghost#main-key", true, "bob", http.StatusUnauthorized, 0, "invalid"},
		{"signer is not actor", "/inbox", follow("https://remote.example/users/carol"), bobKey, true, "bob", http.StatusUnauthorized, 0, "actor_mismatch"},
		{"malformed activity", "/inbox", []byte(`{"type":"Follow"}`), bobKey, true, "bob", http.StatusBadRequest, 0, "ok"},
		{"unsupported activity", "/inbox", []byte(`{"type":"Delete","actor":"https://remote.example/users/bob","object":"x"}`), bobKey, true, "bob", http.StatusAccepted, 0, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.local(t, "alice")

			keys := bobKeys
			if tt.signWith == "other" {
				keys = otherKeys
			}
			if !tt.keys {
				keys = nil
			}

			w := f.post(t, tt.path, tt.body, tt.keyID, keys)
			assert.Equal(t, tt.want, w.Code, w.Body.String())

			n, err := f.db.CountInbound(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.queued, n)

			assert.Equal(t, 1.0, testutil.ToFloat64(f.server.metrics.SignatureVerifications.WithLabelValues(tt.metric)))
		})
	}
}

func TestInboxLogsRejectedSignatures(t *testing.T) {
	bobKeys, otherKeys := remoteKeys(t)
	body := []byte(`{"type":"Like","actor":"https://remote.example/users/bob","object":"x"}`)
	ghostKey := "https://" + testDomain + "/users/ghost#main-key"

	tests := []struct {
		name  string
		keyID string
		keys  *util.RsaKeyPair
		level zapcore.Level
	}{
		{"wrong key", "https://remote.example/users/bob#main-key", otherKeys, zap.WarnLevel},
		{"unresolvable key", ghostKey, bobKeys, zap.WarnLevel},
		{"unsigned", "", nil, zap.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.post(t, "/inbox", body, tt.keyID, tt.keys)

			entries := f.logs.FilterMessageSnippet("Rejected").AllUntimed()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)
			if tt.keys != nil {
				assert.Equal(t, tt.keyID, entries[0].ContextMap()["key"])
			}
		})
	}
}

func TestInboxUnknownRecipient(t *testing.T) {
	f := newFixture(t)
	bobKeys, _ := remoteKeys(t)
	w := f.post(t, "/users/nobody/inbox", []byte(`{}`), "https://remote.example/users/bob#main-key", bobKeys)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInboxRejectsOversizedBody(t *testing.T) {
	f := newFixture(t)
	bobKeys, _ := remoteKeys(t)
	body := []byte(`{"type":"Follow","pad":"` + strings.Repeat("x", maxActivitySize) + `"}`)
	w := f.post(t, "/inbox", body, "https://remote.example/users/bob#main-key", bobKeys)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestQueuedActivityIsStoredVerbatim(t *testing.T) {
	f := newFixture(t)
	f.local(t, "alice")
	bobKeys, _ := remoteKeys(t)
	body := []byte(`{"id":"https://remote.example/likes/1","type":"Like","actor":"https://remote.example/users/bob","object":"https://local.example/notes/x"}`)

	w := f.post(t, "/inbox", body, "https://remote.example/users/bob#main-key", bobKeys)
	require.Equal(t, http.StatusAccepted, w.Code)

	msgs, err := f.db.Receive(context.Background(), db.ReceiveOptions{MaxMessages: 10, VisibilityTimeout: time.Minute})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, string(body), string(msgs[0].Body))
}

func TestFeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.local(t, "alice")
	post, err := f.service.CreatePost(ctx, "alice", "hello rss", nil)
	require.NoError(t, err)

	w := f.get(t, "/feed")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/xml")
	assert.Contains(t, w.Body.String(), "<rss")
	assert.Contains(t, w.Body.String(), "hello rss")
	assert.Contains(t, w.Body.String(), "https://"+testDomain+"/feed/"+post.Id.String())

	w = f.get(t, "/feed?username=alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice@"+testDomain)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/feed?username=nobody").Code)

	w = f.get(t, "/feed/"+post.Id.String())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello rss")
	assert.Equal(t, http.StatusNotFound, f.get(t, "/feed/"+uuid.NewString()).Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/feed/bogus").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.server.metrics.SignatureChecked("ok")

	w := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `tusk_signature_verifications_total{result="ok"} 1`)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.server.conf.Conf.Host = "127.0.0.1"
	f.server.conf.Conf.HttpPort = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
