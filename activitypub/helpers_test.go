package activitypub

import (
	"context"
	"crypto/rsa"
	"path/filepath"
	"sync"
	"testing"

	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce sync.Once
	keyPair *util.RsaKeyPair
)

// testKeys returns one keypair shared by the package's tests; generating
// RSA keys per test is slow.
func testKeys(t *testing.T) *util.RsaKeyPair {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		keyPair, err = util.GeneratePemKeypair(2048)
		if err != nil {
			panic(err)
		}
	})
	return keyPair
}

func testPrivateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := ParsePrivateKey(testKeys(t).Private)
	require.NoError(t, err)
	return key
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), "secret", nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))
	return database
}

var testURLs = URLs{Domain: "local.example"}

func createLocal(t *testing.T, database *db.DB, name string) *domain.Actor {
	t.Helper()
	keys := testKeys(t)
	a := &domain.Actor{
		Handle:        name,
		Username:      name,
		Domain:        testURLs.Domain,
		ActorURI:      testURLs.ActorURI(name),
		InboxURI:      testURLs.Inbox(name),
		OutboxURI:     testURLs.Outbox(name),
		FollowersURI:  testURLs.Followers(name),
		PublicKeyPem:  keys.Public,
		PrivateKeyPem: keys.Private,
	}
	require.NoError(t, database.CreateActor(context.Background(), a))
	return a
}

// recordingSubmitter captures submitted deliveries instead of posting them.
type recordingSubmitter struct {
	mu         sync.Mutex
	deliveries []submitted
}

type submitted struct {
	sender   string
	inbox    string
	activity []byte
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

func createLocalActorValue(name string) *domain.Actor {
	return &domain.Actor{
		Handle:   name,
		Username: name,
		Domain:   testURLs.Domain,
		ActorURI: testURLs.ActorURI(name),
	}
}
