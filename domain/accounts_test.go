package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitHandle(t *testing.T) {
	tests := []struct {
		in, user, domain string
	}{
		{"alice", "alice", ""},
		{"bob@remote.example", "bob", "remote.example"},
		{"@bob@remote.example", "bob", "remote.example"},
	}
	for _, tt := range tests {
		user, domain := SplitHandle(tt.in)
		assert.Equal(t, tt.user, user, tt.in)
		assert.Equal(t, tt.domain, domain, tt.in)
	}
}

func TestNormalizeHandle(t *testing.T) {
	assert.Equal(t, "bob@remote.example", NormalizeHandle(" @bob@Remote.Example"))
	assert.Equal(t, "alice", NormalizeHandle("alice"))
	assert.Equal(t, "bob@remote.example", RemoteHandle("bob", "REMOTE.example"))
}

func TestActorKeyID(t *testing.T) {
	a := &Actor{Handle: "alice", ActorURI: "https://local.example/users/alice"}
	assert.Equal(t, "https://local.example/users/alice#main-key", a.KeyID())
	assert.True(t, a.IsLocal())
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(fmt.Errorf("follow: %w", ErrAlreadyFollowing)))
	assert.True(t, IsConflict(ErrAlreadyExists))
	assert.False(t, IsConflict(ErrPostNotFound))
	assert.False(t, IsConflict(nil))
}
