package domain

import (
	"strings"
	"time"
)

// Actor is a local or cached remote identity. Local actors are keyed by
// username, remote ones by username@domain.
type Actor struct {
	Handle         string
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	PublicKeyPem   string
	PrivateKeyPem  string // empty for remote actors
	InboxURI       string
	OutboxURI      string
	FollowersURI   string
	SharedInboxURI string
	IsRemote       bool
	FollowersCount int
	FollowingCount int
	PostCount      int
	CreatedAt      time.Time
	LastFetchedAt  time.Time
}

// KeyID is the id of the actor's signing key as published in its document.
func (a *Actor) KeyID() string {
	return a.ActorURI + "#main-key"
}

func (a *Actor) IsLocal() bool {
	return !a.IsRemote
}

// NormalizeHandle strips a leading @ and lowercases the domain part.
func NormalizeHandle(handle string) string {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	username, domain := SplitHandle(handle)
	if domain == "" {
		return username
	}
	return username + "@" + strings.ToLower(domain)
}

// SplitHandle splits user@domain. The domain is empty for a bare username.
func SplitHandle(handle string) (username, domain string) {
	handle = strings.TrimPrefix(handle, "@")
	if i := strings.LastIndex(handle, "@"); i >= 0 {
		return handle[:i], handle[i+1:]
	}
	return handle, ""
}

// RemoteHandle returns the storage key for a remote actor.
func RemoteHandle(username, domain string) string {
	return username + "@" + strings.ToLower(domain)
}
