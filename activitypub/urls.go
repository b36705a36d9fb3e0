package activitypub

import (
	"fmt"

	"github.com/google/uuid"
)

// URLs builds the public URIs of this server. All of them are https.
type URLs struct {
	Domain string
}

func (u URLs) Base() string {
	return "https://" + u.Domain
}

func (u URLs) ActorURI(username string) string {
	return fmt.Sprintf("%s/users/%s", u.Base(), username)
}

func (u URLs) KeyID(username string) string {
	return u.ActorURI(username) + "#main-key"
}

func (u URLs) Inbox(username string) string {
	return u.ActorURI(username) + "/inbox"
}

func (u URLs) Outbox(username string) string {
	return u.ActorURI(username) + "/outbox"
}

func (u URLs) Followers(username string) string {
	return u.ActorURI(username) + "/followers"
}

func (u URLs) Following(username string) string {
	return u.ActorURI(username) + "/following"
}

func (u URLs) SharedInbox() string {
	return u.Base() + "/inbox"
}

func (u URLs) NoteURI(id uuid.UUID) string {
	return fmt.Sprintf("%s/notes/%s", u.Base(), id)
}

// NewActivityURI mints a fresh activity id.
func (u URLs) NewActivityURI() string {
	return fmt.Sprintf("%s/activities/%s", u.Base(), uuid.New())
}
