package activitypub

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
	ContentType            = "application/activity+json"
)

// OutboundActivity is an activity produced by this server.
type OutboundActivity struct {
	Context   any        `json:"@context,omitempty"`
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Actor     string     `json:"actor"`
	Object    any        `json:"object"`
	Published string     `json:"published,omitempty"`
	To        StringList `json:"to,omitempty"`
	Cc        StringList `json:"cc,omitempty"`
}

func (a *OutboundActivity) JSON() ([]byte, error) {
	return json.Marshal(a)
}

// NoteFromPost renders a stored post as a Note. authorURI is the actor URI
// of the post's author, which may live on another server.
func NoteFromPost(urls URLs, post *domain.Post, authorURI, followersURI string) *Note {
	// remote content arrives as HTML already
	content := post.Content
	if isLocalURI(urls, post.ObjectURI) {
		content = util.MarkdownLinksToHTML(util.NormalizeInput(post.Content))
	}
	n := &Note{
		ID:           post.ObjectURI,
		Type:         "Note",
		AttributedTo: authorURI,
		Content:      content,
		Published:    post.CreatedAt.UTC().Format(time.RFC3339),
		InReplyTo:    post.InReplyTo,
		To:           StringList{PublicCollection},
	}
	if followersURI != "" {
		n.Cc = StringList{followersURI}
	}
	for _, a := range post.Attachments {
		n.Attachment = append(n.Attachment, Attachment{Type: "Document", URL: a})
	}
	return n
}

func NewCreate(urls URLs, author *domain.Actor, note *Note) *OutboundActivity {
	return &OutboundActivity{
		Context:   ActivityStreamsContext,
		ID:        note.ID + "/activity",
		Type:      "Create",
		Actor:     author.ActorURI,
		Object:    note,
		Published: note.Published,
		To:        note.To,
		Cc:        note.Cc,
	}
}

func NewFollow(urls URLs, follower *domain.Actor, followeeURI string) *OutboundActivity {
	return &OutboundActivity{
		Context: ActivityStreamsContext,
		ID:      urls.NewActivityURI(),
		Type:    "Follow",
		Actor:   follower.ActorURI,
		Object:  followeeURI,
	}
}

// NewUndo wraps inner, which is embedded without its own @context.
func NewUndo(urls URLs, actor *domain.Actor, inner *OutboundActivity) *OutboundActivity {
	embedded := *inner
	embedded.Context = nil
	return &OutboundActivity{
		Context: ActivityStreamsContext,
		ID:      urls.NewActivityURI(),
		Type:    "Undo",
		Actor:   actor.ActorURI,
		Object:  &embedded,
	}
}

// NewAccept answers a Follow identified by followID sent by followerURI.
func NewAccept(urls URLs, followee *domain.Actor, followID, followerURI string) *OutboundActivity {
	return &OutboundActivity{
		Context: ActivityStreamsContext,
		ID:      urls.NewActivityURI(),
		Type:    "Accept",
		Actor:   followee.ActorURI,
		Object: &OutboundActivity{
			ID:     followID,
			Type:   "Follow",
			Actor:  followerURI,
			Object: followee.ActorURI,
		},
	}
}

func NewLike(urls URLs, actor *domain.Actor, objectURI string) *OutboundActivity {
	return &OutboundActivity{
		Context: ActivityStreamsContext,
		ID:      urls.NewActivityURI(),
		Type:    "Like",
		Actor:   actor.ActorURI,
		Object:  objectURI,
	}
}

// NewAnnounce carries the boosted note itself so receivers need no fetch.
func NewAnnounce(urls URLs, booster *domain.Actor, note *Note) *OutboundActivity {
	return &OutboundActivity{
		Context:   ActivityStreamsContext,
		ID:        urls.NewActivityURI(),
		Type:      "Announce",
		Actor:     booster.ActorURI,
		Object:    note,
		Published: time.Now().UTC().Format(time.RFC3339),
		To:        StringList{PublicCollection},
		Cc:        StringList{urls.Followers(booster.Username)},
	}
}

func isLocalURI(urls URLs, uri string) bool {
	return strings.HasPrefix(uri, urls.Base()+"/")
}
