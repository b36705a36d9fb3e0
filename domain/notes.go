package domain

import (
	"time"

	"github.com/google/uuid"
)

// PublicTimeline is the timeline recipient holding the public feed.
const PublicTimeline = "__public__"

type Post struct {
	Id           uuid.UUID
	Author       string
	ObjectURI    string
	Content      string
	Attachments  []string
	InReplyTo    string
	ActivityJSON string // immutable Create envelope
	CreatedAt    time.Time
	CommentCount int
	LikeCount    int
	BoostCount   int
}

type Comment struct {
	Id        uuid.UUID
	PostId    uuid.UUID
	Author    string
	ObjectURI string
	Content   string
	CreatedAt time.Time
}

type TimelineEntry struct {
	Recipient string
	PostId    uuid.UUID
	CreatedAt time.Time
}

// Page is one page of a cursor-paginated listing. Next is empty on the last page.
type Page[T any] struct {
	Items []T
	Next  string
}
