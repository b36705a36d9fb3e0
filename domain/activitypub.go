package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow is a directed edge of the social graph.
type Follow struct {
	Follower  string
	Followee  string
	URI       string // ActivityPub Follow activity URI
	CreatedAt time.Time
}

// Like represents a like/favorite on a post
type Like struct {
	PostId    uuid.UUID
	Actor     string
	URI       string
	CreatedAt time.Time
}

// Boost represents an Announce of a post
type Boost struct {
	PostId    uuid.UUID
	Actor     string
	URI       string
	CreatedAt time.Time
}

// InboundMessage is one received entry of the inbound activity queue.
// Receipt changes on every receive and is required to delete the message.
type InboundMessage struct {
	Id           uuid.UUID
	Body         []byte
	ReceiveCount int
	Receipt      string
	CreatedAt    time.Time
}

type DeadLetter struct {
	Id           uuid.UUID
	Body         []byte
	Reason       string
	ReceiveCount int
	CreatedAt    time.Time
}

// DeliveryQueueItem represents an item in the delivery queue
type DeliveryQueueItem struct {
	Id           uuid.UUID
	InboxURI     string
	Sender       string // local handle whose key signs the delivery
	ActivityJSON string // The complete activity to deliver
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}
