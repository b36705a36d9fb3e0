package activitypub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedEnvelope marks a body that can never be processed.
	ErrMalformedEnvelope = errors.New("malformed activity")
	// ErrUnsupportedActivity marks a well-formed activity this server ignores.
	ErrUnsupportedActivity = errors.New("unsupported activity")
)

// Activity is one of *Create, *Follow, *UndoFollow, *UndoLike, *Like,
// *Announce or *Accept.
type Activity interface {
	Header() *Envelope
	sealed()
}

// Envelope holds the fields every inbound activity carries.
type Envelope struct {
	ID    string
	Type  string
	Actor string
	Raw   []byte
}

func (e *Envelope) Header() *Envelope { return e }
func (e *Envelope) sealed()           {}

type Create struct {
	Envelope
	Note Note
}

type Follow struct {
	Envelope
	Object string // followee actor URI
}

type UndoFollow struct {
	Envelope
	FollowID string
	Object   string // followee actor URI
}

type UndoLike struct {
	Envelope
	LikeID string
	Object string // liked object URI
}

type Like struct {
	Envelope
	Object string
}

type Announce struct {
	Envelope
	Object string
	Note   *Note // set when the object was embedded
}

type Accept struct {
	Envelope
	FollowID string
}

// Note is the AS2 object carried by Create and Announce.
type Note struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	AttributedTo string      `json:"attributedTo"`
	Content      string      `json:"content"`
	Published    string      `json:"published,omitempty"`
	InReplyTo    string      `json:"inReplyTo,omitempty"`
	URL          string      `json:"url,omitempty"`
	To           StringList  `json:"to,omitempty"`
	Cc           StringList  `json:"cc,omitempty"`
	Attachment   Attachments `json:"attachment,omitempty"`
}

type Attachment struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
}

// StringList accepts a single string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// Attachments accepts a single object or an array of objects.
type Attachments []Attachment

func (a *Attachments) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var single Attachment
		if err := json.Unmarshal(b, &single); err != nil {
			return err
		}
		*a = Attachments{single}
		return nil
	}
	var many []Attachment
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*a = many
	return nil
}

// URLs returns the attachment URLs in order.
func (a Attachments) URLs() []string {
	urls := make([]string, 0, len(a))
	for _, att := range a {
		if att.URL != "" {
			urls = append(urls, att.URL)
		}
	}
	return urls
}

type rawActivity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  json.RawMessage `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// Parse decodes an inbound activity body into its variant. Bodies missing
// type or actor yield ErrMalformedEnvelope, types outside the supported set
// ErrUnsupportedActivity.
func Parse(body []byte) (Activity, error) {
	var raw rawActivity
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	actor := idOf(raw.Actor)
	if raw.Type == "" || actor == "" {
		return nil, fmt.Errorf("%w: type and actor are required", ErrMalformedEnvelope)
	}
	env := Envelope{ID: raw.ID, Type: raw.Type, Actor: actor, Raw: body}

	switch raw.Type {
	case "Create":
		note, err := parseNote(raw.Object)
		if err != nil {
			return nil, err
		}
		return &Create{Envelope: env, Note: *note}, nil

	case "Follow":
		object, err := requireObjectID(raw)
		if err != nil {
			return nil, err
		}
		return &Follow{Envelope: env, Object: object}, nil

	case "Like":
		object, err := requireObjectID(raw)
		if err != nil {
			return nil, err
		}
		return &Like{Envelope: env, Object: object}, nil

	case "Announce":
		object, err := requireObjectID(raw)
		if err != nil {
			return nil, err
		}
		a := &Announce{Envelope: env, Object: object}
		if isObject(raw.Object) {
			if note, err := parseNote(raw.Object); err == nil {
				a.Note = note
			}
		}
		return a, nil

	case "Accept":
		object, err := requireObjectID(raw)
		if err != nil {
			return nil, err
		}
		return &Accept{Envelope: env, FollowID: object}, nil

	case "Undo":
		return parseUndo(env, raw.Object)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedActivity, raw.Type)
	}
}

func parseUndo(env Envelope, object json.RawMessage) (Activity, error) {
	if !isObject(object) {
		if idOf(object) == "" {
			return nil, fmt.Errorf("%w: Undo without object", ErrMalformedEnvelope)
		}
		// a bare id gives no way to tell what is undone
		return nil, fmt.Errorf("%w: Undo of unembedded activity", ErrUnsupportedActivity)
	}

	var inner rawActivity
	if err := json.Unmarshal(object, &inner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if innerActor := idOf(inner.Actor); innerActor != "" && innerActor != env.Actor {
		return nil, fmt.Errorf("%w: Undo of an activity by another actor", ErrMalformedEnvelope)
	}
	target := idOf(inner.Object)

	switch inner.Type {
	case "Follow":
		if target == "" {
			return nil, fmt.Errorf("%w: Undo(Follow) without object", ErrMalformedEnvelope)
		}
		return &UndoFollow{Envelope: env, FollowID: inner.ID, Object: target}, nil
	case "Like":
		if target == "" && inner.ID == "" {
			return nil, fmt.Errorf("%w: Undo(Like) without object", ErrMalformedEnvelope)
		}
		return &UndoLike{Envelope: env, LikeID: inner.ID, Object: target}, nil
	case "":
		return nil, fmt.Errorf("%w: Undo object without type", ErrMalformedEnvelope)
	default:
		return nil, fmt.Errorf("%w: Undo(%s)", ErrUnsupportedActivity, inner.Type)
	}
}

func parseNote(object json.RawMessage) (*Note, error) {
	if !isObject(object) {
		return nil, fmt.Errorf("%w: object must be embedded", ErrMalformedEnvelope)
	}
	var note Note
	if err := json.Unmarshal(object, &note); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch note.Type {
	case "Note", "Article", "Page":
	default:
		return nil, fmt.Errorf("%w: object type %q", ErrUnsupportedActivity, note.Type)
	}
	if note.ID == "" {
		return nil, fmt.Errorf("%w: object without id", ErrMalformedEnvelope)
	}
	return &note, nil
}

func requireObjectID(raw rawActivity) (string, error) {
	id := idOf(raw.Object)
	if id == "" {
		return "", fmt.Errorf("%w: %s without object", ErrMalformedEnvelope, raw.Type)
	}
	return id, nil
}

// idOf returns a JSON value's id: the string itself, or the object's id.
func idOf(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(v, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func isObject(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && v[0] == '{'
}
