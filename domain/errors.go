package domain

import "errors"

var (
	ErrActorNotFound    = errors.New("actor not found")
	ErrPostNotFound     = errors.New("post not found")
	ErrAlreadyFollowing = errors.New("already following")
	ErrNotFollowing     = errors.New("not following")
	ErrSelfFollow       = errors.New("cannot follow yourself")
	ErrAlreadyExists    = errors.New("already exists")
	ErrNotFound         = errors.New("not found")
	ErrInvalidCursor    = errors.New("invalid cursor")
)

// IsConflict reports whether err is an idempotent replay of an edge that
// already exists or is already gone.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyFollowing) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrNotFollowing) ||
		errors.Is(err, ErrNotFound)
}
