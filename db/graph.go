package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/domain"
)

const DefaultPageSize = 15

const (
	sqlActorIsRemote       = `SELECT is_remote FROM actors WHERE handle = ?`
	sqlInsertFollow        = `INSERT INTO follows(follower, followee, uri, created_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlDeleteFollow        = `DELETE FROM follows WHERE follower = ? AND followee = ?`
	sqlIncFollowers        = `UPDATE actors SET followers_count = followers_count + 1 WHERE handle = ?`
	sqlDecFollowers        = `UPDATE actors SET followers_count = followers_count - 1 WHERE handle = ?`
	sqlIncFollowing        = `UPDATE actors SET following_count = following_count + 1 WHERE handle = ? AND is_remote = 0`
	sqlDecFollowing        = `UPDATE actors SET following_count = following_count - 1 WHERE handle = ? AND is_remote = 0`
	sqlSelectFollow        = `SELECT follower, followee, uri, created_at FROM follows WHERE follower = ? AND followee = ?`
	sqlSelectFollowerPage  = `SELECT f.follower FROM follows f WHERE f.followee = ? AND f.follower > ? ORDER BY f.follower LIMIT ?`
	sqlSelectFollowingPage = `SELECT f.followee FROM follows f WHERE f.follower = ? AND f.followee > ? ORDER BY f.followee LIMIT ?`

	sqlSelectFollowerActorsPage = `SELECT ` + actorColumnsA + ` FROM follows f
		INNER JOIN actors a ON a.handle = f.follower
		WHERE f.followee = ? AND f.follower > ? AND (? = 0 OR a.is_remote = 0)
		ORDER BY f.follower LIMIT ?`
)

const actorColumnsA = `a.handle, a.username, a.domain, a.actor_uri, a.display_name, a.summary, a.public_key_pem,
		a.private_key_pem, a.inbox_uri, a.outbox_uri, a.followers_uri, a.shared_inbox_uri, a.is_remote,
		a.followers_count, a.following_count, a.post_count, a.created_at, a.last_fetched_at`

// CreateFollow records follower -> followee. Both actors must exist. The edge
// insert and both counter increments commit together or not at all.
func (db *DB) CreateFollow(ctx context.Context, follow *domain.Follow) error {
	if follow.Follower == follow.Followee {
		return domain.ErrSelfFollow
	}
	if follow.CreatedAt.IsZero() {
		follow.CreatedAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, h := range []string{follow.Follower, follow.Followee} {
			if err := actorExists(ctx, tx, h); err != nil {
				return err
			}
		}

		inserted, err := execOne(ctx, tx, sqlInsertFollow,
			follow.Follower, follow.Followee, follow.URI, follow.CreatedAt.UTC())
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("%s -> %s: %w", follow.Follower, follow.Followee, domain.ErrAlreadyFollowing)
		}

		if _, err := tx.ExecContext(ctx, sqlIncFollowers, follow.Followee); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, sqlIncFollowing, follow.Follower)
		return err
	})
}

// DeleteFollow removes follower -> followee and returns the removed edge.
func (db *DB) DeleteFollow(ctx context.Context, follower, followee string) (*domain.Follow, error) {
	removed := &domain.Follow{Follower: follower, Followee: followee}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, sqlSelectFollow, follower, followee).
			Scan(&removed.Follower, &removed.Followee, &removed.URI, &removed.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s -> %s: %w", follower, followee, domain.ErrNotFollowing)
		}
		if err != nil {
			return err
		}
		deleted, err := execOne(ctx, tx, sqlDeleteFollow, follower, followee)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%s -> %s: %w", follower, followee, domain.ErrNotFollowing)
		}

		if _, err := tx.ExecContext(ctx, sqlDecFollowers, followee); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, sqlDecFollowing, follower)
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (db *DB) ReadFollow(ctx context.Context, follower, followee string) (*domain.Follow, error) {
	var f domain.Follow
	err := db.db.QueryRowContext(ctx, sqlSelectFollow, follower, followee).
		Scan(&f.Follower, &f.Followee, &f.URI, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFollowing
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFollowers returns handles following handle, ordered by handle.
func (db *DB) ListFollowers(ctx context.Context, handle string, pageSize int, cursor string) (*domain.Page[string], error) {
	return db.listEdges(ctx, sqlSelectFollowerPage, handle, pageSize, cursor)
}

// ListFollowing returns handles that handle follows, ordered by handle.
func (db *DB) ListFollowing(ctx context.Context, handle string, pageSize int, cursor string) (*domain.Page[string], error) {
	return db.listEdges(ctx, sqlSelectFollowingPage, handle, pageSize, cursor)
}

func (db *DB) listEdges(ctx context.Context, query, handle string, pageSize int, cursor string) (*domain.Page[string], error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	after := ""
	if cursor != "" {
		parts, err := db.cursor.decode(cursor, 2)
		if err != nil {
			return nil, err
		}
		if parts[0] != handle {
			return nil, fmt.Errorf("%w: cursor belongs to another listing", domain.ErrInvalidCursor)
		}
		after = parts[1]
	}

	// one extra row tells whether a next page exists
	rows, err := db.db.QueryContext(ctx, query, handle, after, pageSize+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &domain.Page[string]{Items: []string{}}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		page.Items = append(page.Items, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Items) > pageSize {
		page.Items = page.Items[:pageSize]
		page.Next = db.cursor.encode(handle, page.Items[pageSize-1])
	}
	return page, nil
}

// ReadFollowerActors returns up to limit followers of followee whose handle
// sorts after the given one. localOnly restricts the page to local actors.
// Fan-out walks the follower set with it page by page.
func (db *DB) ReadFollowerActors(ctx context.Context, followee, after string, limit int, localOnly bool) ([]domain.Actor, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerActorsPage, followee, after, boolToInt(localOnly), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, *a)
	}
	return actors, rows.Err()
}

func actorExists(ctx context.Context, tx *sql.Tx, handle string) error {
	var isRemote int
	err := tx.QueryRowContext(ctx, sqlActorIsRemote, handle).Scan(&isRemote)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", handle, domain.ErrActorNotFound)
	}
	return err
}
