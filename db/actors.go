package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/domain"
)

const (
	actorColumns = `handle, username, domain, actor_uri, display_name, summary, public_key_pem, private_key_pem,
		inbox_uri, outbox_uri, followers_uri, shared_inbox_uri, is_remote,
		followers_count, following_count, post_count, created_at, last_fetched_at`

	sqlInsertActor = `INSERT INTO actors(` + actorColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)
		ON CONFLICT DO NOTHING`
	sqlRefreshRemoteActor = `UPDATE actors SET display_name = ?, summary = ?, public_key_pem = ?, inbox_uri = ?,
		outbox_uri = ?, followers_uri = ?, shared_inbox_uri = ?, last_fetched_at = ?
		WHERE handle = ? AND is_remote = 1`
	sqlSelectActorByHandle = `SELECT ` + actorColumns + ` FROM actors WHERE handle = ?`
	sqlSelectActorByURI    = `SELECT ` + actorColumns + ` FROM actors WHERE actor_uri = ?`
	sqlSelectLocalActors   = `SELECT ` + actorColumns + ` FROM actors WHERE is_remote = 0 ORDER BY handle`
)

// CreateActor inserts a local actor. An existing handle or URI yields
// domain.ErrAlreadyExists.
func (db *DB) CreateActor(ctx context.Context, actor *domain.Actor) error {
	actor.IsRemote = false
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		inserted, err := insertActor(ctx, tx, actor)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("actor %s: %w", actor.Handle, domain.ErrAlreadyExists)
		}
		return nil
	})
}

// InsertRemoteActor caches a remote actor once. When a row with the same
// handle or URI exists the stored row wins and is returned.
func (db *DB) InsertRemoteActor(ctx context.Context, actor *domain.Actor) (*domain.Actor, error) {
	actor.IsRemote = true
	var stored *domain.Actor
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := insertActor(ctx, tx, actor); err != nil {
			return err
		}
		var err error
		stored, err = scanActor(tx.QueryRowContext(ctx, sqlSelectActorByURI, actor.ActorURI))
		if errors.Is(err, domain.ErrActorNotFound) {
			// handle taken by a row with another URI
			stored, err = scanActor(tx.QueryRowContext(ctx, sqlSelectActorByHandle, actor.Handle))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// RefreshRemoteActor overwrites the document fields of a cached remote
// actor. Counters are left untouched.
func (db *DB) RefreshRemoteActor(ctx context.Context, actor *domain.Actor) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		ok, err := execOne(ctx, tx, sqlRefreshRemoteActor,
			actor.DisplayName, actor.Summary, actor.PublicKeyPem, actor.InboxURI,
			actor.OutboxURI, actor.FollowersURI, actor.SharedInboxURI, actor.LastFetchedAt.UTC(),
			actor.Handle)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("remote actor %s: %w", actor.Handle, domain.ErrActorNotFound)
		}
		return nil
	})
}

func (db *DB) ReadActorByHandle(ctx context.Context, handle string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByHandle, handle))
}

func (db *DB) ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByURI, uri))
}

func (db *DB) ReadLocalActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLocalActors)
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

func insertActor(ctx context.Context, tx *sql.Tx, a *domain.Actor) (bool, error) {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastFetchedAt.IsZero() {
		a.LastFetchedAt = now
	}
	return execOne(ctx, tx, sqlInsertActor,
		a.Handle, a.Username, a.Domain, a.ActorURI, a.DisplayName, a.Summary,
		a.PublicKeyPem, a.PrivateKeyPem, a.InboxURI, a.OutboxURI, a.FollowersURI,
		a.SharedInboxURI, boolToInt(a.IsRemote), a.CreatedAt.UTC(), a.LastFetchedAt.UTC())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (*domain.Actor, error) {
	var a domain.Actor
	var isRemote int
	err := row.Scan(&a.Handle, &a.Username, &a.Domain, &a.ActorURI, &a.DisplayName, &a.Summary,
		&a.PublicKeyPem, &a.PrivateKeyPem, &a.InboxURI, &a.OutboxURI, &a.FollowersURI,
		&a.SharedInboxURI, &isRemote, &a.FollowersCount, &a.FollowingCount, &a.PostCount,
		&a.CreatedAt, &a.LastFetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrActorNotFound
	}
	if err != nil {
		return nil, err
	}
	a.IsRemote = isRemote == 1
	return &a, nil
}
