package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	postColumns = `p.id, p.author, p.object_uri, p.content, p.attachments, p.in_reply_to, p.activity_json,
		p.created_at, p.comment_count, p.like_count, p.boost_count`

	sqlInsertPost = `INSERT INTO posts(id, author, object_uri, content, attachments, in_reply_to, activity_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlIncPostCount     = `UPDATE actors SET post_count = post_count + 1 WHERE handle = ?`
	sqlSelectPostById   = `SELECT ` + postColumns + ` FROM posts p WHERE p.id = ?`
	sqlSelectPostByURI  = `SELECT ` + postColumns + ` FROM posts p WHERE p.object_uri = ?`
	sqlSelectPostsFirst = `SELECT ` + postColumns + ` FROM posts p WHERE p.author = ?
		ORDER BY p.created_at DESC, p.id DESC LIMIT ?`
	sqlSelectPostsAfter = `SELECT ` + postColumns + ` FROM posts p WHERE p.author = ?
		AND (p.created_at < ? OR (p.created_at = ? AND p.id < ?))
		ORDER BY p.created_at DESC, p.id DESC LIMIT ?`

	sqlIncCommentCount = `UPDATE posts SET comment_count = comment_count + 1 WHERE id = ?`
	sqlInsertComment   = `INSERT INTO comments(id, post_id, author, object_uri, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlSelectComments = `SELECT id, post_id, author, object_uri, content, created_at FROM comments
		WHERE post_id = ? ORDER BY created_at, id`

	sqlIncLikeCount  = `UPDATE posts SET like_count = like_count + 1 WHERE id = ?`
	sqlDecLikeCount  = `UPDATE posts SET like_count = like_count - 1 WHERE id = ?`
	sqlInsertLike    = `INSERT INTO likes(post_id, actor, uri, created_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlSelectLike    = `SELECT post_id, actor, uri, created_at FROM likes WHERE post_id = ? AND actor = ?`
	sqlSelectLikeURI = `SELECT post_id, actor, uri, created_at FROM likes WHERE uri = ? AND uri <> ''`
	sqlDeleteLike    = `DELETE FROM likes WHERE post_id = ? AND actor = ?`

	sqlIncBoostCount = `UPDATE posts SET boost_count = boost_count + 1 WHERE id = ?`
	sqlInsertBoost   = `INSERT INTO boosts(post_id, actor, uri, created_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`
)

// CreatePost stores a post and bumps the author's post_count. A post whose
// id or object URI is already stored yields domain.ErrAlreadyExists.
func (db *DB) CreatePost(ctx context.Context, post *domain.Post) error {
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}
	if post.Attachments == nil {
		post.Attachments = []string{}
	}
	attachments, err := json.Marshal(post.Attachments)
	if err != nil {
		return err
	}

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if err := actorExists(ctx, tx, post.Author); err != nil {
			return err
		}
		inserted, err := execOne(ctx, tx, sqlInsertPost,
			post.Id.String(), post.Author, post.ObjectURI, post.Content, string(attachments),
			post.InReplyTo, post.ActivityJSON, post.CreatedAt.UTC())
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("post %s: %w", post.ObjectURI, domain.ErrAlreadyExists)
		}
		_, err = tx.ExecContext(ctx, sqlIncPostCount, post.Author)
		return err
	})
}

func (db *DB) ReadPost(ctx context.Context, id uuid.UUID) (*domain.Post, error) {
	return scanPost(db.db.QueryRowContext(ctx, sqlSelectPostById, id.String()))
}

func (db *DB) ReadPostByURI(ctx context.Context, uri string) (*domain.Post, error) {
	return scanPost(db.db.QueryRowContext(ctx, sqlSelectPostByURI, uri))
}

// ReadPostsByAuthor pages through an author's posts, newest first.
func (db *DB) ReadPostsByAuthor(ctx context.Context, author string, limit int, cursor string) (*domain.Page[domain.Post], error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var rows *sql.Rows
	var err error
	if cursor == "" {
		rows, err = db.db.QueryContext(ctx, sqlSelectPostsFirst, author, limit+1)
	} else {
		at, id, cerr := db.decodeTimeCursor(cursor, author)
		if cerr != nil {
			return nil, cerr
		}
		rows, err = db.db.QueryContext(ctx, sqlSelectPostsAfter, author, at, at, id, limit+1)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &domain.Page[domain.Post]{Items: []domain.Post{}}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		last := page.Items[limit-1]
		page.Next = db.encodeTimeCursor(author, last.CreatedAt, last.Id)
	}
	return page, nil
}

// CreateComment stores a comment and bumps the parent's comment_count.
func (db *DB) CreateComment(ctx context.Context, c *domain.Comment) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		found, err := execOne(ctx, tx, sqlIncCommentCount, c.PostId.String())
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("comment on %s: %w", c.PostId, domain.ErrPostNotFound)
		}
		inserted, err := execOne(ctx, tx, sqlInsertComment,
			c.Id.String(), c.PostId.String(), c.Author, c.ObjectURI, c.Content, c.CreatedAt.UTC())
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("comment %s: %w", c.ObjectURI, domain.ErrAlreadyExists)
		}
		return nil
	})
}

func (db *DB) ReadComments(ctx context.Context, postID uuid.UUID) ([]domain.Comment, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectComments, postID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []domain.Comment
	for rows.Next() {
		var c domain.Comment
		var id, postId string
		if err := rows.Scan(&id, &postId, &c.Author, &c.ObjectURI, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Id, _ = uuid.Parse(id)
		c.PostId, _ = uuid.Parse(postId)
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// CreateLike records a like. The counter update doubles as the existence
// check of the post; a repeated like rolls it back.
func (db *DB) CreateLike(ctx context.Context, like *domain.Like) error {
	return db.insertReaction(ctx, sqlIncLikeCount, sqlInsertLike, like.PostId, like.Actor, like.URI, &like.CreatedAt)
}

// CreateBoost records an Announce of a post.
func (db *DB) CreateBoost(ctx context.Context, boost *domain.Boost) error {
	return db.insertReaction(ctx, sqlIncBoostCount, sqlInsertBoost, boost.PostId, boost.Actor, boost.URI, &boost.CreatedAt)
}

func (db *DB) insertReaction(ctx context.Context, incQuery, insertQuery string, postID uuid.UUID, actor, uri string, createdAt *time.Time) error {
	if createdAt.IsZero() {
		*createdAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if err := actorExists(ctx, tx, actor); err != nil {
			return err
		}
		found, err := execOne(ctx, tx, incQuery, postID.String())
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("post %s: %w", postID, domain.ErrPostNotFound)
		}
		inserted, err := execOne(ctx, tx, insertQuery, postID.String(), actor, uri, createdAt.UTC())
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("%s on %s: %w", actor, postID, domain.ErrAlreadyExists)
		}
		return nil
	})
}

// DeleteLike removes a like and decrements like_count. It returns the
// removed like or domain.ErrNotFound.
func (db *DB) DeleteLike(ctx context.Context, postID uuid.UUID, actor string) (*domain.Like, error) {
	var removed *domain.Like
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		like, err := scanLike(tx.QueryRowContext(ctx, sqlSelectLike, postID.String(), actor))
		if err != nil {
			return err
		}
		deleted, err := execOne(ctx, tx, sqlDeleteLike, postID.String(), actor)
		if err != nil {
			return err
		}
		if !deleted {
			return domain.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, sqlDecLikeCount, postID.String()); err != nil {
			return err
		}
		removed = like
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (db *DB) ReadLike(ctx context.Context, postID uuid.UUID, actor string) (*domain.Like, error) {
	return scanLike(db.db.QueryRowContext(ctx, sqlSelectLike, postID.String(), actor))
}

func (db *DB) ReadLikeByURI(ctx context.Context, uri string) (*domain.Like, error) {
	return scanLike(db.db.QueryRowContext(ctx, sqlSelectLikeURI, uri))
}

func scanLike(row rowScanner) (*domain.Like, error) {
	var l domain.Like
	var postId string
	err := row.Scan(&postId, &l.Actor, &l.URI, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.PostId, _ = uuid.Parse(postId)
	return &l, nil
}

func scanPost(row rowScanner) (*domain.Post, error) {
	var p domain.Post
	var id, attachments string
	err := row.Scan(&id, &p.Author, &p.ObjectURI, &p.Content, &attachments, &p.InReplyTo,
		&p.ActivityJSON, &p.CreatedAt, &p.CommentCount, &p.LikeCount, &p.BoostCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPostNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("post id %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(attachments), &p.Attachments); err != nil {
		return nil, fmt.Errorf("post %s attachments: %w", id, err)
	}
	return &p, nil
}

func (db *DB) encodeTimeCursor(scope string, at time.Time, id uuid.UUID) string {
	return db.cursor.encode(scope, at.UTC().Format(time.RFC3339Nano), id.String())
}

func (db *DB) decodeTimeCursor(cursor, scope string) (time.Time, string, error) {
	parts, err := db.cursor.decode(cursor, 3)
	if err != nil {
		return time.Time{}, "", err
	}
	if parts[0] != scope {
		return time.Time{}, "", fmt.Errorf("%w: cursor belongs to another listing", domain.ErrInvalidCursor)
	}
	at, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: bad timestamp", domain.ErrInvalidCursor)
	}
	return at.UTC(), parts[2], nil
}
