package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	sqlSelectTimelineFirst = `SELECT ` + postColumns + ` FROM timeline t
		INNER JOIN posts p ON p.id = t.post_id
		WHERE t.recipient = ?
		ORDER BY t.created_at DESC, t.post_id DESC LIMIT ?`
	sqlSelectTimelineAfter = `SELECT ` + postColumns + ` FROM timeline t
		INNER JOIN posts p ON p.id = t.post_id
		WHERE t.recipient = ? AND (t.created_at < ? OR (t.created_at = ? AND t.post_id < ?))
		ORDER BY t.created_at DESC, t.post_id DESC LIMIT ?`
	sqlCountTimeline = `SELECT COUNT(*) FROM timeline WHERE recipient = ?`
)

// timelineBatch bounds the number of rows per INSERT statement.
const timelineBatch = 200

// InsertTimelineEntries adds entries in batches. Entries already present
// are skipped, so replays are harmless. It returns how many rows were new.
func (db *DB) InsertTimelineEntries(ctx context.Context, entries []domain.TimelineEntry) (int, error) {
	total := 0
	for start := 0; start < len(entries); start += timelineBatch {
		end := min(start+timelineBatch, len(entries))
		batch := entries[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT OR IGNORE INTO timeline(recipient, post_id, created_at) VALUES ")
		args := make([]any, 0, len(batch)*3)
		for i, e := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?)")
			args = append(args, e.Recipient, e.PostId.String(), e.CreatedAt.UTC())
		}

		err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, sb.String(), args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += int(n)
			return nil
		})
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadTimeline returns the posts on recipient's timeline, newest first.
func (db *DB) ReadTimeline(ctx context.Context, recipient string, limit int, cursor string) (*domain.Page[domain.Post], error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var rows *sql.Rows
	var err error
	if cursor == "" {
		rows, err = db.db.QueryContext(ctx, sqlSelectTimelineFirst, recipient, limit+1)
	} else {
		at, id, cerr := db.decodeTimeCursor(cursor, "timeline:"+recipient)
		if cerr != nil {
			return nil, cerr
		}
		rows, err = db.db.QueryContext(ctx, sqlSelectTimelineAfter, recipient, at, at, id, limit+1)
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
		page.Next = db.encodeTimelineCursor(recipient, last)
	}
	return page, nil
}

// timeline rows carry the post's creation time, so the cursor can use it
func (db *DB) encodeTimelineCursor(recipient string, last domain.Post) string {
	return db.encodeTimeCursor("timeline:"+recipient, last.CreatedAt, last.Id)
}

func (db *DB) CountTimeline(ctx context.Context, recipient string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountTimeline, recipient).Scan(&n)
	return n, err
}

// HasTimelineEntry reports whether postID is on recipient's timeline.
func (db *DB) HasTimelineEntry(ctx context.Context, recipient string, postID uuid.UUID) (bool, error) {
	var n int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM timeline WHERE recipient = ? AND post_id = ?`, recipient, postID.String()).Scan(&n)
	return n > 0, err
}
