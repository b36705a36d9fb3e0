package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	sqlEnqueueInbound = `INSERT INTO inbound_queue(id, body, receive_count, visible_at, receipt, created_at)
		VALUES (?, ?, 0, ?, '', ?)`
	sqlSelectVisible = `SELECT id, body, receive_count, created_at FROM inbound_queue
		WHERE visible_at <= ? ORDER BY created_at, id LIMIT ?`
	sqlClaimMessage = `UPDATE inbound_queue SET receive_count = receive_count + 1, visible_at = ?, receipt = ?
		WHERE id = ? AND visible_at <= ?`
	sqlDeleteByReceipt  = `DELETE FROM inbound_queue WHERE receipt = ? AND receipt <> ''`
	sqlDeleteInbound    = `DELETE FROM inbound_queue WHERE id = ?`
	sqlInsertDeadLetter = `INSERT INTO dead_letters(id, body, reason, receive_count, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`
	sqlSelectDeadLetters = `SELECT id, body, reason, receive_count, created_at FROM dead_letters ORDER BY created_at LIMIT ?`
	sqlCountInbound      = `SELECT COUNT(*) FROM inbound_queue`
)

// ReceiveOptions controls a long-polling receive on the inbound queue.
type ReceiveOptions struct {
	MaxMessages       int
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	PollInterval      time.Duration
}

// EnqueueInbound appends a raw activity body to the inbound queue.
func (db *DB) EnqueueInbound(ctx context.Context, body []byte) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlEnqueueInbound, id.String(), body, now.UnixMilli(), now)
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue inbound: %w", err)
	}
	return id, nil
}

// Receive waits up to opts.WaitTime for visible messages and claims at most
// opts.MaxMessages of them. Claimed messages stay invisible for
// opts.VisibilityTimeout and come back unless deleted by receipt.
func (db *DB) Receive(ctx context.Context, opts ReceiveOptions) ([]domain.InboundMessage, error) {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(opts.WaitTime)

	for {
		msgs, err := db.receiveOnce(ctx, opts.MaxMessages, opts.VisibilityTimeout)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(opts.PollInterval, time.Until(deadline))):
		}
	}
}

func (db *DB) receiveOnce(ctx context.Context, max int, visibility time.Duration) ([]domain.InboundMessage, error) {
	var claimed []domain.InboundMessage
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		now := time.Now().UTC()
		rows, err := tx.QueryContext(ctx, sqlSelectVisible, now.UnixMilli(), max)
		if err != nil {
			return err
		}
		var candidates []domain.InboundMessage
		for rows.Next() {
			var m domain.InboundMessage
			var id string
			if err := rows.Scan(&id, &m.Body, &m.ReceiveCount, &m.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			m.Id, _ = uuid.Parse(id)
			candidates = append(candidates, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		visibleAt := now.Add(visibility).UnixMilli()
		for _, m := range candidates {
			m.Receipt = uuid.NewString()
			ok, err := execOne(ctx, tx, sqlClaimMessage, visibleAt, m.Receipt, m.Id.String(), now.UnixMilli())
			if err != nil {
				return err
			}
			if ok {
				m.ReceiveCount++
				claimed = append(claimed, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	return claimed, nil
}

// DeleteMessage acknowledges a message. A stale receipt, one issued before
// the message was received again, yields domain.ErrNotFound.
func (db *DB) DeleteMessage(ctx context.Context, receipt string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		ok, err := execOne(ctx, tx, sqlDeleteByReceipt, receipt)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("receipt %s: %w", receipt, domain.ErrNotFound)
		}
		return nil
	})
}

// DeadLetter moves a message out of the inbound queue.
func (db *DB) DeadLetter(ctx context.Context, msg domain.InboundMessage, reason string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlInsertDeadLetter,
			msg.Id.String(), msg.Body, reason, msg.ReceiveCount, time.Now().UTC()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, sqlDeleteInbound, msg.Id.String())
		return err
	})
}

func (db *DB) ReadDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDeadLetters, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []domain.DeadLetter
	for rows.Next() {
		var d domain.DeadLetter
		var id string
		if err := rows.Scan(&id, &d.Body, &d.Reason, &d.ReceiveCount, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Id, _ = uuid.Parse(id)
		letters = append(letters, d)
	}
	return letters, rows.Err()
}

func (db *DB) CountInbound(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountInbound).Scan(&n)
	return n, err
}
