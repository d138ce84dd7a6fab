package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// EnqueueTx inserts an outbox message inside an existing transaction.
// Callers pair this with the state change that produced the message so
// both commit or neither does.
func (s *Store) EnqueueTx(ctx context.Context, tx *sqlx.Tx, rec *OutboxRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.NextAttemptAt.IsZero() {
		rec.NextAttemptAt = rec.CreatedAt
	}
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO outbox_messages
			(message_id, batch_id, topic, payload, created_at, attempts, next_attempt_at)
		VALUES (:message_id, :batch_id, :topic, :payload, :created_at, :attempts, :next_attempt_at)`,
		rec)
	if err != nil {
		return fmt.Errorf("enqueue outbox message %s: %w", rec.MessageID, err)
	}
	return nil
}

// DueOutbox returns unpublished messages whose next attempt is due, in
// creation order. The single-threaded publisher preserves per-batch
// ordering by draining this in order.
func (s *Store) DueOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxRecord, error) {
	var recs []OutboxRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM outbox_messages
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY created_at, message_id
		LIMIT ?`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("scan due outbox: %w", err)
	}
	return recs, nil
}

// MarkPublished stamps a message as published after broker ACK.
func (s *Store) MarkPublished(ctx context.Context, messageID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages SET published_at = ?
		WHERE message_id = ? AND published_at IS NULL`,
		at, messageID)
	if err != nil {
		return fmt.Errorf("mark outbox %s published: %w", messageID, err)
	}
	return nil
}

// DeferOutbox schedules the next publish attempt after a failure.
func (s *Store) DeferOutbox(ctx context.Context, messageID string, attempts int, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages SET attempts = ?, next_attempt_at = ?
		WHERE message_id = ?`,
		attempts, nextAttemptAt, messageID)
	if err != nil {
		return fmt.Errorf("defer outbox %s: %w", messageID, err)
	}
	return nil
}

// OutboxBacklog counts unpublished messages.
func (s *Store) OutboxBacklog(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM outbox_messages WHERE published_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("count outbox backlog: %w", err)
	}
	return n, nil
}

// OutboxByBatch returns all outbox messages for a batch in creation
// order. Used for replay verification and the admin surface.
func (s *Store) OutboxByBatch(ctx context.Context, batchID string) ([]OutboxRecord, error) {
	var recs []OutboxRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM outbox_messages WHERE batch_id = ?
		ORDER BY created_at, message_id`,
		batchID)
	if err != nil {
		return nil, fmt.Errorf("outbox for batch %s: %w", batchID, err)
	}
	return recs, nil
}
