package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Message is one claimed outbox row.
type Message struct {
	ID       int64
	Topic    string
	Payload  []byte
	Attempts int
}

// OutboxStore claims and settles outbox rows inside the relay's transaction.
type OutboxStore interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkPublished(ctx context.Context, tx pgx.Tx, id int64) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id int64, cause string, dead bool) error
}

// PGOutboxStore implements OutboxStore on the outbox table.
type PGOutboxStore struct{}

func NewPGOutboxStore() *PGOutboxStore {
	return &PGOutboxStore{}
}

// Claim locks up to limit pending rows, skipping rows held by other relays.
func (s *PGOutboxStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const query = `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE processed_at IS NULL AND dead_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: claim outbox: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			return nil, fmt.Errorf("audit: scan outbox: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate outbox: %w", err)
	}
	return msgs, nil
}

func (s *PGOutboxStore) MarkPublished(ctx context.Context, tx pgx.Tx, id int64) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("audit: mark published: %w", err)
	}
	return nil
}

func (s *PGOutboxStore) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, cause string, dead bool) error {
	const updateSQL = `
		UPDATE outbox
		SET attempts = attempts + 1,
		    last_error = $2,
		    dead_at = CASE WHEN $3 THEN now() ELSE dead_at END
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, updateSQL, id, cause, dead); err != nil {
		return fmt.Errorf("audit: mark failed: %w", err)
	}
	return nil
}
