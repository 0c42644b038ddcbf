// Package idempotency records caller-supplied keys so retried requests can
// return the resource created by the first attempt.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"dealflow/apperr"
	"dealflow/db"
)

// MaxKeyLength bounds keys accepted from clients.
const MaxKeyLength = 255

// Store reads and writes idempotency_keys inside the caller's transaction.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Normalize trims key and rejects oversized values. An empty key means the
// caller opted out of idempotency.
func Normalize(key string) (string, error) {
	key = strings.TrimSpace(key)
	if len(key) > MaxKeyLength {
		return "", apperr.Invalid(apperr.Fields{"idempotency_key": "too_long"})
	}
	return key, nil
}

// Entry is a recorded key: the target the first request acted on and the
// resource it produced.
type Entry struct {
	TargetID   string
	ResourceID string
}

// Replay returns the recorded resource when the key was first used against
// targetID. A key reused against another target is a conflict.
func (e Entry) Replay(key, targetID string) (string, error) {
	if e.TargetID != targetID {
		return "", apperr.Conflict("idempotency_key_reused", "idempotency key %q was used for %s", key, e.TargetID)
	}
	return e.ResourceID, nil
}

// Lookup returns the entry recorded for key, if any.
func (s *Store) Lookup(ctx context.Context, tx pgx.Tx, tenantID, scope, key string) (Entry, bool, error) {
	const query = `
		SELECT target_id, resource_id
		FROM idempotency_keys
		WHERE tenant_id = $1 AND scope = $2 AND key = $3
	`

	var e Entry
	if err := tx.QueryRow(ctx, query, tenantID, scope, key).Scan(&e.TargetID, &e.ResourceID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("idempotency: lookup: %w", err)
	}
	return e, true, nil
}

// Record binds key to the entry. A concurrent writer that recorded the same
// key first surfaces as a conflict.
func (s *Store) Record(ctx context.Context, tx pgx.Tx, tenantID, scope, key string, e Entry) error {
	if key == "" {
		return fmt.Errorf("idempotency: empty key")
	}
	if e.TargetID == "" || e.ResourceID == "" {
		return fmt.Errorf("idempotency: entry needs target and resource")
	}

	const insertSQL = `
		INSERT INTO idempotency_keys (tenant_id, scope, key, target_id, resource_id)
		VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := tx.Exec(ctx, insertSQL, tenantID, scope, key, e.TargetID, e.ResourceID); err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.Conflict("duplicate_idempotency_key", "idempotency key %q already used", key)
		}
		return fmt.Errorf("idempotency: record: %w", err)
	}
	return nil
}
