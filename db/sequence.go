package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// NextReference allocates the next human-readable reference for kind within a
// tenant, formatted as PREFIX-000001. The counter row is locked until tx ends,
// so references are gap-free per committed transaction.
func NextReference(ctx context.Context, tx pgx.Tx, tenantID, kind, prefix string) (string, error) {
	const upsertSQL = `
		INSERT INTO reference_counters (tenant_id, kind, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, kind)
		DO UPDATE SET last_value = reference_counters.last_value + 1
		RETURNING last_value
	`

	var n int64
	if err := tx.QueryRow(ctx, upsertSQL, tenantID, kind).Scan(&n); err != nil {
		return "", fmt.Errorf("db: next reference %s: %w", kind, err)
	}
	return FormatReference(prefix, n), nil
}

// FormatReference renders a counter value with its prefix.
func FormatReference(prefix string, n int64) string {
	return fmt.Sprintf("%s-%06d", prefix, n)
}
