package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_order_per_quote",
			SQL: `SELECT source_quote_id, COUNT(*) FROM orders
                  WHERE source_quote_id IS NOT NULL AND deleted_at IS NULL
                  GROUP BY source_quote_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_converted_quote_has_order",
			SQL: `SELECT q.id FROM quotes q
                  WHERE q.status = 'converted'
                    AND NOT EXISTS (SELECT 1 FROM orders o WHERE o.source_quote_id = q.id AND o.deleted_at IS NULL)`,
		},
		{
			Name: "O3_order_source_is_converted",
			SQL: `SELECT o.id, q.status FROM orders o
                  JOIN quotes q ON q.id = o.source_quote_id
                  WHERE q.status <> 'converted'`,
		},
		{
			Name: "O4_single_decision",
			SQL:  `SELECT id FROM quotes WHERE accepted_at IS NOT NULL AND rejected_at IS NOT NULL`,
		},
		{
			Name: "O5_expired_undecided",
			SQL: `SELECT id FROM quotes
                  WHERE status = 'expired' AND (accepted_at IS NOT NULL OR rejected_at IS NOT NULL OR expired_at IS NULL)`,
		},
		{
			Name: "O6_status_matches_timestamps",
			SQL: `SELECT id, status FROM quotes
                  WHERE (status IN ('accepted', 'converted') AND accepted_at IS NULL)
                     OR (status = 'rejected' AND rejected_at IS NULL)
                     OR (status = 'converted' AND converted_at IS NULL)`,
		},
		{
			Name: "O7_idempotency_key_resolves",
			SQL: `SELECT k.key, k.target_id FROM idempotency_keys k
                  LEFT JOIN orders o ON o.id::text = k.resource_id
                  WHERE k.scope = 'quote.convert'
                    AND (o.id IS NULL OR o.source_quote_id::text IS DISTINCT FROM k.target_id)`,
		},
		{
			Name: "O8_transition_audited",
			SQL: `SELECT q.id, q.status FROM quotes q
                  WHERE q.status IN ('accepted', 'rejected', 'expired', 'converted')
                    AND NOT EXISTS (SELECT 1 FROM audit_events a
                                    WHERE a.entity_type = 'quote' AND a.entity_id = q.id::text AND a.action = q.status)`,
		},
		{
			Name: "O9_audit_has_outbox",
			SQL: `SELECT a.id FROM audit_events a
                  WHERE NOT EXISTS (SELECT 1 FROM outbox o
                                    WHERE o.topic = a.entity_type || '.' || a.action
                                      AND o.payload->>'entity_id' = a.entity_id)`,
		},
		{
			Name: "O10_active_agreement_signed",
			SQL: `SELECT id FROM agreements
                  WHERE status = 'active'
                    AND (client_signed_at IS NULL OR provider_signed_at IS NULL OR activated_at IS NULL)`,
		},
		{
			Name: "O11_terminated_not_reactivated",
			SQL:  `SELECT id FROM agreements WHERE terminated_at IS NOT NULL AND status <> 'terminated'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
