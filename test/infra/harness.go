package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dealflow/agreement"
	"dealflow/audit"
	"dealflow/conversion"
	"dealflow/idempotency"
	"dealflow/order"
	"dealflow/quote"
	"dealflow/sweep"
	"dealflow/tenant"
)

// Harness wires the real lifecycle services onto a migrated pool.
type Harness struct {
	pool *pgxpool.Pool

	Quotes     *quote.Service
	Orders     *order.Service
	Agreements *agreement.Service
	Converter  *conversion.Orchestrator
	Sweeper    *sweep.Runner
	Emitter    *audit.PGEmitter
}

// NewHarness builds services the same way the API binary does. sweepAhead
// shifts the sweeper's clock forward so short-lived quotes expire while other
// actors still race on them.
func NewHarness(pool *pgxpool.Pool, logger *slog.Logger, sweepAhead time.Duration) *Harness {
	emitter := audit.NewPGEmitter(pool, logger)
	keys := idempotency.NewStore()

	quotes := quote.NewService(pool, quote.NewRepository(pool, "Q"), emitter, quote.Options{
		DefaultCurrency: "USD",
		DefaultValidity: time.Hour,
	})
	orders := order.NewService(pool, order.NewRepository(pool, "ORD"), emitter)
	agreements := agreement.NewService(pool, agreement.NewRepository(pool, "AGR"), emitter, keys).WithOrders(orders)

	return &Harness{
		pool:       pool,
		Quotes:     quotes,
		Orders:     orders,
		Agreements: agreements,
		Converter:  conversion.NewOrchestrator(pool, quotes, orders, agreements, keys),
		Sweeper: sweep.NewRunner(quotes, agreements, sweep.Options{Interval: 250 * time.Millisecond, BatchSize: 50}, logger).
			WithClock(func() time.Time { return time.Now().Add(sweepAhead) }),
		Emitter: emitter,
	}
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// SeedTenant inserts an active tenant and returns a scope acting inside it.
func (h *Harness) SeedTenant(ctx context.Context, slug string) (tenant.Scope, error) {
	var id string
	err := h.pool.QueryRow(ctx, `INSERT INTO tenants (name, slug) VALUES ($1, $1) RETURNING id`, slug).Scan(&id)
	if err != nil {
		return tenant.Scope{}, fmt.Errorf("seed tenant: %w", err)
	}
	return tenant.Scope{TenantID: id, ActorID: "stress"}, nil
}

// Reset truncates mutable tables to provide a clean slate for next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"audit_events",
		"idempotency_keys",
		"agreements",
		"orders",
		"quote_items",
		"quotes",
		"reference_counters",
		"operators",
		"tenants",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}

	return nil
}
