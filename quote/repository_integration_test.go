package quote

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dealflow/apperr"
	"dealflow/audit"
	"dealflow/db"
	"dealflow/lifecycle"
	"dealflow/tenant"
	"dealflow/totals"
)

// TestQuoteLifecycle_Integration runs the quote service against a real
// PostgreSQL from DATABASE_URL: pricing, send, public view/accept and the
// one-child-per-parent guarantee under concurrent NewVersion calls.
func TestQuoteLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var tenantID string
	if err := pool.QueryRow(ctx, `INSERT INTO tenants (name, slug) VALUES ($1, $2) RETURNING id`,
		"Acme", fmt.Sprintf("acme-%d", time.Now().UnixNano())).Scan(&tenantID); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'tenant_id' = $1`, tenantID)
		pool.Exec(ctx2, `DELETE FROM audit_events WHERE tenant_id = $1`, tenantID)
		pool.Exec(ctx2, `DELETE FROM quote_items WHERE quote_id IN (SELECT id FROM quotes WHERE tenant_id = $1)`, tenantID)
		pool.Exec(ctx2, `UPDATE quotes SET supersedes_id = NULL WHERE tenant_id = $1`, tenantID)
		pool.Exec(ctx2, `DELETE FROM quotes WHERE tenant_id = $1`, tenantID)
		pool.Exec(ctx2, `DELETE FROM reference_counters WHERE tenant_id = $1`, tenantID)
		pool.Exec(ctx2, `DELETE FROM tenants WHERE id = $1`, tenantID)
	})

	scope := tenant.Scope{TenantID: tenantID, ActorID: "itest"}
	svc := NewService(pool, NewRepository(pool, "Q"), audit.NewPGEmitter(pool, nil), Options{DefaultCurrency: "EUR"})

	rate := dec("20")
	q, err := svc.Create(ctx, scope, CreateParams{Title: "Integration", TaxRate: &rate, Items: []ItemParams{
		{Name: "Setup", Type: totals.ItemOneTime, UnitPrice: dec("100"), Quantity: dec("2")},
		{Name: "Support", Type: totals.ItemRecurring, RecurrenceInterval: totals.IntervalMonth, UnitPrice: dec("50"), Quantity: dec("1")},
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !q.Totals.Total.Equal(dec("300")) {
		t.Fatalf("expected total 300, got %s", q.Totals.Total)
	}

	validUntil := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Microsecond)
	if _, err := svc.Send(ctx, scope, q.ID, SendParams{ValidUntil: &validUntil}); err != nil {
		t.Fatalf("send: %v", err)
	}

	viewed, err := svc.View(ctx, q.PublicToken, ViewParams{IP: "198.51.100.7"})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if viewed.Status != lifecycle.QuoteViewed {
		t.Fatalf("expected viewed, got %s", viewed.Status)
	}

	// Two concurrent NewVersion calls: exactly one child.
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.NewVersion(ctx, scope, q.ID, &q.Version)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperr.KindOf(err) == apperr.KindConflict || apperr.KindOf(err) == apperr.KindBusinessRule:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one loser, got %d/%d", successes, conflicts)
	}

	lineage, err := svc.ListLineage(ctx, scope, q.ID)
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(lineage) != 2 || lineage[1].Version != 2 || *lineage[1].SupersedesID != q.ID {
		t.Fatalf("unexpected lineage: %+v", lineage)
	}

	var events int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM audit_events WHERE tenant_id = $1 AND entity_id = $2`, tenantID, q.ID).Scan(&events); err != nil {
		t.Fatalf("count audit events: %v", err)
	}
	// created, sent, viewed (best effort), superseded
	if events != 4 {
		t.Fatalf("expected 4 audit events for the parent, got %d", events)
	}
}
