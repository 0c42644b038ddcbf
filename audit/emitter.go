package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Emitter is what lifecycle services depend on.
type Emitter interface {
	// Emit writes the event inside tx so it commits or rolls back with the
	// state change it describes.
	Emit(ctx context.Context, tx pgx.Tx, ev Event) error
	// EmitBestEffort writes outside any transaction and never fails the caller.
	EmitBestEffort(ctx context.Context, ev Event)
}

// Execer is satisfied by pgx.Tx and *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGEmitter stores events in audit_events and enqueues them in outbox.
type PGEmitter struct {
	pool   Execer
	logger *slog.Logger
	now    func() time.Time
}

func NewPGEmitter(pool Execer, logger *slog.Logger) *PGEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGEmitter{pool: pool, logger: logger, now: time.Now}
}

func (e *PGEmitter) WithClock(now func() time.Time) *PGEmitter {
	e.now = now
	return e
}

func (e *PGEmitter) Emit(ctx context.Context, tx pgx.Tx, ev Event) error {
	return e.write(ctx, tx, ev)
}

func (e *PGEmitter) EmitBestEffort(ctx context.Context, ev Event) {
	if err := e.write(ctx, e.pool, ev); err != nil {
		e.logger.WarnContext(ctx, "audit event dropped",
			"topic", ev.Topic(),
			"entity_id", ev.EntityID,
			"error", err,
		)
	}
}

func (e *PGEmitter) write(ctx context.Context, ex Execer, ev Event) error {
	if ev.TenantID == "" || ev.EntityID == "" || ev.EntityType == "" || ev.Action == "" {
		return fmt.Errorf("audit: incomplete event %q", ev.Topic())
	}

	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}

	const insertEventSQL = `
		INSERT INTO audit_events (tenant_id, entity_type, entity_id, action, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := ex.Exec(ctx, insertEventSQL, ev.TenantID, ev.EntityType, ev.EntityID, ev.Action, ev.ActorID, payloadBytes); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}

	envelope, err := json.Marshal(Envelope{
		TenantID:   ev.TenantID,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Action:     ev.Action,
		ActorID:    ev.ActorID,
		Payload:    payload,
		OccurredAt: e.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("audit: marshal envelope: %w", err)
	}

	const insertOutboxSQL = `
		INSERT INTO outbox (topic, payload)
		VALUES ($1, $2)
	`
	if _, err := ex.Exec(ctx, insertOutboxSQL, ev.Topic(), envelope); err != nil {
		return fmt.Errorf("audit: insert outbox message: %w", err)
	}

	return nil
}
