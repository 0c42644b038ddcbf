package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dealflow/apperr"
	"dealflow/db"
	"dealflow/lifecycle"
)

type Repository interface {
	NextReference(ctx context.Context, tx pgx.Tx, tenantID string) (string, error)
	Insert(ctx context.Context, tx pgx.Tx, o Order) (Order, error)
	Get(ctx context.Context, tenantID, id string) (Order, error)
	GetTx(ctx context.Context, tx pgx.Tx, tenantID, id string) (Order, error)
	// FindBySourceQuote returns the live order converted from quoteID, if any.
	FindBySourceQuote(ctx context.Context, tx pgx.Tx, tenantID, quoteID string) (Order, bool, error)
	List(ctx context.Context, tenantID string, filters Filters) ([]Order, int, error)
	// UpdateDetails writes schedule and notes while the order is still in status from.
	UpdateDetails(ctx context.Context, tx pgx.Tx, o Order, from lifecycle.OrderStatus) (Order, error)
	Transition(ctx context.Context, tx pgx.Tx, t Transition) (Order, error)
	TransitionFulfillment(ctx context.Context, tx pgx.Tx, t FulfillmentTransition) (Order, error)
	SoftDelete(ctx context.Context, tx pgx.Tx, d Deletion) error
}

const referenceKind = "order"

type PGRepository struct {
	pool   *pgxpool.Pool
	prefix string
}

func NewRepository(pool *pgxpool.Pool, referencePrefix string) *PGRepository {
	if referencePrefix == "" {
		referencePrefix = "ORD"
	}
	return &PGRepository{pool: pool, prefix: referencePrefix}
}

const orderColumns = `
	id, tenant_id, reference, status, fulfillment_status, order_type, currency, total_value,
	effective_date, expiry_date, source_quote_id, notes, activated_at, fulfilled_at, cancelled_at, cancel_reason,
	created_by, created_at, updated_at, deleted_at`

func (r *PGRepository) NextReference(ctx context.Context, tx pgx.Tx, tenantID string) (string, error) {
	return db.NextReference(ctx, tx, tenantID, referenceKind, r.prefix)
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, o Order) (Order, error) {
	query := `
		INSERT INTO orders (id, tenant_id, reference, status, fulfillment_status, order_type, currency, total_value,
			effective_date, expiry_date, source_quote_id, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		RETURNING ` + orderColumns

	created, err := scanOrder(tx.QueryRow(ctx, query,
		o.ID, o.TenantID, o.Reference, o.Status, o.FulfillmentStatus, o.Type, o.Currency, o.TotalValue,
		o.EffectiveDate, o.ExpiryDate, o.SourceQuoteID, o.Notes, o.CreatedBy, o.CreatedAt,
	))
	if err != nil {
		if db.IsUniqueViolation(err) && db.ConstraintName(err) == "orders_one_per_quote" {
			return Order{}, apperr.Conflict("order_exists", "quote %s already has an order", deref(o.SourceQuoteID))
		}
		return Order{}, fmt.Errorf("order: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, tenantID, id string) (Order, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Order{}, fmt.Errorf("order: begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return r.GetTx(ctx, tx, tenantID, id)
}

func (r *PGRepository) GetTx(ctx context.Context, tx pgx.Tx, tenantID, id string) (Order, error) {
	if !db.ValidID(id) {
		return Order{}, apperr.NotFound("order", id)
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`
	o, err := scanOrder(tx.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, apperr.NotFound("order", id)
		}
		return Order{}, fmt.Errorf("order: get: %w", err)
	}
	return o, nil
}

func (r *PGRepository) FindBySourceQuote(ctx context.Context, tx pgx.Tx, tenantID, quoteID string) (Order, bool, error) {
	if !db.ValidID(quoteID) {
		return Order{}, false, nil
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE tenant_id = $1 AND source_quote_id = $2 AND deleted_at IS NULL`
	o, err := scanOrder(tx.QueryRow(ctx, query, tenantID, quoteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, false, nil
		}
		return Order{}, false, fmt.Errorf("order: find by source quote: %w", err)
	}
	return o, true, nil
}

func (r *PGRepository) List(ctx context.Context, tenantID string, filters Filters) ([]Order, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"tenant_id = $1", "deleted_at IS NULL"}
	args := []any{tenantID}

	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filters.FulfillmentStatus != "" {
		args = append(args, filters.FulfillmentStatus)
		where = append(where, fmt.Sprintf("fulfillment_status = $%d", len(args)))
	}
	if filters.SourceQuoteID != "" {
		if !db.ValidID(filters.SourceQuoteID) {
			return []Order{}, 0, nil
		}
		args = append(args, filters.SourceQuoteID)
		where = append(where, fmt.Sprintf("source_quote_id = $%d", len(args)))
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY %s %s, id LIMIT %d OFFSET %d`,
		orderColumns, whereClause, mapSortKey(filters.SortKey), sortOrder, filters.PageSize, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("order: query list: %w", err)
	}
	defer rows.Close()

	list := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("order: scan list: %w", err)
		}
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("order: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM orders"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("order: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) UpdateDetails(ctx context.Context, tx pgx.Tx, o Order, from lifecycle.OrderStatus) (Order, error) {
	query := `
		UPDATE orders
		SET effective_date = $3, expiry_date = $4, notes = $5, updated_at = $6
		WHERE tenant_id = $1 AND id = $2 AND status = $7 AND deleted_at IS NULL
		RETURNING ` + orderColumns

	updated, err := scanOrder(tx.QueryRow(ctx, query,
		o.TenantID, o.ID, o.EffectiveDate, o.ExpiryDate, o.Notes, o.UpdatedAt, from))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, errConcurrent(o.ID)
		}
		return Order{}, fmt.Errorf("order: update details: %w", err)
	}
	return updated, nil
}

// Transition applies t only while the order is still in t.From.
func (r *PGRepository) Transition(ctx context.Context, tx pgx.Tx, t Transition) (Order, error) {
	args := []any{t.TenantID, t.ID, t.To, t.At, t.From}
	sets := []string{"status = $3", "updated_at = $4"}
	switch t.To {
	case lifecycle.OrderActive:
		sets = append(sets, "activated_at = $4")
	case lifecycle.OrderFulfilled:
		sets = append(sets, "fulfilled_at = $4")
	case lifecycle.OrderCancelled:
		args = append(args, t.CancelReason)
		sets = append(sets, "cancelled_at = $4", fmt.Sprintf("cancel_reason = $%d", len(args)))
	}

	query := fmt.Sprintf(`UPDATE orders SET %s WHERE tenant_id = $1 AND id = $2 AND status = $5 AND deleted_at IS NULL RETURNING %s`,
		strings.Join(sets, ", "), orderColumns)

	o, err := scanOrder(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, errConcurrent(t.ID)
		}
		return Order{}, fmt.Errorf("order: transition %s->%s: %w", t.From, t.To, err)
	}
	return o, nil
}

func (r *PGRepository) TransitionFulfillment(ctx context.Context, tx pgx.Tx, t FulfillmentTransition) (Order, error) {
	query := `
		UPDATE orders
		SET fulfillment_status = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND fulfillment_status = $5 AND deleted_at IS NULL
		RETURNING ` + orderColumns

	o, err := scanOrder(tx.QueryRow(ctx, query, t.TenantID, t.ID, t.To, t.At, t.From))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, errConcurrent(t.ID)
		}
		return Order{}, fmt.Errorf("order: fulfillment %s->%s: %w", t.From, t.To, err)
	}
	return o, nil
}

func (r *PGRepository) SoftDelete(ctx context.Context, tx pgx.Tx, d Deletion) error {
	const updateSQL = `
		UPDATE orders
		SET deleted_at = $3, deleted_by = $4, delete_reason = $5, updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL AND status = ANY($6)
	`

	tag, err := tx.Exec(ctx, updateSQL, d.TenantID, d.ID, d.At, d.By, nullableString(d.Reason), lifecycle.Strings(d.From))
	if err != nil {
		return fmt.Errorf("order: soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errConcurrent(d.ID)
	}
	return nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.TenantID, &o.Reference, &o.Status, &o.FulfillmentStatus, &o.Type, &o.Currency, &o.TotalValue,
		&o.EffectiveDate, &o.ExpiryDate, &o.SourceQuoteID, &o.Notes, &o.ActivatedAt, &o.FulfilledAt, &o.CancelledAt, &o.CancelReason,
		&o.CreatedBy, &o.CreatedAt, &o.UpdatedAt, &o.DeletedAt,
	)
	return o, err
}

func mapSortKey(key string) string {
	switch key {
	case "updated_at":
		return "updated_at"
	case "effective_date":
		return "effective_date"
	case "total_value":
		return "total_value"
	case "reference":
		return "reference"
	default:
		return "created_at"
	}
}

func errConcurrent(id string) error {
	return apperr.Conflict("concurrent_update", "order %s was modified concurrently", id)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
