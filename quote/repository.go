package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dealflow/apperr"
	"dealflow/db"
	"dealflow/lifecycle"
	"dealflow/totals"
)

// Repository is the quote store. Methods taking a pgx.Tx run inside the
// caller's transaction; the others read from the pool.
type Repository interface {
	NextReference(ctx context.Context, tx pgx.Tx, tenantID string) (string, error)
	Insert(ctx context.Context, tx pgx.Tx, q Quote) (Quote, error)
	Get(ctx context.Context, tenantID, id string) (Quote, error)
	GetTx(ctx context.Context, tx pgx.Tx, tenantID, id string) (Quote, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, tenantID, id string) (Quote, error)
	GetByToken(ctx context.Context, tx pgx.Tx, token string) (Quote, error)
	List(ctx context.Context, tenantID string, filters Filters) ([]Quote, int, error)
	ListLineage(ctx context.Context, tenantID, id string) ([]Quote, error)
	UpdateHeader(ctx context.Context, tx pgx.Tx, q Quote) (Quote, error)
	SaveTotals(ctx context.Context, tx pgx.Tx, q Quote) error
	InsertItem(ctx context.Context, tx pgx.Tx, it Item) (Item, error)
	UpdateItem(ctx context.Context, tx pgx.Tx, it Item) (Item, error)
	DeleteItem(ctx context.Context, tx pgx.Tx, quoteID, itemID string) error
	Transition(ctx context.Context, tx pgx.Tx, t Transition) (Quote, error)
	SoftDelete(ctx context.Context, tx pgx.Tx, d Deletion) error
	ExpireDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Expiry, error)
}

// Deletion tombstones a quote that is still in one of From.
type Deletion struct {
	TenantID string
	ID       string
	From     []lifecycle.QuoteStatus
	By       string
	Reason   string
	At       time.Time
}

const referenceKind = "quote"

type PGRepository struct {
	pool   *pgxpool.Pool
	prefix string
}

func NewRepository(pool *pgxpool.Pool, referencePrefix string) *PGRepository {
	if referencePrefix == "" {
		referencePrefix = "Q"
	}
	return &PGRepository{pool: pool, prefix: referencePrefix}
}

const quoteColumns = `
	q.id, q.tenant_id, q.reference, q.title, q.opportunity_id, q.lead_id, q.currency, q.status,
	q.discount_kind, q.discount_value, q.tax_rate, q.subtotal, q.discount_total, q.tax_total, q.total,
	q.valid_until, q.version, q.supersedes_id, q.public_token, q.notes,
	q.accepted_by_name, q.accepted_by_email, q.accepted_by_title, q.acceptance_signature, q.acceptance_ip, q.acceptance_user_agent,
	q.rejection_reason, q.sent_at, q.viewed_at, q.accepted_at, q.rejected_at, q.expired_at, q.converted_at, q.superseded_at,
	q.created_by, q.created_at, q.updated_at, q.deleted_at, o.id, o.reference`

const quoteFrom = `
	FROM quotes q
	LEFT JOIN orders o ON o.source_quote_id = q.id AND o.deleted_at IS NULL`

const itemColumns = `id, quote_id, position, name, description, item_type, recurrence_interval, billing_interval,
	unit_price, quantity, discount, line_total, created_at, updated_at`

func (r *PGRepository) NextReference(ctx context.Context, tx pgx.Tx, tenantID string) (string, error) {
	return db.NextReference(ctx, tx, tenantID, referenceKind, r.prefix)
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, q Quote) (Quote, error) {
	const insertSQL = `
		INSERT INTO quotes (id, tenant_id, reference, title, opportunity_id, lead_id, currency, status,
			discount_kind, discount_value, tax_rate, subtotal, discount_total, tax_total, total,
			valid_until, version, supersedes_id, public_token, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $22)
	`

	_, err := tx.Exec(ctx, insertSQL,
		q.ID, q.TenantID, q.Reference, q.Title, q.OpportunityID, q.LeadID, q.Currency, q.Status,
		q.Discount.Kind, q.Discount.Value, q.TaxRate,
		q.Totals.Subtotal, q.Totals.Discount, q.Totals.Tax, q.Totals.Total,
		q.ValidUntil, q.Version, q.SupersedesID, q.PublicToken, q.Notes, q.CreatedBy, q.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) && db.ConstraintName(err) == "quotes_one_child_per_parent" {
			return Quote{}, apperr.Conflict("version_exists", "quote %s already has a newer version", deref(q.SupersedesID))
		}
		return Quote{}, fmt.Errorf("quote: insert: %w", err)
	}

	for _, it := range q.Items {
		it.QuoteID = q.ID
		if _, err := r.InsertItem(ctx, tx, it); err != nil {
			return Quote{}, err
		}
	}

	return r.GetTx(ctx, tx, q.TenantID, q.ID)
}

func (r *PGRepository) Get(ctx context.Context, tenantID, id string) (Quote, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Quote{}, fmt.Errorf("quote: begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return r.GetTx(ctx, tx, tenantID, id)
}

func (r *PGRepository) GetTx(ctx context.Context, tx pgx.Tx, tenantID, id string) (Quote, error) {
	return r.getOne(ctx, tx, tenantID, id, "")
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, tenantID, id string) (Quote, error) {
	return r.getOne(ctx, tx, tenantID, id, " FOR UPDATE OF q")
}

func (r *PGRepository) getOne(ctx context.Context, tx pgx.Tx, tenantID, id, lock string) (Quote, error) {
	if !db.ValidID(id) {
		return Quote{}, apperr.NotFound("quote", id)
	}

	query := `SELECT ` + quoteColumns + quoteFrom + `
		WHERE q.tenant_id = $1 AND q.id = $2 AND q.deleted_at IS NULL` + lock

	q, err := scanQuote(tx.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, apperr.NotFound("quote", id)
		}
		return Quote{}, fmt.Errorf("quote: get: %w", err)
	}

	items, err := r.listItems(ctx, tx, q.ID)
	if err != nil {
		return Quote{}, err
	}
	q.Items = items
	return q, nil
}

// GetByToken resolves a public token. Soft-deleted quotes are returned with
// DeletedAt set so the caller can classify them.
func (r *PGRepository) GetByToken(ctx context.Context, tx pgx.Tx, token string) (Quote, error) {
	query := `SELECT ` + quoteColumns + quoteFrom + ` WHERE q.public_token = $1`

	q, err := scanQuote(tx.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, apperr.NotFound("quote", "")
		}
		return Quote{}, fmt.Errorf("quote: get by token: %w", err)
	}

	items, err := r.listItems(ctx, tx, q.ID)
	if err != nil {
		return Quote{}, err
	}
	q.Items = items
	return q, nil
}

func (r *PGRepository) List(ctx context.Context, tenantID string, filters Filters) ([]Quote, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"q.tenant_id = $1", "q.deleted_at IS NULL"}
	args := []any{tenantID}

	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("q.status = $%d", len(args)))
	}
	if filters.OpportunityID != "" {
		args = append(args, filters.OpportunityID)
		where = append(where, fmt.Sprintf("q.opportunity_id = $%d", len(args)))
	}
	if filters.LeadID != "" {
		args = append(args, filters.LeadID)
		where = append(where, fmt.Sprintf("q.lead_id = $%d", len(args)))
	}
	if filters.HasOrder != nil {
		if *filters.HasOrder {
			where = append(where, "o.id IS NOT NULL")
		} else {
			where = append(where, "o.id IS NULL")
		}
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s %s%s ORDER BY %s %s, q.id LIMIT %d OFFSET %d`,
		quoteColumns, quoteFrom, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("quote: query list: %w", err)
	}
	defer rows.Close()

	list := []Quote{}
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("quote: scan list: %w", err)
		}
		list = append(list, q)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("quote: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s%s", quoteFrom, whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("quote: count list: %w", err)
	}

	return list, total, nil
}

// ListLineage returns every version in id's chain, oldest first.
func (r *PGRepository) ListLineage(ctx context.Context, tenantID, id string) ([]Quote, error) {
	if !db.ValidID(id) {
		return nil, apperr.NotFound("quote", id)
	}

	query := `
		WITH RECURSIVE up AS (
			SELECT id, supersedes_id FROM quotes WHERE tenant_id = $1 AND id = $2
			UNION ALL
			SELECT p.id, p.supersedes_id FROM quotes p JOIN up ON p.id = up.supersedes_id
		), down AS (
			SELECT id FROM up WHERE supersedes_id IS NULL
			UNION ALL
			SELECT c.id FROM quotes c JOIN down ON c.supersedes_id = down.id
		)
		SELECT ` + quoteColumns + quoteFrom + `
		WHERE q.tenant_id = $1 AND q.id IN (SELECT id FROM down)
		ORDER BY q.version`

	rows, err := r.pool.Query(ctx, query, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("quote: query lineage: %w", err)
	}
	defer rows.Close()

	var out []Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("quote: scan lineage: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quote: iterate lineage: %w", err)
	}
	if len(out) == 0 {
		return nil, apperr.NotFound("quote", id)
	}
	return out, nil
}

func (r *PGRepository) UpdateHeader(ctx context.Context, tx pgx.Tx, q Quote) (Quote, error) {
	const updateSQL = `
		UPDATE quotes
		SET title = $3, opportunity_id = $4, lead_id = $5, currency = $6,
		    discount_kind = $7, discount_value = $8, tax_rate = $9,
		    subtotal = $10, discount_total = $11, tax_total = $12, total = $13,
		    valid_until = $14, notes = $15, updated_at = $16
		WHERE tenant_id = $1 AND id = $2 AND status = 'draft' AND deleted_at IS NULL
		RETURNING id
	`

	var id string
	err := tx.QueryRow(ctx, updateSQL,
		q.TenantID, q.ID, q.Title, q.OpportunityID, q.LeadID, q.Currency,
		q.Discount.Kind, q.Discount.Value, q.TaxRate,
		q.Totals.Subtotal, q.Totals.Discount, q.Totals.Tax, q.Totals.Total,
		q.ValidUntil, q.Notes, q.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, errConcurrent(q.ID)
		}
		return Quote{}, fmt.Errorf("quote: update header: %w", err)
	}
	return r.GetTx(ctx, tx, q.TenantID, q.ID)
}

func (r *PGRepository) SaveTotals(ctx context.Context, tx pgx.Tx, q Quote) error {
	const updateSQL = `
		UPDATE quotes
		SET subtotal = $3, discount_total = $4, tax_total = $5, total = $6, updated_at = $7
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL
	`

	tag, err := tx.Exec(ctx, updateSQL, q.TenantID, q.ID,
		q.Totals.Subtotal, q.Totals.Discount, q.Totals.Tax, q.Totals.Total, q.UpdatedAt)
	if err != nil {
		return fmt.Errorf("quote: save totals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errConcurrent(q.ID)
	}
	return nil
}

func (r *PGRepository) InsertItem(ctx context.Context, tx pgx.Tx, it Item) (Item, error) {
	const insertSQL = `
		INSERT INTO quote_items (id, quote_id, position, name, description, item_type, recurrence_interval, billing_interval,
			unit_price, quantity, discount, line_total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		RETURNING ` + itemColumns

	row := tx.QueryRow(ctx, insertSQL,
		it.ID, it.QuoteID, it.Position, it.Name, it.Description, it.Type,
		nullableString(string(it.RecurrenceInterval)), nullableString(string(it.BillingInterval)),
		it.UnitPrice, it.Quantity, it.Discount, it.LineTotal, it.CreatedAt,
	)
	out, err := scanItem(row)
	if err != nil {
		return Item{}, fmt.Errorf("quote: insert item: %w", err)
	}
	return out, nil
}

func (r *PGRepository) UpdateItem(ctx context.Context, tx pgx.Tx, it Item) (Item, error) {
	const updateSQL = `
		UPDATE quote_items
		SET name = $3, description = $4, item_type = $5, recurrence_interval = $6, billing_interval = $7,
		    unit_price = $8, quantity = $9, discount = $10, line_total = $11, updated_at = $12
		WHERE quote_id = $1 AND id = $2
		RETURNING ` + itemColumns

	row := tx.QueryRow(ctx, updateSQL,
		it.QuoteID, it.ID, it.Name, it.Description, it.Type,
		nullableString(string(it.RecurrenceInterval)), nullableString(string(it.BillingInterval)),
		it.UnitPrice, it.Quantity, it.Discount, it.LineTotal, it.UpdatedAt,
	)
	out, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, apperr.NotFound("quote_item", it.ID)
		}
		return Item{}, fmt.Errorf("quote: update item: %w", err)
	}
	return out, nil
}

func (r *PGRepository) DeleteItem(ctx context.Context, tx pgx.Tx, quoteID, itemID string) error {
	if !db.ValidID(itemID) {
		return apperr.NotFound("quote_item", itemID)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM quote_items WHERE quote_id = $1 AND id = $2`, quoteID, itemID)
	if err != nil {
		return fmt.Errorf("quote: delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("quote_item", itemID)
	}
	return nil
}

// Transition applies t as a conditional update. Zero affected rows means the
// quote moved on since it was read.
func (r *PGRepository) Transition(ctx context.Context, tx pgx.Tx, t Transition) (Quote, error) {
	args := []any{t.TenantID, t.ID, t.To, t.At, t.From}
	sets := []string{"status = $3", "updated_at = $4"}
	if col := stampColumn(t.To); col != "" {
		sets = append(sets, col+" = $4")
	}
	if t.ValidUntil != nil {
		args = append(args, *t.ValidUntil)
		sets = append(sets, fmt.Sprintf("valid_until = $%d", len(args)))
	}
	if a := t.Acceptance; a != nil {
		base := len(args)
		args = append(args, a.Name, a.Email, nullableString(a.Title), nullableString(a.Signature), nullableString(a.IP), nullableString(a.UserAgent))
		sets = append(sets,
			fmt.Sprintf("accepted_by_name = $%d", base+1),
			fmt.Sprintf("accepted_by_email = $%d", base+2),
			fmt.Sprintf("accepted_by_title = $%d", base+3),
			fmt.Sprintf("acceptance_signature = $%d", base+4),
			fmt.Sprintf("acceptance_ip = $%d", base+5),
			fmt.Sprintf("acceptance_user_agent = $%d", base+6),
		)
	}
	if t.RejectionReason != nil {
		args = append(args, *t.RejectionReason)
		sets = append(sets, fmt.Sprintf("rejection_reason = $%d", len(args)))
	}

	where := "tenant_id = $1 AND id = $2 AND status = $5 AND deleted_at IS NULL"
	if t.ExpectedVersion != nil {
		args = append(args, *t.ExpectedVersion)
		where += fmt.Sprintf(" AND version = $%d", len(args))
	}

	query := fmt.Sprintf(`UPDATE quotes SET %s WHERE %s RETURNING id`, strings.Join(sets, ", "), where)

	var id string
	if err := tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, errConcurrent(t.ID)
		}
		return Quote{}, fmt.Errorf("quote: transition %s->%s: %w", t.From, t.To, err)
	}
	return r.GetTx(ctx, tx, t.TenantID, t.ID)
}

func (r *PGRepository) SoftDelete(ctx context.Context, tx pgx.Tx, d Deletion) error {
	const updateSQL = `
		UPDATE quotes
		SET deleted_at = $3, deleted_by = $4, delete_reason = $5, updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL AND status = ANY($6)
	`

	tag, err := tx.Exec(ctx, updateSQL, d.TenantID, d.ID, d.At, d.By, nullableString(d.Reason), lifecycle.Strings(d.From))
	if err != nil {
		return fmt.Errorf("quote: soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errConcurrent(d.ID)
	}
	return nil
}

// ExpireDue moves up to limit open quotes past valid_until to expired. Rows
// locked by in-flight transactions are skipped and picked up next run.
func (r *PGRepository) ExpireDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Expiry, error) {
	const updateSQL = `
		WITH due AS (
			SELECT id, status
			FROM quotes
			WHERE status IN ('sent', 'viewed') AND valid_until < $1 AND deleted_at IS NULL
			ORDER BY valid_until
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE quotes q
		SET status = 'expired', expired_at = $1, updated_at = $1
		FROM due
		WHERE q.id = due.id AND q.status IN ('sent', 'viewed')
		RETURNING q.id, q.tenant_id, q.reference, due.status
	`

	rows, err := tx.Query(ctx, updateSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("quote: expire due: %w", err)
	}
	defer rows.Close()

	var out []Expiry
	for rows.Next() {
		var e Expiry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Reference, &e.From); err != nil {
			return nil, fmt.Errorf("quote: scan expiry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quote: iterate expiry: %w", err)
	}
	return out, nil
}

func (r *PGRepository) listItems(ctx context.Context, tx pgx.Tx, quoteID string) ([]Item, error) {
	rows, err := tx.Query(ctx, `SELECT `+itemColumns+` FROM quote_items WHERE quote_id = $1 ORDER BY position, created_at`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("quote: list items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("quote: scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quote: iterate items: %w", err)
	}
	return items, nil
}

func scanQuote(row pgx.Row) (Quote, error) {
	var (
		q                                          Quote
		acceptName, acceptEmail, acceptTitle       *string
		acceptSignature, acceptIP, acceptUserAgent *string
		orderID, orderRef                          *string
	)
	err := row.Scan(
		&q.ID, &q.TenantID, &q.Reference, &q.Title, &q.OpportunityID, &q.LeadID, &q.Currency, &q.Status,
		&q.Discount.Kind, &q.Discount.Value, &q.TaxRate,
		&q.Totals.Subtotal, &q.Totals.Discount, &q.Totals.Tax, &q.Totals.Total,
		&q.ValidUntil, &q.Version, &q.SupersedesID, &q.PublicToken, &q.Notes,
		&acceptName, &acceptEmail, &acceptTitle, &acceptSignature, &acceptIP, &acceptUserAgent,
		&q.RejectionReason, &q.SentAt, &q.ViewedAt, &q.AcceptedAt, &q.RejectedAt, &q.ExpiredAt, &q.ConvertedAt, &q.SupersededAt,
		&q.CreatedBy, &q.CreatedAt, &q.UpdatedAt, &q.DeletedAt, &orderID, &orderRef,
	)
	if err != nil {
		return Quote{}, err
	}

	if acceptName != nil {
		q.Acceptance = &Acceptance{
			Name:      *acceptName,
			Email:     deref(acceptEmail),
			Title:     deref(acceptTitle),
			Signature: deref(acceptSignature),
			IP:        deref(acceptIP),
			UserAgent: deref(acceptUserAgent),
		}
	}
	if orderID != nil {
		q.Order = &OrderRef{ID: *orderID, Reference: deref(orderRef)}
	}
	return q, nil
}

func scanItem(row pgx.Row) (Item, error) {
	var (
		it                  Item
		recurrence, billing *string
	)
	err := row.Scan(
		&it.ID, &it.QuoteID, &it.Position, &it.Name, &it.Description, &it.Type, &recurrence, &billing,
		&it.UnitPrice, &it.Quantity, &it.Discount, &it.LineTotal, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return Item{}, err
	}
	it.RecurrenceInterval = totals.Interval(deref(recurrence))
	it.BillingInterval = totals.Interval(deref(billing))
	return it, nil
}

func stampColumn(s lifecycle.QuoteStatus) string {
	switch s {
	case lifecycle.QuoteSent:
		return "sent_at"
	case lifecycle.QuoteViewed:
		return "viewed_at"
	case lifecycle.QuoteAccepted:
		return "accepted_at"
	case lifecycle.QuoteRejected:
		return "rejected_at"
	case lifecycle.QuoteExpired:
		return "expired_at"
	case lifecycle.QuoteConverted:
		return "converted_at"
	case lifecycle.QuoteSuperseded:
		return "superseded_at"
	}
	return ""
}

func mapSortKey(key string) string {
	switch key {
	case "updated_at":
		return "q.updated_at"
	case "valid_until":
		return "q.valid_until"
	case "total_value":
		return "q.total"
	case "reference":
		return "q.reference"
	case "created_at":
		fallthrough
	default:
		return "q.created_at"
	}
}

func errConcurrent(id string) error {
	return apperr.Conflict("concurrent_update", "quote %s was modified concurrently", id)
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
