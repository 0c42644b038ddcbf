package agreement

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
)

type Repository interface {
	NextReference(ctx context.Context, tx pgx.Tx, tenantID string) (string, error)
	Insert(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error)
	Get(ctx context.Context, tenantID, id string) (Agreement, error)
	GetTx(ctx context.Context, tx pgx.Tx, tenantID, id string) (Agreement, error)
	GetByToken(ctx context.Context, tx pgx.Tx, token string) (Agreement, error)
	List(ctx context.Context, tenantID string, filters Filters) ([]Agreement, int, error)
	ListLineage(ctx context.Context, tenantID, id string) ([]Agreement, error)
	UpdateDraft(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error)
	Transition(ctx context.Context, tx pgx.Tx, t Transition) (Agreement, error)
	// SignClient and SignProvider overwrite one block and activate the
	// agreement in the same statement when the other block is already present.
	SignClient(ctx context.Context, tx pgx.Tx, tenantID, id string, sig ClientSignature) (Agreement, error)
	SignProvider(ctx context.Context, tx pgx.Tx, tenantID, id string, sig ProviderSignature) (Agreement, error)
	AttachOrder(ctx context.Context, tx pgx.Tx, tenantID, id, orderID string, at time.Time) (Agreement, error)
	SoftDelete(ctx context.Context, tx pgx.Tx, d Deletion) error
	ExpireDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Expiry, error)
}

const referenceKind = "agreement"

type PGRepository struct {
	pool   *pgxpool.Pool
	prefix string
}

func NewRepository(pool *pgxpool.Pool, referencePrefix string) *PGRepository {
	if referencePrefix == "" {
		referencePrefix = "AGR"
	}
	return &PGRepository{pool: pool, prefix: referencePrefix}
}

const agreementColumns = `
	id, tenant_id, reference, title, agreement_type, status, order_id, effective_date, expiry_date, terms,
	version, supersedes_id, public_token,
	client_signer_name, client_signer_email, client_signer_title, client_signer_ip, client_signed_at,
	provider_signatory_id, provider_signer_name, provider_signer_title, provider_signed_at,
	submitted_at, activated_at, terminated_at, termination_reason, expired_at, superseded_at,
	created_by, created_at, updated_at, deleted_at`

func (r *PGRepository) NextReference(ctx context.Context, tx pgx.Tx, tenantID string) (string, error) {
	return db.NextReference(ctx, tx, tenantID, referenceKind, r.prefix)
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error) {
	query := `
		INSERT INTO agreements (id, tenant_id, reference, title, agreement_type, status, order_id,
			effective_date, expiry_date, terms, version, supersedes_id, public_token, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		RETURNING ` + agreementColumns

	created, err := scanAgreement(tx.QueryRow(ctx, query,
		a.ID, a.TenantID, a.Reference, a.Title, a.Type, a.Status, a.OrderID,
		a.EffectiveDate, a.ExpiryDate, a.Terms, a.Version, a.SupersedesID, a.PublicToken, a.CreatedBy, a.CreatedAt,
	))
	if err != nil {
		if db.IsUniqueViolation(err) && db.ConstraintName(err) == "agreements_one_child_per_parent" {
			return Agreement{}, apperr.Conflict("version_exists", "agreement %s already has a newer version", deref(a.SupersedesID))
		}
		return Agreement{}, fmt.Errorf("agreement: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, tenantID, id string) (Agreement, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return r.GetTx(ctx, tx, tenantID, id)
}

func (r *PGRepository) GetTx(ctx context.Context, tx pgx.Tx, tenantID, id string) (Agreement, error) {
	if !db.ValidID(id) {
		return Agreement{}, apperr.NotFound("agreement", id)
	}

	query := `SELECT ` + agreementColumns + ` FROM agreements WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`
	a, err := scanAgreement(tx.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, apperr.NotFound("agreement", id)
		}
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}
	return a, nil
}

// GetByToken resolves a public token, soft-deleted rows included.
func (r *PGRepository) GetByToken(ctx context.Context, tx pgx.Tx, token string) (Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM agreements WHERE public_token = $1`
	a, err := scanAgreement(tx.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, apperr.NotFound("agreement", "")
		}
		return Agreement{}, fmt.Errorf("agreement: get by token: %w", err)
	}
	return a, nil
}

func (r *PGRepository) List(ctx context.Context, tenantID string, filters Filters) ([]Agreement, int, error) {
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
	if filters.Type != "" {
		args = append(args, filters.Type)
		where = append(where, fmt.Sprintf("agreement_type = $%d", len(args)))
	}
	if filters.OrderID != "" {
		if !db.ValidID(filters.OrderID) {
			return []Agreement{}, 0, nil
		}
		args = append(args, filters.OrderID)
		where = append(where, fmt.Sprintf("order_id = $%d", len(args)))
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM agreements%s ORDER BY %s %s, id LIMIT %d OFFSET %d`,
		agreementColumns, whereClause, mapSortKey(filters.SortKey), sortOrder, filters.PageSize, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("agreement: query list: %w", err)
	}
	defer rows.Close()

	list := []Agreement{}
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("agreement: scan list: %w", err)
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("agreement: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM agreements"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("agreement: count list: %w", err)
	}

	return list, total, nil
}

// ListLineage returns every version in id's chain, oldest first.
func (r *PGRepository) ListLineage(ctx context.Context, tenantID, id string) ([]Agreement, error) {
	if !db.ValidID(id) {
		return nil, apperr.NotFound("agreement", id)
	}

	query := `
		WITH RECURSIVE up AS (
			SELECT id, supersedes_id FROM agreements WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL
			UNION ALL
			SELECT a.id, a.supersedes_id FROM agreements a JOIN up ON a.id = up.supersedes_id
		),
		root AS (
			SELECT id FROM up WHERE supersedes_id IS NULL
		),
		down AS (
			SELECT id FROM root
			UNION ALL
			SELECT a.id FROM agreements a JOIN down ON a.supersedes_id = down.id
		)
		SELECT ` + agreementColumns + `
		FROM agreements
		WHERE id IN (SELECT id FROM down) AND tenant_id = $1
		ORDER BY version`

	rows, err := r.pool.Query(ctx, query, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("agreement: query lineage: %w", err)
	}
	defer rows.Close()

	var out []Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("agreement: scan lineage: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate lineage: %w", err)
	}
	if len(out) == 0 {
		return nil, apperr.NotFound("agreement", id)
	}
	return out, nil
}

func (r *PGRepository) UpdateDraft(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error) {
	query := `
		UPDATE agreements
		SET title = $3, agreement_type = $4, effective_date = $5, expiry_date = $6, terms = $7, updated_at = $8
		WHERE tenant_id = $1 AND id = $2 AND status = 'draft' AND deleted_at IS NULL
		RETURNING ` + agreementColumns

	updated, err := scanAgreement(tx.QueryRow(ctx, query,
		a.TenantID, a.ID, a.Title, a.Type, a.EffectiveDate, a.ExpiryDate, a.Terms, a.UpdatedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, errConcurrent(a.ID)
		}
		return Agreement{}, fmt.Errorf("agreement: update draft: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) Transition(ctx context.Context, tx pgx.Tx, t Transition) (Agreement, error) {
	args := []any{t.TenantID, t.ID, t.To, t.At, t.From}
	sets := []string{"status = $3", "updated_at = $4"}
	if col := stampColumn(t.To); col != "" {
		sets = append(sets, col+" = $4")
	}
	if t.TerminationReason != nil {
		args = append(args, *t.TerminationReason)
		sets = append(sets, fmt.Sprintf("termination_reason = $%d", len(args)))
	}

	where := "tenant_id = $1 AND id = $2 AND status = $5 AND deleted_at IS NULL"
	if t.ExpectedVersion != nil {
		args = append(args, *t.ExpectedVersion)
		where += fmt.Sprintf(" AND version = $%d", len(args))
	}

	query := fmt.Sprintf(`UPDATE agreements SET %s WHERE %s RETURNING %s`, strings.Join(sets, ", "), where, agreementColumns)

	a, err := scanAgreement(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, errConcurrent(t.ID)
		}
		return Agreement{}, fmt.Errorf("agreement: transition %s->%s: %w", t.From, t.To, err)
	}
	return a, nil
}

func (r *PGRepository) SignClient(ctx context.Context, tx pgx.Tx, tenantID, id string, sig ClientSignature) (Agreement, error) {
	query := `
		UPDATE agreements
		SET client_signer_name = $3, client_signer_email = $4, client_signer_title = $5, client_signer_ip = $6,
		    client_signed_at = $7, updated_at = $7,
		    status = CASE WHEN provider_signed_at IS NOT NULL THEN 'active' ELSE status END,
		    activated_at = CASE WHEN provider_signed_at IS NOT NULL THEN $7 ELSE activated_at END
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending_signature' AND deleted_at IS NULL
		RETURNING ` + agreementColumns

	a, err := scanAgreement(tx.QueryRow(ctx, query, tenantID, id,
		sig.Name, sig.Email, nullableString(sig.Title), nullableString(sig.IP), sig.SignedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, errConcurrent(id)
		}
		return Agreement{}, fmt.Errorf("agreement: sign client: %w", err)
	}
	return a, nil
}

func (r *PGRepository) SignProvider(ctx context.Context, tx pgx.Tx, tenantID, id string, sig ProviderSignature) (Agreement, error) {
	query := `
		UPDATE agreements
		SET provider_signatory_id = $3, provider_signer_name = $4, provider_signer_title = $5,
		    provider_signed_at = $6, updated_at = $6,
		    status = CASE WHEN client_signed_at IS NOT NULL THEN 'active' ELSE status END,
		    activated_at = CASE WHEN client_signed_at IS NOT NULL THEN $6 ELSE activated_at END
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending_signature' AND deleted_at IS NULL
		RETURNING ` + agreementColumns

	a, err := scanAgreement(tx.QueryRow(ctx, query, tenantID, id,
		sig.SignatoryID, sig.Name, nullableString(sig.Title), sig.SignedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, errConcurrent(id)
		}
		return Agreement{}, fmt.Errorf("agreement: sign provider: %w", err)
	}
	return a, nil
}

// AttachOrder links the agreement to orderID unless it is already linked elsewhere.
func (r *PGRepository) AttachOrder(ctx context.Context, tx pgx.Tx, tenantID, id, orderID string, at time.Time) (Agreement, error) {
	query := `
		UPDATE agreements
		SET order_id = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL
		  AND status IN ('draft', 'pending_signature', 'active')
		  AND (order_id IS NULL OR order_id = $3)
		RETURNING ` + agreementColumns

	a, err := scanAgreement(tx.QueryRow(ctx, query, tenantID, id, orderID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, errConcurrent(id)
		}
		return Agreement{}, fmt.Errorf("agreement: attach order: %w", err)
	}
	return a, nil
}

func (r *PGRepository) SoftDelete(ctx context.Context, tx pgx.Tx, d Deletion) error {
	const updateSQL = `
		UPDATE agreements
		SET deleted_at = $3, deleted_by = $4, delete_reason = $5, updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL AND status = ANY($6)
	`

	tag, err := tx.Exec(ctx, updateSQL, d.TenantID, d.ID, d.At, d.By, nullableString(d.Reason), lifecycle.Strings(d.From))
	if err != nil {
		return fmt.Errorf("agreement: soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errConcurrent(d.ID)
	}
	return nil
}

// ExpireDue moves active agreements whose expiry_date is before now's date to
// expired, skipping rows locked by in-flight transactions.
func (r *PGRepository) ExpireDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Expiry, error) {
	const updateSQL = `
		WITH due AS (
			SELECT id
			FROM agreements
			WHERE status = 'active' AND expiry_date < $1::date AND deleted_at IS NULL
			ORDER BY expiry_date
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE agreements a
		SET status = 'expired', expired_at = $1, updated_at = $1
		FROM due
		WHERE a.id = due.id AND a.status = 'active'
		RETURNING a.id, a.tenant_id, a.reference
	`

	rows, err := tx.Query(ctx, updateSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("agreement: expire due: %w", err)
	}
	defer rows.Close()

	var out []Expiry
	for rows.Next() {
		var e Expiry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Reference); err != nil {
			return nil, fmt.Errorf("agreement: scan expiry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate expiry: %w", err)
	}
	return out, nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a                                       Agreement
		clientName, clientEmail, clientTitle    *string
		clientIP                                *string
		clientSignedAt                          *time.Time
		providerID, providerName, providerTitle *string
		providerSignedAt                        *time.Time
	)
	err := row.Scan(
		&a.ID, &a.TenantID, &a.Reference, &a.Title, &a.Type, &a.Status, &a.OrderID, &a.EffectiveDate, &a.ExpiryDate, &a.Terms,
		&a.Version, &a.SupersedesID, &a.PublicToken,
		&clientName, &clientEmail, &clientTitle, &clientIP, &clientSignedAt,
		&providerID, &providerName, &providerTitle, &providerSignedAt,
		&a.SubmittedAt, &a.ActivatedAt, &a.TerminatedAt, &a.TerminationReason, &a.ExpiredAt, &a.SupersededAt,
		&a.CreatedBy, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt,
	)
	if err != nil {
		return Agreement{}, err
	}

	if clientSignedAt != nil {
		a.ClientSignature = &ClientSignature{
			Name:     deref(clientName),
			Email:    deref(clientEmail),
			Title:    deref(clientTitle),
			IP:       deref(clientIP),
			SignedAt: *clientSignedAt,
		}
	}
	if providerSignedAt != nil {
		a.ProviderSignature = &ProviderSignature{
			SignatoryID: deref(providerID),
			Name:        deref(providerName),
			Title:       deref(providerTitle),
			SignedAt:    *providerSignedAt,
		}
	}
	return a, nil
}

func stampColumn(s lifecycle.AgreementStatus) string {
	switch s {
	case lifecycle.AgreementPendingSignature:
		return "submitted_at"
	case lifecycle.AgreementActive:
		return "activated_at"
	case lifecycle.AgreementTerminated:
		return "terminated_at"
	case lifecycle.AgreementExpired:
		return "expired_at"
	case lifecycle.AgreementSuperseded:
		return "superseded_at"
	}
	return ""
}

func mapSortKey(key string) string {
	switch key {
	case "updated_at":
		return "updated_at"
	case "effective_date":
		return "effective_date"
	case "expiry_date":
		return "expiry_date"
	case "reference":
		return "reference"
	default:
		return "created_at"
	}
}

func errConcurrent(id string) error {
	return apperr.Conflict("concurrent_update", "agreement %s was modified concurrently", id)
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
