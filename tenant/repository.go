package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dealflow/db"
)

var (
	// ErrNotFound signals the requested tenant does not exist.
	ErrNotFound = errors.New("tenant: not found")
	// ErrDuplicateSlug signals the slug is taken.
	ErrDuplicateSlug = errors.New("tenant: slug already exists")
)

// Repository provides access to tenant rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new active tenant.
func (r *Repository) Create(ctx context.Context, name, slug string) (Tenant, error) {
	const query = `
		INSERT INTO tenants (name, slug)
		VALUES ($1, $2)
		RETURNING id, name, slug, active, created_at
	`

	var t Tenant
	err := r.pool.QueryRow(ctx, query, name, slug).Scan(&t.ID, &t.Name, &t.Slug, &t.Active, &t.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Tenant{}, ErrDuplicateSlug
		}
		return Tenant{}, fmt.Errorf("tenant: create: %w", err)
	}
	return t, nil
}

// GetByID fetches a tenant by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Tenant, error) {
	const query = `
		SELECT id, name, slug, active, created_at
		FROM tenants
		WHERE id = $1
	`

	var t Tenant
	err := r.pool.QueryRow(ctx, query, id).Scan(&t.ID, &t.Name, &t.Slug, &t.Active, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, fmt.Errorf("tenant: query by id: %w", err)
	}
	return t, nil
}

// SetActive toggles whether the tenant may use the API.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE tenants SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("tenant: set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
