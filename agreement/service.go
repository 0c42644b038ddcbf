// Package agreement owns contracts: drafting, the two-party signature
// workflow, termination, versioning and expiry.
package agreement

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dealflow/apperr"
	"dealflow/audit"
	"dealflow/db"
	"dealflow/idempotency"
	"dealflow/lifecycle"
	"dealflow/metrics"
	"dealflow/order"
	"dealflow/tenant"
	"dealflow/token"
)

// SweeperActor is recorded as the actor of automatic expiries.
const SweeperActor = "system:sweeper"

// OrderReader verifies that an order referenced by an agreement exists in the
// caller's tenant.
type OrderReader interface {
	GetTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id string) (order.Order, error)
}

// KeyStore records idempotency keys inside the caller's transaction.
// *idempotency.Store implements it.
type KeyStore interface {
	Lookup(ctx context.Context, tx pgx.Tx, tenantID, scope, key string) (idempotency.Entry, bool, error)
	Record(ctx context.Context, tx pgx.Tx, tenantID, scope, key string, e idempotency.Entry) error
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	audit       audit.Emitter
	keys        KeyStore
	orders      OrderReader
	metrics     *metrics.Recorder
	idGenerator func() string
	issueToken  func() (string, error)
	now         func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, emitter audit.Emitter, keys KeyStore) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		audit:       emitter,
		keys:        keys,
		idGenerator: func() string { return uuid.NewString() },
		issueToken:  func() (string, error) { return token.Issue(token.KindAgreement) },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithMetrics(m *metrics.Recorder) *Service {
	s.metrics = m
	return s
}

// WithOrders makes Create verify the referenced order.
func (s *Service) WithOrders(orders OrderReader) *Service {
	s.orders = orders
	return s
}

var versionSuffix = regexp.MustCompile(`-V\d+$`)

var attachableStatuses = []lifecycle.AgreementStatus{
	lifecycle.AgreementDraft,
	lifecycle.AgreementPendingSignature,
	lifecycle.AgreementActive,
}

func (s *Service) Create(ctx context.Context, scope tenant.Scope, params CreateParams) (Agreement, error) {
	if err := scope.Validate(); err != nil {
		return Agreement{}, err
	}
	if err := validateCreate(&params); err != nil {
		return Agreement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.CreateTx(ctx, tx, scope, params)
	if err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	return a, nil
}

// CreateTx drafts an agreement inside the caller's transaction.
func (s *Service) CreateTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, params CreateParams) (Agreement, error) {
	if err := validateCreate(&params); err != nil {
		return Agreement{}, err
	}
	if params.OrderID != nil && s.orders != nil {
		if _, err := s.orders.GetTx(ctx, tx, scope, *params.OrderID); err != nil {
			return Agreement{}, err
		}
	}

	publicToken, err := s.issueToken()
	if err != nil {
		return Agreement{}, err
	}
	ref, err := s.repo.NextReference(ctx, tx, scope.TenantID)
	if err != nil {
		return Agreement{}, err
	}

	now := s.now().UTC()
	a, err := s.repo.Insert(ctx, tx, Agreement{
		ID:            s.idGenerator(),
		TenantID:      scope.TenantID,
		Reference:     ref,
		Title:         params.Title,
		Type:          params.Type,
		Status:        lifecycle.AgreementDraft,
		OrderID:       params.OrderID,
		EffectiveDate: params.EffectiveDate,
		ExpiryDate:    params.ExpiryDate,
		Terms:         params.Terms,
		Version:       1,
		PublicToken:   publicToken,
		CreatedBy:     scope.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return Agreement{}, err
	}

	payload := map[string]any{"reference": a.Reference, "agreement_type": string(a.Type)}
	if a.OrderID != nil {
		payload["order_id"] = *a.OrderID
	}
	if err := s.emit(ctx, tx, scope, a, "created", payload); err != nil {
		return Agreement{}, err
	}
	return a, nil
}

func (s *Service) Get(ctx context.Context, scope tenant.Scope, id string) (Agreement, error) {
	if err := scope.Validate(); err != nil {
		return Agreement{}, err
	}
	return s.repo.Get(ctx, scope.TenantID, id)
}

func (s *Service) GetTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id string) (Agreement, error) {
	return s.repo.GetTx(ctx, tx, scope.TenantID, id)
}

func (s *Service) List(ctx context.Context, scope tenant.Scope, filters Filters) (ListResult, error) {
	if err := scope.Validate(); err != nil {
		return ListResult{}, err
	}
	fields := apperr.Fields{}
	if filters.Status != "" && !filters.Status.Valid() {
		fields.Add("status", "invalid")
	}
	if filters.Type != "" && !filters.Type.Valid() {
		fields.Add("agreement_type", "invalid")
	}
	if !fields.Empty() {
		return ListResult{}, apperr.Invalid(fields)
	}

	items, total, err := s.repo.List(ctx, scope.TenantID, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

func (s *Service) ListLineage(ctx context.Context, scope tenant.Scope, id string) ([]Agreement, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListLineage(ctx, scope.TenantID, id)
}

// Update edits a draft agreement.
func (s *Service) Update(ctx context.Context, scope tenant.Scope, id string, params UpdateParams) (Agreement, error) {
	if err := scope.Validate(); err != nil {
		return Agreement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetTx(ctx, tx, scope.TenantID, id)
	if err != nil {
		return Agreement{}, err
	}
	if a.Status != lifecycle.AgreementDraft {
		return Agreement{}, apperr.BusinessRule("agreement_not_editable", "agreement in status %s cannot be edited", a.Status)
	}

	if params.Title != nil {
		a.Title = strings.TrimSpace(*params.Title)
	}
	if params.Type != nil {
		a.Type = *params.Type
	}
	if params.EffectiveDate != nil {
		a.EffectiveDate = params.EffectiveDate
	}
	if params.ExpiryDate != nil {
		a.ExpiryDate = params.ExpiryDate
	}
	if params.Terms != nil {
		a.Terms = *params.Terms
	}

	fields := apperr.Fields{}
	fields.Required("title", a.Title)
	if !a.Type.Valid() {
		fields.Add("agreement_type", "invalid")
	}
	validateDates(a.EffectiveDate, a.ExpiryDate, fields)
	if !fields.Empty() {
		return Agreement{}, apperr.Invalid(fields)
	}
	a.UpdatedAt = s.now().UTC()

	updated, err := s.repo.UpdateDraft(ctx, tx, a)
	if err != nil {
		return Agreement{}, err
	}
	if err := s.emit(ctx, tx, scope, updated, "updated", nil); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	return updated, nil
}

// SoftDelete tombstones an agreement that is not yet in force.
func (s *Service) SoftDelete(ctx context.Context, scope tenant.Scope, id, reason string) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetTx(ctx, tx, scope.TenantID, id)
	if err != nil {
		return err
	}
	if !lifecycle.Contains(lifecycle.AgreementDeletableStatuses, a.Status) {
		return apperr.BusinessRule("agreement_not_deletable", "agreement in status %s cannot be deleted", a.Status)
	}

	reason = strings.TrimSpace(reason)
	if err := s.repo.SoftDelete(ctx, tx, Deletion{
		TenantID: a.TenantID,
		ID:       a.ID,
		From:     []lifecycle.AgreementStatus{a.Status},
		By:       scope.ActorID,
		Reason:   reason,
		At:       s.now().UTC(),
	}); err != nil {
		return err
	}
	if err := s.emit(ctx, tx, scope, a, "deleted", map[string]any{"status": string(a.Status), "reason": reason}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit tx: %w", err)
	}
	return nil
}

// NewVersion supersedes an agreement with a draft copy at version+1. The copy
// keeps order, terms and dates; signatures are not carried over.
func (s *Service) NewVersion(ctx context.Context, scope tenant.Scope, id string, expectedVersion *int) (Agreement, error) {
	if err := scope.Validate(); err != nil {
		return Agreement{}, err
	}

	publicToken, err := s.issueToken()
	if err != nil {
		return Agreement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	parent, err := s.repo.GetTx(ctx, tx, scope.TenantID, id)
	if err != nil {
		return Agreement{}, err
	}
	if expectedVersion != nil && *expectedVersion != parent.Version {
		return Agreement{}, apperr.Conflict("version_mismatch", "agreement %s is at version %d, not %d", parent.Reference, parent.Version, *expectedVersion)
	}
	if err := lifecycle.AgreementGraph.Check(parent.Status, lifecycle.AgreementSuperseded); err != nil {
		return Agreement{}, err
	}

	version := parent.Version
	if _, err := s.apply(ctx, tx, scope, parent, Transition{To: lifecycle.AgreementSuperseded, ExpectedVersion: &version}, nil); err != nil {
		return Agreement{}, err
	}

	now := s.now().UTC()
	created, err := s.repo.Insert(ctx, tx, Agreement{
		ID:            s.idGenerator(),
		TenantID:      parent.TenantID,
		Reference:     fmt.Sprintf("%s-V%d", versionSuffix.ReplaceAllString(parent.Reference, ""), parent.Version+1),
		Title:         parent.Title,
		Type:          parent.Type,
		Status:        lifecycle.AgreementDraft,
		OrderID:       parent.OrderID,
		EffectiveDate: parent.EffectiveDate,
		ExpiryDate:    parent.ExpiryDate,
		Terms:         parent.Terms,
		Version:       parent.Version + 1,
		SupersedesID:  &parent.ID,
		PublicToken:   publicToken,
		CreatedBy:     scope.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return Agreement{}, err
	}
	if err := s.emit(ctx, tx, scope, created, "version_created", map[string]any{
		"supersedes_id": parent.ID,
		"version":       created.Version,
	}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	s.metrics.Transition(audit.EntityAgreement, string(parent.Status), string(lifecycle.AgreementSuperseded))
	return created, nil
}

// ExpireDue moves up to limit active agreements whose expiry date has passed
// to expired and returns how many moved.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	expired, err := s.repo.ExpireDue(ctx, tx, now.UTC(), limit)
	if err != nil {
		return 0, err
	}
	for _, e := range expired {
		scope := tenant.Scope{TenantID: e.TenantID, ActorID: SweeperActor}
		a := Agreement{ID: e.ID, TenantID: e.TenantID}
		if err := s.emit(ctx, tx, scope, a, string(lifecycle.AgreementExpired), map[string]any{
			"from":      string(lifecycle.AgreementActive),
			"reference": e.Reference,
		}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("agreement: commit tx: %w", err)
	}
	for range expired {
		s.metrics.Transition(audit.EntityAgreement, string(lifecycle.AgreementActive), string(lifecycle.AgreementExpired))
	}
	s.metrics.Expired(audit.EntityAgreement, len(expired))
	return len(expired), nil
}

// AttachTx links an agreement to orderID inside the caller's transaction.
// Attaching to the order it already references is a no-op.
func (s *Service) AttachTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id, orderID string) (Agreement, error) {
	a, err := s.repo.GetTx(ctx, tx, scope.TenantID, id)
	if err != nil {
		return Agreement{}, err
	}
	if !lifecycle.Contains(attachableStatuses, a.Status) {
		return Agreement{}, apperr.BusinessRule("agreement_not_attachable", "agreement in status %s cannot be attached", a.Status)
	}
	if a.OrderID != nil {
		if *a.OrderID == orderID {
			return a, nil
		}
		return Agreement{}, apperr.Conflict("agreement_attached", "agreement %s is attached to another order", a.Reference)
	}

	updated, err := s.repo.AttachOrder(ctx, tx, a.TenantID, a.ID, orderID, s.now().UTC())
	if err != nil {
		return Agreement{}, err
	}
	if err := s.emit(ctx, tx, scope, updated, "order_attached", map[string]any{"order_id": orderID}); err != nil {
		return Agreement{}, err
	}
	return updated, nil
}

// apply runs a conditional status change from a's current status and records it.
func (s *Service) apply(ctx context.Context, tx pgx.Tx, scope tenant.Scope, a Agreement, t Transition, payload map[string]any) (Agreement, error) {
	t.TenantID = a.TenantID
	t.ID = a.ID
	t.From = a.Status
	t.At = s.now().UTC()

	updated, err := s.repo.Transition(ctx, tx, t)
	if err != nil {
		return Agreement{}, err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = string(t.From)
	payload["to"] = string(t.To)
	if err := s.emit(ctx, tx, scope, updated, string(t.To), payload); err != nil {
		return Agreement{}, err
	}
	return updated, nil
}

func (s *Service) emit(ctx context.Context, tx pgx.Tx, scope tenant.Scope, a Agreement, action string, payload map[string]any) error {
	if s.audit == nil {
		return nil
	}
	err := s.audit.Emit(ctx, tx, audit.Event{
		TenantID:   a.TenantID,
		EntityType: audit.EntityAgreement,
		EntityID:   a.ID,
		Action:     action,
		ActorID:    scope.ActorID,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("agreement: emit %s: %w", action, err)
	}
	return nil
}

func validateCreate(p *CreateParams) error {
	p.Title = strings.TrimSpace(p.Title)
	if p.Type == "" {
		p.Type = lifecycle.AgreementOther
	}

	fields := apperr.Fields{}
	fields.Required("title", p.Title)
	if !p.Type.Valid() {
		fields.Add("agreement_type", "invalid")
	}
	validateDates(p.EffectiveDate, p.ExpiryDate, fields)
	if !fields.Empty() {
		return apperr.Invalid(fields)
	}
	return nil
}

func validateDates(effective, expiry *time.Time, fields apperr.Fields) {
	if effective != nil && expiry != nil && expiry.Before(*effective) {
		fields.Add("expiry_date", "before_effective_date")
	}
}
