// Package order owns orders: direct creation, the primary status machine and
// the independent fulfillment status.
package order

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
	"dealflow/lifecycle"
	"dealflow/metrics"
	"dealflow/tenant"
)

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	audit       audit.Emitter
	metrics     *metrics.Recorder
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, emitter audit.Emitter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		audit:       emitter,
		idGenerator: func() string { return uuid.NewString() },
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

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

var editableStatuses = []lifecycle.OrderStatus{lifecycle.OrderPending, lifecycle.OrderActive}

// Create opens an order directly, outside any quote conversion.
func (s *Service) Create(ctx context.Context, scope tenant.Scope, params CreateParams) (Order, error) {
	if err := scope.Validate(); err != nil {
		return Order{}, err
	}
	if err := validateCreate(&params); err != nil {
		return Order{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.CreateTx(ctx, tx, scope, params)
	if err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit tx: %w", err)
	}
	return o, nil
}

// CreateTx inserts an order inside the caller's transaction.
func (s *Service) CreateTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, params CreateParams) (Order, error) {
	if err := validateCreate(&params); err != nil {
		return Order{}, err
	}

	ref, err := s.repo.NextReference(ctx, tx, scope.TenantID)
	if err != nil {
		return Order{}, err
	}

	now := s.now().UTC()
	o, err := s.repo.Insert(ctx, tx, Order{
		ID:                s.idGenerator(),
		TenantID:          scope.TenantID,
		Reference:         ref,
		Status:            lifecycle.OrderPending,
		FulfillmentStatus: lifecycle.FulfillmentPending,
		Type:              params.Type,
		Currency:          params.Currency,
		TotalValue:        params.TotalValue.Round(2),
		EffectiveDate:     params.EffectiveDate,
		ExpiryDate:        params.ExpiryDate,
		SourceQuoteID:     params.SourceQuoteID,
		Notes:             params.Notes,
		CreatedBy:         scope.ActorID,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return Order{}, err
	}

	payload := map[string]any{"reference": o.Reference, "total_value": o.TotalValue.String()}
	if o.SourceQuoteID != nil {
		payload["source_quote_id"] = *o.SourceQuoteID
	}
	if err := s.emit(ctx, tx, scope, o, "created", payload); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (s *Service) Get(ctx context.Context, scope tenant.Scope, id string) (Order, error) {
	if err := scope.Validate(); err != nil {
		return Order{}, err
	}
	return s.repo.Get(ctx, scope.TenantID, id)
}

func (s *Service) GetTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id string) (Order, error) {
	return s.repo.GetTx(ctx, tx, scope.TenantID, id)
}

// FindBySourceQuote returns the live order converted from quoteID, if any.
func (s *Service) FindBySourceQuote(ctx context.Context, tx pgx.Tx, scope tenant.Scope, quoteID string) (Order, bool, error) {
	return s.repo.FindBySourceQuote(ctx, tx, scope.TenantID, quoteID)
}

func (s *Service) List(ctx context.Context, scope tenant.Scope, filters Filters) (ListResult, error) {
	if err := scope.Validate(); err != nil {
		return ListResult{}, err
	}
	fields := apperr.Fields{}
	if filters.Status != "" && !filters.Status.Valid() {
		fields.Add("status", "invalid")
	}
	if filters.FulfillmentStatus != "" && !filters.FulfillmentStatus.Valid() {
		fields.Add("fulfillment_status", "invalid")
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

// Update edits the schedule and notes of a pending or active order.
func (s *Service) Update(ctx context.Context, scope tenant.Scope, id string, params UpdateParams) (Order, error) {
	if err := scope.Validate(); err != nil {
		return Order{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetTx(ctx, tx, scope.TenantID, id)
	if err != nil {
		return Order{}, err
	}
	if !lifecycle.Contains(editableStatuses, o.Status) {
		return Order{}, apperr.BusinessRule("order_not_editable", "order in status %s cannot be edited", o.Status)
	}

	if params.EffectiveDate != nil {
		o.EffectiveDate = params.EffectiveDate
	}
	if params.ExpiryDate != nil {
		o.ExpiryDate = params.ExpiryDate
	}
	if params.ClearExpiry {
		o.ExpiryDate = nil
	}
	if params.Notes != nil {
		o.Notes = *params.Notes
	}
	if o.EffectiveDate != nil && o.ExpiryDate != nil && o.ExpiryDate.Before(*o.EffectiveDate) {
		return Order{}, apperr.Invalid(apperr.Fields{"expiry_date": "before_effective_date"})
	}
	o.UpdatedAt = s.now().UTC()

	updated, err := s.repo.UpdateDetails(ctx, tx, o, o.Status)
	if err != nil {
		return Order{}, err
	}
	if err := s.emit(ctx, tx, scope, updated, "updated", nil); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit tx: %w", err)
	}
	return updated, nil
}

// UpdateStatus moves the primary status along OrderGraph. Cancelling needs a reason.
func (s *Service) UpdateStatus(ctx context.Context, scope tenant.Scope, id string, to lifecycle.OrderStatus, reason string) (Order, error) {
	if err := scope.Validate(); err != nil {
		return Order{}, err
	}
	if !to.Valid() {
		return Order{}, apperr.Invalid(apperr.Fields{"status": "invalid"})
	}
	reason = strings.TrimSpace(reason)
	if to == lifecycle.OrderCancelled && reason == "" {
		return Order{}, apperr.Invalid(apperr.Fields{"reason": "required"})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetTx(ctx, tx, scope.TenantID, id)
	if err != nil {
		return Order{}, err
	}
	if err := lifecycle.OrderGraph.Check(o.Status, to); err != nil {
		return Order{}, err
	}

	t := Transition{TenantID: o.TenantID, ID: o.ID, From: o.Status, To: to, At: s.now().UTC()}
	if to == lifecycle.OrderCancelled {
		t.CancelReason = &reason
	}
	updated, err := s.repo.Transition(ctx, tx, t)
	if err != nil {
		return Order{}, err
	}

	payload := map[string]any{"from": string(o.Status), "to": string(to)}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := s.emit(ctx, tx, scope, updated, string(to), payload); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit tx: %w", err)
	}
	s.metrics.Transition(audit.EntityOrder, string(o.Status), string(to))
	return updated, nil
}

func (s *Service) Cancel(ctx context.Context, scope tenant.Scope, id, reason string) (Order, error) {
	return s.UpdateStatus(ctx, scope, id, lifecycle.OrderCancelled, reason)
}

// UpdateFulfillmentStatus moves the fulfillment status along FulfillmentGraph.
// It does not touch the primary status, but a cancelled order cannot progress.
func (s *Service) UpdateFulfillmentStatus(ctx context.Context, scope tenant.Scope, id string, to lifecycle.FulfillmentStatus) (Order, error) {
	if err := scope.Validate(); err != nil {
		return Order{}, err
	}
	if !to.Valid() {
		return Order{}, apperr.Invalid(apperr.Fields{"fulfillment_status": "invalid"})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetTx(ctx, tx, scope.TenantID, id)
	if err != nil {
		return Order{}, err
	}
	if o.Status == lifecycle.OrderCancelled && to != lifecycle.FulfillmentCancelled {
		return Order{}, apperr.BusinessRule("order_cancelled", "order %s is cancelled", o.Reference)
	}
	if err := lifecycle.FulfillmentGraph.Check(o.FulfillmentStatus, to); err != nil {
		return Order{}, err
	}

	updated, err := s.repo.TransitionFulfillment(ctx, tx, FulfillmentTransition{
		TenantID: o.TenantID,
		ID:       o.ID,
		From:     o.FulfillmentStatus,
		To:       to,
		At:       s.now().UTC(),
	})
	if err != nil {
		return Order{}, err
	}
	if err := s.emit(ctx, tx, scope, updated, "fulfillment_"+string(to), map[string]any{
		"from": string(o.FulfillmentStatus),
		"to":   string(to),
	}); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit tx: %w", err)
	}
	s.metrics.Transition("fulfillment", string(o.FulfillmentStatus), string(to))
	return updated, nil
}

// SoftDelete tombstones a pending or cancelled order.
func (s *Service) SoftDelete(ctx context.Context, scope tenant.Scope, id, reason string) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetTx(ctx, tx, scope.TenantID, id)
	if err != nil {
		return err
	}
	if !lifecycle.Contains(lifecycle.OrderDeletableStatuses, o.Status) {
		return apperr.BusinessRule("order_not_deletable", "order in status %s cannot be deleted", o.Status)
	}

	reason = strings.TrimSpace(reason)
	if err := s.repo.SoftDelete(ctx, tx, Deletion{
		TenantID: o.TenantID,
		ID:       o.ID,
		From:     []lifecycle.OrderStatus{o.Status},
		By:       scope.ActorID,
		Reason:   reason,
		At:       s.now().UTC(),
	}); err != nil {
		return err
	}
	if err := s.emit(ctx, tx, scope, o, "deleted", map[string]any{"status": string(o.Status), "reason": reason}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("order: commit tx: %w", err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, tx pgx.Tx, scope tenant.Scope, o Order, action string, payload map[string]any) error {
	if s.audit == nil {
		return nil
	}
	err := s.audit.Emit(ctx, tx, audit.Event{
		TenantID:   o.TenantID,
		EntityType: audit.EntityOrder,
		EntityID:   o.ID,
		Action:     action,
		ActorID:    scope.ActorID,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("order: emit %s: %w", action, err)
	}
	return nil
}

func validateCreate(p *CreateParams) error {
	if p.Type == "" {
		p.Type = lifecycle.OrderTypeNew
	}
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))

	fields := apperr.Fields{}
	if !p.Type.Valid() {
		fields.Add("order_type", "invalid")
	}
	if !currencyPattern.MatchString(p.Currency) {
		fields.Add("currency", "invalid")
	}
	if p.TotalValue.IsNegative() {
		fields.Add("total_value", "must_not_be_negative")
	}
	if p.EffectiveDate != nil && p.ExpiryDate != nil && p.ExpiryDate.Before(*p.EffectiveDate) {
		fields.Add("expiry_date", "before_effective_date")
	}
	if !fields.Empty() {
		return apperr.Invalid(fields)
	}
	return nil
}
