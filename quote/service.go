// Package quote owns the quote lifecycle: drafting and pricing, sending,
// counterparty accept/reject through public tokens, versioning and expiry.
package quote

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"dealflow/apperr"
	"dealflow/audit"
	"dealflow/db"
	"dealflow/lifecycle"
	"dealflow/metrics"
	"dealflow/tenant"
	"dealflow/token"
	"dealflow/totals"
)

// Options carries tenant-independent defaults.
type Options struct {
	DefaultCurrency string
	// DefaultValidity is added to the creation time when no valid_until is given.
	DefaultValidity time.Duration
	DefaultTaxRate  decimal.Decimal
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	audit       audit.Emitter
	metrics     *metrics.Recorder
	opts        Options
	idGenerator func() string
	issueToken  func() (string, error)
	now         func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, emitter audit.Emitter, opts Options) *Service {
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "USD"
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		audit:       emitter,
		opts:        opts,
		idGenerator: func() string { return uuid.NewString() },
		issueToken:  func() (string, error) { return token.Issue(token.KindQuote) },
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

var sortKeys = map[string]bool{
	"":            true,
	"created_at":  true,
	"updated_at":  true,
	"valid_until": true,
	"total_value": true,
	"reference":   true,
}

// Create drafts a new quote with its initial items and computed totals.
func (s *Service) Create(ctx context.Context, scope tenant.Scope, params CreateParams) (Quote, error) {
	if err := scope.Validate(); err != nil {
		return Quote{}, err
	}

	now := s.now().UTC()
	taxRate := s.opts.DefaultTaxRate
	if params.TaxRate != nil {
		taxRate = *params.TaxRate
	}
	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}
	validUntil := params.ValidUntil
	if validUntil == nil && s.opts.DefaultValidity > 0 {
		v := now.Add(s.opts.DefaultValidity)
		validUntil = &v
	}

	fields := apperr.Fields{}
	if !currencyPattern.MatchString(currency) {
		fields.Add("currency", "invalid")
	}
	if validUntil != nil && !validUntil.After(now) {
		fields.Add("valid_until", "must_be_in_future")
	}
	totals.ValidateRules(params.Discount, totals.TaxRule{Rate: taxRate}, fields)
	for i, it := range params.Items {
		validateItem(fmt.Sprintf("items[%d].", i), it, fields)
	}
	if !fields.Empty() {
		return Quote{}, apperr.Invalid(fields)
	}

	publicToken, err := s.issueToken()
	if err != nil {
		return Quote{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ref, err := s.repo.NextReference(ctx, tx, scope.TenantID)
	if err != nil {
		return Quote{}, err
	}

	q := Quote{
		ID:            s.idGenerator(),
		TenantID:      scope.TenantID,
		Reference:     ref,
		Title:         strings.TrimSpace(params.Title),
		OpportunityID: trimmedOrNil(params.OpportunityID),
		LeadID:        trimmedOrNil(params.LeadID),
		Currency:      currency,
		Status:        lifecycle.QuoteDraft,
		Discount:      params.Discount,
		TaxRate:       taxRate,
		ValidUntil:    validUntil,
		Version:       1,
		PublicToken:   publicToken,
		Notes:         params.Notes,
		CreatedBy:     scope.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i, p := range params.Items {
		q.Items = append(q.Items, s.newItem(q.ID, i+1, p, now))
	}
	q.Totals = s.computeTotals(q)

	created, err := s.repo.Insert(ctx, tx, q)
	if err != nil {
		return Quote{}, err
	}

	if err := s.emit(ctx, tx, scope, created, "created", map[string]any{
		"reference": created.Reference,
		"total":     created.Totals.Total.String(),
	}); err != nil {
		return Quote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Quote{}, fmt.Errorf("quote: commit tx: %w", err)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, scope tenant.Scope, id string) (Quote, error) {
	if err := scope.Validate(); err != nil {
		return Quote{}, err
	}
	return s.repo.Get(ctx, scope.TenantID, id)
}

func (s *Service) List(ctx context.Context, scope tenant.Scope, filters Filters) (ListResult, error) {
	if err := scope.Validate(); err != nil {
		return ListResult{}, err
	}
	fields := apperr.Fields{}
	if filters.Status != "" && !filters.Status.Valid() {
		fields.Add("status", "invalid")
	}
	if !sortKeys[filters.SortKey] {
		fields.Add("sort", "invalid")
	}
	if o := strings.ToLower(filters.SortOrder); o != "" && o != "asc" && o != "desc" {
		fields.Add("order", "invalid")
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

func (s *Service) ListLineage(ctx context.Context, scope tenant.Scope, id string) ([]Quote, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListLineage(ctx, scope.TenantID, id)
}

// Update edits the header of a draft quote and recomputes its totals.
func (s *Service) Update(ctx context.Context, scope tenant.Scope, id string, params UpdateParams) (Quote, error) {
	if err := scope.Validate(); err != nil {
		return Quote{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q, err := s.repo.GetForUpdate(ctx, tx, scope.TenantID, id)
	if err != nil {
		return Quote{}, err
	}
	if err := requireDraft(q); err != nil {
		return Quote{}, err
	}

	now := s.now().UTC()
	if params.Title != nil {
		q.Title = strings.TrimSpace(*params.Title)
	}
	if params.OpportunityID != nil {
		q.OpportunityID = trimmedOrNil(params.OpportunityID)
	}
	if params.LeadID != nil {
		q.LeadID = trimmedOrNil(params.LeadID)
	}
	if params.Currency != nil {
		q.Currency = strings.ToUpper(strings.TrimSpace(*params.Currency))
	}
	if params.Discount != nil {
		q.Discount = *params.Discount
	}
	if params.TaxRate != nil {
		q.TaxRate = *params.TaxRate
	}
	if params.ValidUntil != nil {
		v := params.ValidUntil.UTC()
		q.ValidUntil = &v
	}
	if params.Notes != nil {
		q.Notes = *params.Notes
	}

	fields := apperr.Fields{}
	if !currencyPattern.MatchString(q.Currency) {
		fields.Add("currency", "invalid")
	}
	if params.ValidUntil != nil && !params.ValidUntil.After(now) {
		fields.Add("valid_until", "must_be_in_future")
	}
	totals.ValidateRules(q.Discount, totals.TaxRule{Rate: q.TaxRate}, fields)
	if !fields.Empty() {
		return Quote{}, apperr.Invalid(fields)
	}

	q.Totals = s.computeTotals(q)
	q.UpdatedAt = now

	updated, err := s.repo.UpdateHeader(ctx, tx, q)
	if err != nil {
		return Quote{}, err
	}
	if err := s.emit(ctx, tx, scope, updated, "updated", map[string]any{"total": updated.Totals.Total.String()}); err != nil {
		return Quote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Quote{}, fmt.Errorf("quote: commit tx: %w", err)
	}
	return updated, nil
}

// SoftDelete tombstones a quote that has not reached an outcome yet.
func (s *Service) SoftDelete(ctx context.Context, scope tenant.Scope, id, reason string) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("quote: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q, err := s.repo.GetTx(ctx, tx, scope.TenantID, id)
	if err != nil {
		return err
	}
	if !lifecycle.Contains(lifecycle.QuoteDeletableStatuses, q.Status) {
		return apperr.BusinessRule("quote_not_deletable", "quote in status %s cannot be deleted", q.Status)
	}

	reason = strings.TrimSpace(reason)
	err = s.repo.SoftDelete(ctx, tx, Deletion{
		TenantID: scope.TenantID,
		ID:       q.ID,
		From:     []lifecycle.QuoteStatus{q.Status},
		By:       scope.ActorID,
		Reason:   reason,
		At:       s.now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.emit(ctx, tx, scope, q, "deleted", map[string]any{"status": q.Status, "reason": reason}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("quote: commit tx: %w", err)
	}
	return nil
}

// AddItem appends an item to a draft quote and recomputes totals.
func (s *Service) AddItem(ctx context.Context, scope tenant.Scope, quoteID string, params ItemParams) (Quote, error) {
	return s.mutateItems(ctx, scope, quoteID, "item_added", func(tx pgx.Tx, q *Quote, now time.Time) (map[string]any, error) {
		fields := apperr.Fields{}
		validateItem("", params, fields)
		if !fields.Empty() {
			return nil, apperr.Invalid(fields)
		}
		position := 1
		for _, it := range q.Items {
			if it.Position >= position {
				position = it.Position + 1
			}
		}
		item, err := s.repo.InsertItem(ctx, tx, s.newItem(q.ID, position, params, now))
		if err != nil {
			return nil, err
		}
		q.Items = append(q.Items, item)
		return map[string]any{"item_id": item.ID}, nil
	})
}

// UpdateItem replaces an item of a draft quote and recomputes totals.
func (s *Service) UpdateItem(ctx context.Context, scope tenant.Scope, quoteID, itemID string, params ItemParams) (Quote, error) {
	return s.mutateItems(ctx, scope, quoteID, "item_updated", func(tx pgx.Tx, q *Quote, now time.Time) (map[string]any, error) {
		idx := indexOfItem(q.Items, itemID)
		if idx < 0 {
			return nil, apperr.NotFound("quote_item", itemID)
		}
		fields := apperr.Fields{}
		validateItem("", params, fields)
		if !fields.Empty() {
			return nil, apperr.Invalid(fields)
		}
		next := s.newItem(q.ID, q.Items[idx].Position, params, now)
		next.ID = itemID
		next.CreatedAt = q.Items[idx].CreatedAt
		item, err := s.repo.UpdateItem(ctx, tx, next)
		if err != nil {
			return nil, err
		}
		q.Items[idx] = item
		return map[string]any{"item_id": item.ID}, nil
	})
}

// RemoveItem deletes an item from a draft quote and recomputes totals.
func (s *Service) RemoveItem(ctx context.Context, scope tenant.Scope, quoteID, itemID string) (Quote, error) {
	return s.mutateItems(ctx, scope, quoteID, "item_removed", func(tx pgx.Tx, q *Quote, _ time.Time) (map[string]any, error) {
		idx := indexOfItem(q.Items, itemID)
		if idx < 0 {
			return nil, apperr.NotFound("quote_item", itemID)
		}
		if err := s.repo.DeleteItem(ctx, tx, q.ID, itemID); err != nil {
			return nil, err
		}
		q.Items = append(q.Items[:idx], q.Items[idx+1:]...)
		return map[string]any{"item_id": itemID}, nil
	})
}

// mutateItems locks the quote, applies fn and persists recomputed totals in
// the same transaction, so totals never lag behind items.
func (s *Service) mutateItems(ctx context.Context, scope tenant.Scope, quoteID, action string, fn func(tx pgx.Tx, q *Quote, now time.Time) (map[string]any, error)) (Quote, error) {
	if err := scope.Validate(); err != nil {
		return Quote{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q, err := s.repo.GetForUpdate(ctx, tx, scope.TenantID, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if err := requireDraft(q); err != nil {
		return Quote{}, err
	}

	now := s.now().UTC()
	payload, err := fn(tx, &q, now)
	if err != nil {
		return Quote{}, err
	}

	q.Totals = s.computeTotals(q)
	q.UpdatedAt = now
	if err := s.repo.SaveTotals(ctx, tx, q); err != nil {
		return Quote{}, err
	}

	payload["total"] = q.Totals.Total.String()
	if err := s.emit(ctx, tx, scope, q, action, payload); err != nil {
		return Quote{}, err
	}

	updated, err := s.repo.GetTx(ctx, tx, scope.TenantID, quoteID)
	if err != nil {
		return Quote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Quote{}, fmt.Errorf("quote: commit tx: %w", err)
	}
	return updated, nil
}

func (s *Service) computeTotals(q Quote) totals.Totals {
	return totals.Compute(q.Lines(), q.Discount, totals.TaxRule{Rate: q.TaxRate})
}

func (s *Service) newItem(quoteID string, position int, p ItemParams, now time.Time) Item {
	billing := p.BillingInterval
	if p.Type == totals.ItemRecurring && billing == "" {
		billing = p.RecurrenceInterval
	}
	if p.Type == totals.ItemOneTime {
		p.RecurrenceInterval = ""
		billing = ""
	}
	it := Item{
		ID:                 s.idGenerator(),
		QuoteID:            quoteID,
		Position:           position,
		Name:               strings.TrimSpace(p.Name),
		Description:        p.Description,
		Type:               p.Type,
		RecurrenceInterval: p.RecurrenceInterval,
		BillingInterval:    billing,
		UnitPrice:          p.UnitPrice,
		Quantity:           p.Quantity,
		Discount:           p.Discount,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	it.LineTotal = totals.LineNet(it.Line())
	return it
}

func (s *Service) emit(ctx context.Context, tx pgx.Tx, scope tenant.Scope, q Quote, action string, payload map[string]any) error {
	if s.audit == nil {
		return nil
	}
	err := s.audit.Emit(ctx, tx, audit.Event{
		TenantID:   q.TenantID,
		EntityType: audit.EntityQuote,
		EntityID:   q.ID,
		Action:     action,
		ActorID:    scope.ActorID,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("quote: emit %s: %w", action, err)
	}
	return nil
}

func validateItem(prefix string, p ItemParams, fields apperr.Fields) {
	fields.Required(prefix+"name", p.Name)
	totals.ValidateLine(prefix, p.line(), fields)
}

func requireDraft(q Quote) error {
	if q.Status != lifecycle.QuoteDraft {
		return apperr.BusinessRule("quote_not_editable", "quote in status %s cannot be edited", q.Status)
	}
	return nil
}

func indexOfItem(items []Item, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
