package quote

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/apperr"
	"dealflow/audit"
	"dealflow/lifecycle"
	"dealflow/tenant"
	"dealflow/token"
)

// SweeperActor is recorded as the actor of automatic expiries.
const SweeperActor = "system:sweeper"

// viewableStatuses are the statuses a public link still renders.
var viewableStatuses = []string{
	string(lifecycle.QuoteSent),
	string(lifecycle.QuoteViewed),
	string(lifecycle.QuoteAccepted),
	string(lifecycle.QuoteRejected),
	string(lifecycle.QuoteConverted),
}

var openStatuses = lifecycle.Strings(lifecycle.QuoteOpenStatuses)

var versionSuffix = regexp.MustCompile(`-V\d+$`)

// Send moves a draft quote to sent. A quote without items cannot be sent and
// the validity window must end in the future.
func (s *Service) Send(ctx context.Context, scope tenant.Scope, id string, params SendParams) (Quote, error) {
	if err := scope.Validate(); err != nil {
		return Quote{}, err
	}
	now := s.now().UTC()

	return s.transition(ctx, scope, id, lifecycle.QuoteSent, func(q Quote) (Transition, map[string]any, error) {
		if len(q.Items) == 0 {
			return Transition{}, nil, apperr.BusinessRule("no_items", "quote %s has no items", q.Reference)
		}
		validUntil := q.ValidUntil
		if params.ValidUntil != nil {
			v := params.ValidUntil.UTC()
			validUntil = &v
		}
		fields := apperr.Fields{}
		if validUntil == nil {
			fields.Add("valid_until", "required")
		} else if !validUntil.After(now) {
			fields.Add("valid_until", "must_be_in_future")
		}
		if !fields.Empty() {
			return Transition{}, nil, apperr.Invalid(fields)
		}
		return Transition{ValidUntil: validUntil}, map[string]any{"valid_until": validUntil.Format(time.RFC3339)}, nil
	})
}

// Accept records acceptance on behalf of the counterparty, for instance after
// a signed PDF came back by email or a payment cleared.
func (s *Service) Accept(ctx context.Context, scope tenant.Scope, id string, params AcceptParams) (Quote, error) {
	if err := scope.Validate(); err != nil {
		return Quote{}, err
	}
	return s.transition(ctx, scope, id, lifecycle.QuoteAccepted, func(q Quote) (Transition, map[string]any, error) {
		t := Transition{}
		if strings.TrimSpace(params.Name) != "" || strings.TrimSpace(params.Email) != "" {
			t.Acceptance = acceptanceFrom(params)
		}
		return t, map[string]any{"channel": "admin"}, nil
	})
}

func (s *Service) Reject(ctx context.Context, scope tenant.Scope, id string, params RejectParams) (Quote, error) {
	if err := scope.Validate(); err != nil {
		return Quote{}, err
	}
	return s.transition(ctx, scope, id, lifecycle.QuoteRejected, func(q Quote) (Transition, map[string]any, error) {
		return Transition{RejectionReason: reasonOrNil(params.Reason)}, map[string]any{"channel": "admin", "reason": params.Reason}, nil
	})
}

// transition runs a single-entity status change: read, graph check, build,
// conditional update and audit, all in one transaction.
func (s *Service) transition(ctx context.Context, scope tenant.Scope, id string, to lifecycle.QuoteStatus, build func(Quote) (Transition, map[string]any, error)) (Quote, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q, err := s.repo.GetTx(ctx, tx, scope.TenantID, id)
	if err != nil {
		return Quote{}, err
	}
	if err := lifecycle.QuoteGraph.Check(q.Status, to); err != nil {
		return Quote{}, err
	}

	t, payload, err := build(q)
	if err != nil {
		return Quote{}, err
	}
	updated, err := s.apply(ctx, tx, scope, q, to, t, payload)
	if err != nil {
		return Quote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Quote{}, fmt.Errorf("quote: commit tx: %w", err)
	}
	s.metrics.Transition(audit.EntityQuote, string(q.Status), string(to))
	return updated, nil
}

func (s *Service) apply(ctx context.Context, tx pgx.Tx, scope tenant.Scope, q Quote, to lifecycle.QuoteStatus, t Transition, payload map[string]any) (Quote, error) {
	t.TenantID = q.TenantID
	t.ID = q.ID
	t.From = q.Status
	t.To = to
	t.At = s.now().UTC()

	updated, err := s.repo.Transition(ctx, tx, t)
	if err != nil {
		return Quote{}, err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = string(q.Status)
	payload["to"] = string(to)
	if err := s.emit(ctx, tx, scope, updated, string(to), payload); err != nil {
		return Quote{}, err
	}
	return updated, nil
}

// View resolves a public link. The first view of a sent quote moves it to
// viewed; later views, and a view that loses a race, change nothing.
func (s *Service) View(ctx context.Context, rawToken string, meta ViewParams) (Quote, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q, err := s.resolveToken(ctx, tx, rawToken, viewableStatuses)
	if err != nil {
		return Quote{}, err
	}
	if q.Status != lifecycle.QuoteSent {
		return q, nil
	}

	updated, err := s.repo.Transition(ctx, tx, Transition{
		TenantID: q.TenantID,
		ID:       q.ID,
		From:     lifecycle.QuoteSent,
		To:       lifecycle.QuoteViewed,
		At:       s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return q, nil
		}
		return Quote{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Quote{}, fmt.Errorf("quote: commit tx: %w", err)
	}

	s.metrics.Transition(audit.EntityQuote, string(lifecycle.QuoteSent), string(lifecycle.QuoteViewed))
	if s.audit != nil {
		s.audit.EmitBestEffort(ctx, audit.Event{
			TenantID:   q.TenantID,
			EntityType: audit.EntityQuote,
			EntityID:   q.ID,
			Action:     string(lifecycle.QuoteViewed),
			ActorID:    publicActor(""),
			Payload:    map[string]any{"ip": meta.IP, "user_agent": meta.UserAgent},
		})
	}
	return updated, nil
}

// PublicAccept accepts a quote through its public link.
func (s *Service) PublicAccept(ctx context.Context, rawToken string, params AcceptParams) (Quote, error) {
	fields := apperr.Fields{}
	fields.Required("name", params.Name)
	fields.Required("email", params.Email)
	if params.Email != "" && !strings.Contains(params.Email, "@") {
		fields.Add("email", "invalid")
	}
	if !fields.Empty() {
		return Quote{}, apperr.Invalid(fields)
	}

	return s.publicTransition(ctx, rawToken, lifecycle.QuoteAccepted, params.Email, Transition{
		Acceptance: acceptanceFrom(params),
	}, map[string]any{"channel": "public", "ip": params.IP})
}

// PublicReject rejects a quote through its public link.
func (s *Service) PublicReject(ctx context.Context, rawToken string, params RejectParams) (Quote, error) {
	return s.publicTransition(ctx, rawToken, lifecycle.QuoteRejected, params.Email, Transition{
		RejectionReason: reasonOrNil(params.Reason),
	}, map[string]any{"channel": "public", "ip": params.IP, "reason": params.Reason})
}

func (s *Service) publicTransition(ctx context.Context, rawToken string, to lifecycle.QuoteStatus, email string, t Transition, payload map[string]any) (Quote, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q, err := s.resolveToken(ctx, tx, rawToken, openStatuses)
	if err != nil {
		return Quote{}, err
	}

	scope := tenant.Scope{TenantID: q.TenantID, ActorID: publicActor(email)}
	updated, err := s.apply(ctx, tx, scope, q, to, t, payload)
	if err != nil {
		return Quote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Quote{}, fmt.Errorf("quote: commit tx: %w", err)
	}
	s.metrics.Transition(audit.EntityQuote, string(q.Status), string(to))
	return updated, nil
}

// resolveToken loads the quote behind a public link and classifies it for an
// action allowed from allowed. Malformed tokens never reach storage.
func (s *Service) resolveToken(ctx context.Context, tx pgx.Tx, rawToken string, allowed []string) (Quote, error) {
	subject := token.Subject{ExpiredStatus: string(lifecycle.QuoteExpired)}
	if !token.WellFormed(token.KindQuote, rawToken) {
		return Quote{}, token.Check(subject, allowed, s.now())
	}

	q, err := s.repo.GetByToken(ctx, tx, rawToken)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return Quote{}, err
	}
	if err == nil {
		subject.Found = true
		subject.Deleted = q.DeletedAt != nil
		subject.Status = string(q.Status)
		if lifecycle.Contains(lifecycle.QuoteOpenStatuses, q.Status) {
			subject.ExpiresAt = q.ValidUntil
		}
	}
	if err := token.Check(subject, allowed, s.now()); err != nil {
		return Quote{}, err
	}
	return q, nil
}

// NewVersion supersedes a quote with a copy at version+1. When
// expectedVersion is set it must match the stored version. Of two concurrent
// calls on the same parent exactly one succeeds; the other gets a Conflict.
func (s *Service) NewVersion(ctx context.Context, scope tenant.Scope, id string, expectedVersion *int) (Quote, error) {
	if err := scope.Validate(); err != nil {
		return Quote{}, err
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

	parent, err := s.repo.GetTx(ctx, tx, scope.TenantID, id)
	if err != nil {
		return Quote{}, err
	}
	if expectedVersion != nil && *expectedVersion != parent.Version {
		return Quote{}, apperr.Conflict("version_mismatch", "quote %s is at version %d, not %d", parent.Reference, parent.Version, *expectedVersion)
	}
	if err := lifecycle.QuoteGraph.Check(parent.Status, lifecycle.QuoteSuperseded); err != nil {
		return Quote{}, err
	}

	version := parent.Version
	superseded, err := s.apply(ctx, tx, scope, parent, lifecycle.QuoteSuperseded, Transition{ExpectedVersion: &version}, nil)
	if err != nil {
		return Quote{}, err
	}

	now := s.now().UTC()
	validUntil := parent.ValidUntil
	if validUntil != nil && !validUntil.After(now) {
		validUntil = nil
	}
	if validUntil == nil && s.opts.DefaultValidity > 0 {
		v := now.Add(s.opts.DefaultValidity)
		validUntil = &v
	}

	child := Quote{
		ID:            s.idGenerator(),
		TenantID:      parent.TenantID,
		Reference:     fmt.Sprintf("%s-V%d", versionSuffix.ReplaceAllString(parent.Reference, ""), parent.Version+1),
		Title:         parent.Title,
		OpportunityID: parent.OpportunityID,
		LeadID:        parent.LeadID,
		Currency:      parent.Currency,
		Status:        lifecycle.QuoteDraft,
		Discount:      parent.Discount,
		TaxRate:       parent.TaxRate,
		ValidUntil:    validUntil,
		Version:       parent.Version + 1,
		SupersedesID:  &parent.ID,
		PublicToken:   publicToken,
		Notes:         parent.Notes,
		CreatedBy:     scope.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, it := range parent.Items {
		copied := it
		copied.ID = s.idGenerator()
		copied.QuoteID = child.ID
		copied.CreatedAt = now
		copied.UpdatedAt = now
		child.Items = append(child.Items, copied)
	}
	child.Totals = s.computeTotals(child)

	created, err := s.repo.Insert(ctx, tx, child)
	if err != nil {
		return Quote{}, err
	}
	if err := s.emit(ctx, tx, scope, created, "version_created", map[string]any{
		"supersedes_id": superseded.ID,
		"version":       created.Version,
	}); err != nil {
		return Quote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Quote{}, fmt.Errorf("quote: commit tx: %w", err)
	}
	s.metrics.Transition(audit.EntityQuote, string(parent.Status), string(lifecycle.QuoteSuperseded))
	return created, nil
}

// ExpireDue moves up to limit open quotes past valid_until to expired and
// returns how many moved. Safe to re-run.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("quote: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	expired, err := s.repo.ExpireDue(ctx, tx, now.UTC(), limit)
	if err != nil {
		return 0, err
	}
	for _, e := range expired {
		scope := tenant.Scope{TenantID: e.TenantID, ActorID: SweeperActor}
		q := Quote{ID: e.ID, TenantID: e.TenantID}
		if err := s.emit(ctx, tx, scope, q, string(lifecycle.QuoteExpired), map[string]any{
			"from":      string(e.From),
			"reference": e.Reference,
		}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("quote: commit tx: %w", err)
	}
	for _, e := range expired {
		s.metrics.Transition(audit.EntityQuote, string(e.From), string(lifecycle.QuoteExpired))
	}
	s.metrics.Expired(audit.EntityQuote, len(expired))
	return len(expired), nil
}

// GetTx loads a quote inside the caller's transaction.
func (s *Service) GetTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id string) (Quote, error) {
	return s.repo.GetTx(ctx, tx, scope.TenantID, id)
}

// GetForUpdateTx is GetTx holding the quote's row lock until tx ends.
func (s *Service) GetForUpdateTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id string) (Quote, error) {
	return s.repo.GetForUpdate(ctx, tx, scope.TenantID, id)
}

// MarkConverted moves an accepted quote to converted inside the caller's
// transaction. Only the conversion orchestrator calls it.
func (s *Service) MarkConverted(ctx context.Context, tx pgx.Tx, scope tenant.Scope, q Quote, orderID string) (Quote, error) {
	if err := lifecycle.QuoteGraph.Check(q.Status, lifecycle.QuoteConverted); err != nil {
		return Quote{}, err
	}
	return s.apply(ctx, tx, scope, q, lifecycle.QuoteConverted, Transition{}, map[string]any{"order_id": orderID})
}

func acceptanceFrom(p AcceptParams) *Acceptance {
	return &Acceptance{
		Name:      strings.TrimSpace(p.Name),
		Email:     strings.TrimSpace(p.Email),
		Title:     strings.TrimSpace(p.Title),
		Signature: p.Signature,
		IP:        p.IP,
		UserAgent: p.UserAgent,
	}
}

func reasonOrNil(reason string) *string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil
	}
	return &reason
}

func publicActor(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return "public"
	}
	return "public:" + email
}
