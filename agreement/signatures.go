package agreement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/apperr"
	"dealflow/audit"
	"dealflow/idempotency"
	"dealflow/lifecycle"
	"dealflow/tenant"
	"dealflow/token"
)

const clientSignatureKeyScope = "agreement.client_signature"

var viewableStatuses = []string{
	string(lifecycle.AgreementPendingSignature),
	string(lifecycle.AgreementActive),
	string(lifecycle.AgreementTerminated),
}

var signableStatuses = []string{string(lifecycle.AgreementPendingSignature)}

// SubmitForSignature moves a draft to pending_signature. An effective date is
// required; the expiry date may stay open.
func (s *Service) SubmitForSignature(ctx context.Context, scope tenant.Scope, id string) (Agreement, error) {
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
	if err := lifecycle.AgreementGraph.Check(a.Status, lifecycle.AgreementPendingSignature); err != nil {
		return Agreement{}, err
	}
	fields := apperr.Fields{}
	if a.EffectiveDate == nil {
		fields.Add("effective_date", "required")
	}
	validateDates(a.EffectiveDate, a.ExpiryDate, fields)
	if !fields.Empty() {
		return Agreement{}, apperr.Invalid(fields)
	}

	updated, err := s.apply(ctx, tx, scope, a, Transition{To: lifecycle.AgreementPendingSignature}, nil)
	if err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	s.metrics.Transition(audit.EntityAgreement, string(a.Status), string(updated.Status))
	return updated, nil
}

// RecordClientSignature stores the counterparty's signature block, replacing
// any earlier one. With an idempotency key a redelivered completion returns
// the agreement as it is now instead of signing again.
func (s *Service) RecordClientSignature(ctx context.Context, scope tenant.Scope, id string, params ClientSignatureParams) (Agreement, error) {
	if err := scope.Validate(); err != nil {
		return Agreement{}, err
	}
	if err := validateClientSignature(params); err != nil {
		return Agreement{}, err
	}
	key, err := idempotency.Normalize(params.IdempotencyKey)
	if err != nil {
		return Agreement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if key != "" && s.keys != nil {
		entry, found, err := s.keys.Lookup(ctx, tx, scope.TenantID, clientSignatureKeyScope, key)
		if err != nil {
			return Agreement{}, err
		}
		if found {
			resourceID, err := entry.Replay(key, id)
			if err != nil {
				return Agreement{}, err
			}
			return s.repo.GetTx(ctx, tx, scope.TenantID, resourceID)
		}
	}

	a, err := s.repo.GetTx(ctx, tx, scope.TenantID, id)
	if err != nil {
		return Agreement{}, err
	}
	if a.Status != lifecycle.AgreementPendingSignature {
		return Agreement{}, apperr.BusinessRule("not_awaiting_signature", "agreement in status %s cannot be signed", a.Status)
	}

	updated, err := s.signClient(ctx, tx, scope, a, params, "admin")
	if err != nil {
		return Agreement{}, err
	}
	if key != "" && s.keys != nil {
		if err := s.keys.Record(ctx, tx, scope.TenantID, clientSignatureKeyScope, key, idempotency.Entry{TargetID: a.ID, ResourceID: a.ID}); err != nil {
			return Agreement{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	s.recordActivation(a, updated)
	return updated, nil
}

// RecordProviderSignature stores the selling side's signature block. The
// signatory defaults to the acting operator.
func (s *Service) RecordProviderSignature(ctx context.Context, scope tenant.Scope, id string, params ProviderSignatureParams) (Agreement, error) {
	if err := scope.Validate(); err != nil {
		return Agreement{}, err
	}
	params.SignatoryID = strings.TrimSpace(params.SignatoryID)
	if params.SignatoryID == "" {
		params.SignatoryID = scope.ActorID
	}
	fields := apperr.Fields{}
	fields.Required("signatory_id", params.SignatoryID)
	fields.Required("name", params.Name)
	if !fields.Empty() {
		return Agreement{}, apperr.Invalid(fields)
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
	if a.Status != lifecycle.AgreementPendingSignature {
		return Agreement{}, apperr.BusinessRule("not_awaiting_signature", "agreement in status %s cannot be signed", a.Status)
	}

	updated, err := s.repo.SignProvider(ctx, tx, a.TenantID, a.ID, ProviderSignature{
		SignatoryID: params.SignatoryID,
		Name:        strings.TrimSpace(params.Name),
		Title:       strings.TrimSpace(params.Title),
		SignedAt:    s.now().UTC(),
	})
	if err != nil {
		return Agreement{}, err
	}
	if err := s.emit(ctx, tx, scope, updated, "signed_provider", map[string]any{
		"signatory_id": params.SignatoryID,
		"resigned":     a.ProviderSignature != nil,
	}); err != nil {
		return Agreement{}, err
	}
	if err := s.emitActivation(ctx, tx, scope, a, updated); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	s.recordActivation(a, updated)
	return updated, nil
}

// PublicView resolves an agreement's public link without changing it.
func (s *Service) PublicView(ctx context.Context, rawToken string) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.resolveToken(ctx, tx, rawToken, viewableStatuses)
	if err != nil {
		return Agreement{}, err
	}
	if s.audit != nil {
		s.audit.EmitBestEffort(ctx, audit.Event{
			TenantID:   a.TenantID,
			EntityType: audit.EntityAgreement,
			EntityID:   a.ID,
			Action:     "viewed",
			ActorID:    "public",
		})
	}
	return a, nil
}

// PublicSign records the client signature through the agreement's public link.
func (s *Service) PublicSign(ctx context.Context, rawToken string, params ClientSignatureParams) (Agreement, error) {
	if err := validateClientSignature(params); err != nil {
		return Agreement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.resolveToken(ctx, tx, rawToken, signableStatuses)
	if err != nil {
		return Agreement{}, err
	}

	scope := tenant.Scope{TenantID: a.TenantID, ActorID: "public:" + strings.TrimSpace(params.Email)}
	updated, err := s.signClient(ctx, tx, scope, a, params, "public")
	if err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	s.recordActivation(a, updated)
	return updated, nil
}

// Terminate ends an active agreement. A reason is required.
func (s *Service) Terminate(ctx context.Context, scope tenant.Scope, id, reason string) (Agreement, error) {
	if err := scope.Validate(); err != nil {
		return Agreement{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Agreement{}, apperr.Invalid(apperr.Fields{"reason": "required"})
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
	if err := lifecycle.AgreementGraph.Check(a.Status, lifecycle.AgreementTerminated); err != nil {
		return Agreement{}, err
	}

	updated, err := s.apply(ctx, tx, scope, a, Transition{
		To:                lifecycle.AgreementTerminated,
		TerminationReason: &reason,
	}, map[string]any{"reason": reason})
	if err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	s.metrics.Transition(audit.EntityAgreement, string(a.Status), string(lifecycle.AgreementTerminated))
	return updated, nil
}

func (s *Service) signClient(ctx context.Context, tx pgx.Tx, scope tenant.Scope, a Agreement, params ClientSignatureParams, channel string) (Agreement, error) {
	updated, err := s.repo.SignClient(ctx, tx, a.TenantID, a.ID, ClientSignature{
		Name:     strings.TrimSpace(params.Name),
		Email:    strings.TrimSpace(params.Email),
		Title:    strings.TrimSpace(params.Title),
		IP:       params.IP,
		SignedAt: s.now().UTC(),
	})
	if err != nil {
		return Agreement{}, err
	}
	if err := s.emit(ctx, tx, scope, updated, "signed_client", map[string]any{
		"channel":  channel,
		"email":    strings.TrimSpace(params.Email),
		"ip":       params.IP,
		"resigned": a.ClientSignature != nil,
	}); err != nil {
		return Agreement{}, err
	}
	if err := s.emitActivation(ctx, tx, scope, a, updated); err != nil {
		return Agreement{}, err
	}
	return updated, nil
}

// emitActivation records the automatic move to active when the second block landed.
func (s *Service) emitActivation(ctx context.Context, tx pgx.Tx, scope tenant.Scope, before, after Agreement) error {
	if before.Status == after.Status || after.Status != lifecycle.AgreementActive {
		return nil
	}
	return s.emit(ctx, tx, scope, after, string(lifecycle.AgreementActive), map[string]any{
		"from": string(before.Status),
		"to":   string(after.Status),
	})
}

func (s *Service) recordActivation(before, after Agreement) {
	if before.Status != after.Status {
		s.metrics.Transition(audit.EntityAgreement, string(before.Status), string(after.Status))
	}
}

// resolveToken loads the agreement behind a public link and classifies it
// for an action allowed from allowed.
func (s *Service) resolveToken(ctx context.Context, tx pgx.Tx, rawToken string, allowed []string) (Agreement, error) {
	subject := token.Subject{ExpiredStatus: string(lifecycle.AgreementExpired)}
	if !token.WellFormed(token.KindAgreement, rawToken) {
		return Agreement{}, token.Check(subject, allowed, s.now())
	}

	a, err := s.repo.GetByToken(ctx, tx, rawToken)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return Agreement{}, err
	}
	if err == nil {
		subject.Found = true
		subject.Deleted = a.DeletedAt != nil
		subject.Status = string(a.Status)
		subject.ExpiresAt = signingDeadline(a)
	}
	if err := token.Check(subject, allowed, s.now()); err != nil {
		return Agreement{}, err
	}
	return a, nil
}

// signingDeadline is the end of the expiry date for agreements still in
// force or awaiting signature.
func signingDeadline(a Agreement) *time.Time {
	if a.ExpiryDate == nil {
		return nil
	}
	if a.Status != lifecycle.AgreementPendingSignature && a.Status != lifecycle.AgreementActive {
		return nil
	}
	d := a.ExpiryDate.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return &d
}

func validateClientSignature(p ClientSignatureParams) error {
	fields := apperr.Fields{}
	fields.Required("name", p.Name)
	fields.Required("email", p.Email)
	if strings.TrimSpace(p.Email) != "" && !strings.Contains(p.Email, "@") {
		fields.Add("email", "invalid")
	}
	if !fields.Empty() {
		return apperr.Invalid(fields)
	}
	return nil
}
