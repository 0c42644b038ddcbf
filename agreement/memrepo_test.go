package agreement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/apperr"
	"dealflow/idempotency"
	"dealflow/lifecycle"
)

// memRepo mirrors PGRepository's conditional updates in memory, including the
// single-statement activation when the second signature lands.
type memRepo struct {
	mu         sync.Mutex
	agreements map[string]Agreement
	seq        int

	beforeTransition func(t Transition)
}

func newMemRepo() *memRepo {
	return &memRepo{agreements: map[string]Agreement{}}
}

func (r *memRepo) NextReference(_ context.Context, _ pgx.Tx, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("AGR-%06d", r.seq), nil
}

func (r *memRepo) Insert(_ context.Context, _ pgx.Tx, a Agreement) (Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.SupersedesID != nil {
		for _, other := range r.agreements {
			if other.SupersedesID != nil && *other.SupersedesID == *a.SupersedesID {
				return Agreement{}, apperr.Conflict("version_exists", "agreement %s already has a newer version", *a.SupersedesID)
			}
		}
	}
	r.agreements[a.ID] = a
	return a, nil
}

func (r *memRepo) lookup(tenantID, id string) (Agreement, error) {
	a, ok := r.agreements[id]
	if !ok || a.TenantID != tenantID || a.DeletedAt != nil {
		return Agreement{}, apperr.NotFound("agreement", id)
	}
	return a, nil
}

func (r *memRepo) Get(_ context.Context, tenantID, id string) (Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(tenantID, id)
}

func (r *memRepo) GetTx(_ context.Context, _ pgx.Tx, tenantID, id string) (Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(tenantID, id)
}

func (r *memRepo) GetByToken(_ context.Context, _ pgx.Tx, token string) (Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agreements {
		if a.PublicToken == token {
			return a, nil
		}
	}
	return Agreement{}, apperr.NotFound("agreement", "")
}

func (r *memRepo) List(_ context.Context, tenantID string, filters Filters) ([]Agreement, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Agreement
	for _, a := range r.agreements {
		if a.TenantID != tenantID || a.DeletedAt != nil {
			continue
		}
		if filters.Status != "" && a.Status != filters.Status {
			continue
		}
		if filters.Type != "" && a.Type != filters.Type {
			continue
		}
		if filters.OrderID != "" && (a.OrderID == nil || *a.OrderID != filters.OrderID) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out, len(out), nil
}

func (r *memRepo) ListLineage(_ context.Context, tenantID, id string) ([]Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start, err := r.lookup(tenantID, id)
	if err != nil {
		return nil, err
	}
	root := start
	for root.SupersedesID != nil {
		root = r.agreements[*root.SupersedesID]
	}
	out := []Agreement{root}
	for {
		var next *Agreement
		for _, a := range r.agreements {
			if a.SupersedesID != nil && *a.SupersedesID == out[len(out)-1].ID {
				a := a
				next = &a
				break
			}
		}
		if next == nil {
			return out, nil
		}
		out = append(out, *next)
	}
}

func (r *memRepo) UpdateDraft(_ context.Context, _ pgx.Tx, a Agreement) (Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.lookup(a.TenantID, a.ID)
	if err != nil || cur.Status != lifecycle.AgreementDraft {
		return Agreement{}, errConcurrent(a.ID)
	}
	cur.Title, cur.Type, cur.Terms = a.Title, a.Type, a.Terms
	cur.EffectiveDate, cur.ExpiryDate = a.EffectiveDate, a.ExpiryDate
	cur.UpdatedAt = a.UpdatedAt
	r.agreements[a.ID] = cur
	return cur, nil
}

func (r *memRepo) Transition(_ context.Context, _ pgx.Tx, t Transition) (Agreement, error) {
	if r.beforeTransition != nil {
		r.beforeTransition(t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.lookup(t.TenantID, t.ID)
	if err != nil || a.Status != t.From {
		return Agreement{}, errConcurrent(t.ID)
	}
	if t.ExpectedVersion != nil && a.Version != *t.ExpectedVersion {
		return Agreement{}, errConcurrent(t.ID)
	}
	if t.To == lifecycle.AgreementActive && !a.FullySigned() {
		return Agreement{}, fmt.Errorf("check constraint: active without both signatures")
	}
	at := t.At
	a.Status = t.To
	a.UpdatedAt = at
	switch t.To {
	case lifecycle.AgreementPendingSignature:
		a.SubmittedAt = &at
	case lifecycle.AgreementActive:
		a.ActivatedAt = &at
	case lifecycle.AgreementTerminated:
		a.TerminatedAt = &at
		a.TerminationReason = t.TerminationReason
	case lifecycle.AgreementExpired:
		a.ExpiredAt = &at
	case lifecycle.AgreementSuperseded:
		a.SupersededAt = &at
	}
	r.agreements[a.ID] = a
	return a, nil
}

func (r *memRepo) sign(tenantID, id string, at time.Time, set func(*Agreement)) (Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.lookup(tenantID, id)
	if err != nil || a.Status != lifecycle.AgreementPendingSignature {
		return Agreement{}, errConcurrent(id)
	}
	set(&a)
	a.UpdatedAt = at
	if a.FullySigned() {
		a.Status = lifecycle.AgreementActive
		a.ActivatedAt = &at
	}
	r.agreements[id] = a
	return a, nil
}

func (r *memRepo) SignClient(_ context.Context, _ pgx.Tx, tenantID, id string, sig ClientSignature) (Agreement, error) {
	return r.sign(tenantID, id, sig.SignedAt, func(a *Agreement) { a.ClientSignature = &sig })
}

func (r *memRepo) SignProvider(_ context.Context, _ pgx.Tx, tenantID, id string, sig ProviderSignature) (Agreement, error) {
	return r.sign(tenantID, id, sig.SignedAt, func(a *Agreement) { a.ProviderSignature = &sig })
}

func (r *memRepo) AttachOrder(_ context.Context, _ pgx.Tx, tenantID, id, orderID string, at time.Time) (Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.lookup(tenantID, id)
	if err != nil || (a.OrderID != nil && *a.OrderID != orderID) {
		return Agreement{}, errConcurrent(id)
	}
	a.OrderID = &orderID
	a.UpdatedAt = at
	r.agreements[id] = a
	return a, nil
}

func (r *memRepo) SoftDelete(_ context.Context, _ pgx.Tx, d Deletion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.lookup(d.TenantID, d.ID)
	if err != nil || !lifecycle.Contains(d.From, a.Status) {
		return errConcurrent(d.ID)
	}
	at := d.At
	a.DeletedAt = &at
	r.agreements[d.ID] = a
	return nil
}

func (r *memRepo) ExpireDue(_ context.Context, _ pgx.Tx, now time.Time, limit int) ([]Expiry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	today := now.Truncate(24 * time.Hour)
	var ids []string
	for id, a := range r.agreements {
		if a.Status == lifecycle.AgreementActive && a.DeletedAt == nil && a.ExpiryDate != nil && a.ExpiryDate.Before(today) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var out []Expiry
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		a := r.agreements[id]
		at := now
		a.Status = lifecycle.AgreementExpired
		a.ExpiredAt = &at
		r.agreements[id] = a
		out = append(out, Expiry{ID: a.ID, TenantID: a.TenantID, Reference: a.Reference})
	}
	return out, nil
}

// seed stores a directly, bypassing the service.
func (r *memRepo) seed(a Agreement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agreements[a.ID] = a
}

func (r *memRepo) status(id string) lifecycle.AgreementStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agreements[id].Status
}

// memKeys is an in-memory KeyStore.
type memKeys struct {
	mu   sync.Mutex
	keys map[string]idempotency.Entry
}

func (k *memKeys) Lookup(_ context.Context, _ pgx.Tx, tenantID, scope, key string) (idempotency.Entry, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.keys[tenantID+"/"+scope+"/"+key]
	return e, ok, nil
}

func (k *memKeys) Record(_ context.Context, _ pgx.Tx, tenantID, scope, key string, e idempotency.Entry) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		k.keys = map[string]idempotency.Entry{}
	}
	full := tenantID + "/" + scope + "/" + key
	if _, ok := k.keys[full]; ok {
		return apperr.Conflict("duplicate_idempotency_key", "idempotency key %q already used", key)
	}
	k.keys[full] = e
	return nil
}
