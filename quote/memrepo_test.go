package quote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/apperr"
	"dealflow/lifecycle"
)

// memRepo is an in-memory Repository with the same conditional-update
// semantics as the Postgres one. Writes apply immediately; the fake tx only
// records commit and rollback.
type memRepo struct {
	mu     sync.Mutex
	quotes map[string]Quote
	seq    int

	// beforeTransition runs before the conditional check, outside the lock,
	// so tests can simulate a concurrent writer.
	beforeTransition func(t Transition)
}

func newMemRepo() *memRepo {
	return &memRepo{quotes: map[string]Quote{}}
}

func cloneQuote(q Quote) Quote {
	q.Items = append([]Item(nil), q.Items...)
	return q
}

func (r *memRepo) NextReference(_ context.Context, _ pgx.Tx, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("Q-%06d", r.seq), nil
}

func (r *memRepo) Insert(_ context.Context, _ pgx.Tx, q Quote) (Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q.SupersedesID != nil {
		for _, other := range r.quotes {
			if other.SupersedesID != nil && *other.SupersedesID == *q.SupersedesID {
				return Quote{}, apperr.Conflict("version_exists", "quote %s already has a newer version", *q.SupersedesID)
			}
		}
	}
	r.quotes[q.ID] = cloneQuote(q)
	return cloneQuote(q), nil
}

func (r *memRepo) lookup(tenantID, id string) (Quote, error) {
	q, ok := r.quotes[id]
	if !ok || q.TenantID != tenantID || q.DeletedAt != nil {
		return Quote{}, apperr.NotFound("quote", id)
	}
	return cloneQuote(q), nil
}

func (r *memRepo) Get(_ context.Context, tenantID, id string) (Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(tenantID, id)
}

func (r *memRepo) GetTx(_ context.Context, _ pgx.Tx, tenantID, id string) (Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(tenantID, id)
}

func (r *memRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, tenantID, id string) (Quote, error) {
	return r.GetTx(ctx, tx, tenantID, id)
}

func (r *memRepo) GetByToken(_ context.Context, _ pgx.Tx, token string) (Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.quotes {
		if q.PublicToken == token {
			return cloneQuote(q), nil
		}
	}
	return Quote{}, apperr.NotFound("quote", "")
}

func (r *memRepo) List(_ context.Context, tenantID string, filters Filters) ([]Quote, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Quote
	for _, q := range r.quotes {
		if q.TenantID != tenantID || q.DeletedAt != nil {
			continue
		}
		if filters.Status != "" && q.Status != filters.Status {
			continue
		}
		out = append(out, cloneQuote(q))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out, len(out), nil
}

func (r *memRepo) ListLineage(_ context.Context, tenantID, id string) ([]Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start, err := r.lookup(tenantID, id)
	if err != nil {
		return nil, err
	}
	root := start
	for root.SupersedesID != nil {
		parent, ok := r.quotes[*root.SupersedesID]
		if !ok {
			break
		}
		root = parent
	}
	out := []Quote{cloneQuote(root)}
	for cur := root.ID; ; {
		var next *Quote
		for _, q := range r.quotes {
			if q.SupersedesID != nil && *q.SupersedesID == cur {
				c := cloneQuote(q)
				next = &c
				break
			}
		}
		if next == nil {
			break
		}
		out = append(out, *next)
		cur = next.ID
	}
	return out, nil
}

func (r *memRepo) UpdateHeader(_ context.Context, _ pgx.Tx, q Quote) (Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.quotes[q.ID]
	if !ok {
		return Quote{}, apperr.NotFound("quote", q.ID)
	}
	q.Items = stored.Items
	r.quotes[q.ID] = cloneQuote(q)
	return cloneQuote(q), nil
}

func (r *memRepo) SaveTotals(_ context.Context, _ pgx.Tx, q Quote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := r.quotes[q.ID]
	stored.Totals = q.Totals
	stored.UpdatedAt = q.UpdatedAt
	r.quotes[q.ID] = stored
	return nil
}

func (r *memRepo) InsertItem(_ context.Context, _ pgx.Tx, it Item) (Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.quotes[it.QuoteID]
	q.Items = append(append([]Item(nil), q.Items...), it)
	r.quotes[it.QuoteID] = q
	return it, nil
}

func (r *memRepo) UpdateItem(_ context.Context, _ pgx.Tx, it Item) (Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.quotes[it.QuoteID]
	items := append([]Item(nil), q.Items...)
	for i := range items {
		if items[i].ID == it.ID {
			items[i] = it
			q.Items = items
			r.quotes[it.QuoteID] = q
			return it, nil
		}
	}
	return Item{}, apperr.NotFound("quote_item", it.ID)
}

func (r *memRepo) DeleteItem(_ context.Context, _ pgx.Tx, quoteID, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.quotes[quoteID]
	var kept []Item
	for _, it := range q.Items {
		if it.ID != itemID {
			kept = append(kept, it)
		}
	}
	q.Items = kept
	r.quotes[quoteID] = q
	return nil
}

func (r *memRepo) Transition(_ context.Context, _ pgx.Tx, t Transition) (Quote, error) {
	if r.beforeTransition != nil {
		r.beforeTransition(t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotes[t.ID]
	if !ok || q.TenantID != t.TenantID || q.DeletedAt != nil || q.Status != t.From {
		return Quote{}, errConcurrent(t.ID)
	}
	if t.ExpectedVersion != nil && q.Version != *t.ExpectedVersion {
		return Quote{}, errConcurrent(t.ID)
	}

	at := t.At
	q.Status = t.To
	q.UpdatedAt = at
	switch t.To {
	case lifecycle.QuoteSent:
		q.SentAt = &at
	case lifecycle.QuoteViewed:
		q.ViewedAt = &at
	case lifecycle.QuoteAccepted:
		q.AcceptedAt = &at
	case lifecycle.QuoteRejected:
		q.RejectedAt = &at
	case lifecycle.QuoteConverted:
		q.ConvertedAt = &at
	case lifecycle.QuoteSuperseded:
		q.SupersededAt = &at
	}
	if t.ValidUntil != nil {
		q.ValidUntil = t.ValidUntil
	}
	if t.Acceptance != nil {
		a := *t.Acceptance
		q.Acceptance = &a
	}
	if t.RejectionReason != nil {
		q.RejectionReason = t.RejectionReason
	}
	r.quotes[q.ID] = q
	return cloneQuote(q), nil
}

func (r *memRepo) SoftDelete(_ context.Context, _ pgx.Tx, d Deletion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotes[d.ID]
	if !ok || q.TenantID != d.TenantID || q.DeletedAt != nil || !lifecycle.Contains(d.From, q.Status) {
		return errConcurrent(d.ID)
	}
	at := d.At
	q.DeletedAt = &at
	r.quotes[d.ID] = q
	return nil
}

func (r *memRepo) ExpireDue(_ context.Context, _ pgx.Tx, now time.Time, limit int) ([]Expiry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Expiry
	for id, q := range r.quotes {
		if len(out) >= limit {
			break
		}
		if q.DeletedAt != nil || !lifecycle.Contains(lifecycle.QuoteOpenStatuses, q.Status) {
			continue
		}
		if q.ValidUntil == nil || !q.ValidUntil.Before(now) {
			continue
		}
		out = append(out, Expiry{ID: id, TenantID: q.TenantID, Reference: q.Reference, From: q.Status})
		at := now
		q.Status = lifecycle.QuoteExpired
		q.ExpiredAt = &at
		r.quotes[id] = q
	}
	return out, nil
}

// seed stores q directly, bypassing the service.
func (r *memRepo) seed(q Quote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotes[q.ID] = cloneQuote(q)
}

func (r *memRepo) status(id string) lifecycle.QuoteStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quotes[id].Status
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.quotes)
}
