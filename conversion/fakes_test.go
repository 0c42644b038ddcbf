package conversion

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"dealflow/agreement"
	"dealflow/apperr"
	"dealflow/idempotency"
	"dealflow/lifecycle"
	"dealflow/order"
	"dealflow/quote"
	"dealflow/tenant"
	"dealflow/test/fakes"
)

// journal keeps every write with the transaction that made it. A read sees
// the latest write that is committed, seeded (nil tx) or made by the reader.
type journal[T any] struct {
	mu      sync.Mutex
	entries map[string][]journalEntry[T]
}

type journalEntry[T any] struct {
	tx  *fakes.Tx
	val T
}

func (j *journal[T]) write(tx pgx.Tx, id string, v T) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.entries == nil {
		j.entries = map[string][]journalEntry[T]{}
	}
	ftx, _ := tx.(*fakes.Tx)
	j.entries[id] = append(j.entries[id], journalEntry[T]{tx: ftx, val: v})
}

func (j *journal[T]) read(tx pgx.Tx, id string) (T, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ftx, _ := tx.(*fakes.Tx)
	entries := j.entries[id]
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.tx == nil || e.tx.Committed || e.tx == ftx {
			return e.val, true
		}
	}
	var zero T
	return zero, false
}

// visible lists the committed value of every id.
func (j *journal[T]) visible() []T {
	j.mu.Lock()
	ids := make([]string, 0, len(j.entries))
	for id := range j.entries {
		ids = append(ids, id)
	}
	j.mu.Unlock()
	var out []T
	for _, id := range ids {
		if v, ok := j.read(nil, id); ok {
			out = append(out, v)
		}
	}
	return out
}

type fakeQuotes struct {
	mu     sync.Mutex
	locked []string
	rows   journal[quote.Quote]
	// markErr, when set, fails MarkConverted.
	markErr error
}

func (f *fakeQuotes) seed(q quote.Quote) { f.rows.write(nil, q.ID, q) }

func (f *fakeQuotes) GetForUpdateTx(_ context.Context, tx pgx.Tx, scope tenant.Scope, id string) (quote.Quote, error) {
	f.mu.Lock()
	f.locked = append(f.locked, id)
	f.mu.Unlock()
	q, ok := f.rows.read(tx, id)
	if !ok || q.TenantID != scope.TenantID || q.DeletedAt != nil {
		return quote.Quote{}, apperr.NotFound("quote", id)
	}
	return q, nil
}

func (f *fakeQuotes) MarkConverted(_ context.Context, tx pgx.Tx, _ tenant.Scope, q quote.Quote, orderID string) (quote.Quote, error) {
	if f.markErr != nil {
		return quote.Quote{}, f.markErr
	}
	if err := lifecycle.QuoteGraph.Check(q.Status, lifecycle.QuoteConverted); err != nil {
		return quote.Quote{}, err
	}
	cur, _ := f.rows.read(tx, q.ID)
	if cur.Status != q.Status {
		return quote.Quote{}, apperr.Conflict("concurrent_update", "quote %s was modified concurrently", q.ID)
	}
	cur.Status = lifecycle.QuoteConverted
	cur.Order = &quote.OrderRef{ID: orderID}
	f.rows.write(tx, q.ID, cur)
	return cur, nil
}

func (f *fakeQuotes) status(id string) lifecycle.QuoteStatus {
	q, _ := f.rows.read(nil, id)
	return q.Status
}

type fakeOrders struct {
	mu   sync.Mutex
	seq  int
	rows journal[order.Order]
}

func (f *fakeOrders) seed(o order.Order) { f.rows.write(nil, o.ID, o) }

func (f *fakeOrders) GetTx(_ context.Context, tx pgx.Tx, scope tenant.Scope, id string) (order.Order, error) {
	o, ok := f.rows.read(tx, id)
	if !ok || o.TenantID != scope.TenantID {
		return order.Order{}, apperr.NotFound("order", id)
	}
	return o, nil
}

func (f *fakeOrders) FindBySourceQuote(_ context.Context, tx pgx.Tx, scope tenant.Scope, quoteID string) (order.Order, bool, error) {
	f.rows.mu.Lock()
	ids := make([]string, 0, len(f.rows.entries))
	for id := range f.rows.entries {
		ids = append(ids, id)
	}
	f.rows.mu.Unlock()
	for _, id := range ids {
		o, ok := f.rows.read(tx, id)
		if ok && o.TenantID == scope.TenantID && o.SourceQuoteID != nil && *o.SourceQuoteID == quoteID {
			return o, true, nil
		}
	}
	return order.Order{}, false, nil
}

func (f *fakeOrders) CreateTx(_ context.Context, tx pgx.Tx, scope tenant.Scope, p order.CreateParams) (order.Order, error) {
	f.mu.Lock()
	f.seq++
	n := f.seq
	f.mu.Unlock()
	if p.Type == "" {
		p.Type = lifecycle.OrderTypeNew
	}
	o := order.Order{
		ID:                fmt.Sprintf("order-%d", n),
		TenantID:          scope.TenantID,
		Reference:         fmt.Sprintf("ORD-%06d", n),
		Status:            lifecycle.OrderPending,
		FulfillmentStatus: lifecycle.FulfillmentPending,
		Type:              p.Type,
		Currency:          p.Currency,
		TotalValue:        p.TotalValue,
		SourceQuoteID:     p.SourceQuoteID,
		Notes:             p.Notes,
		CreatedBy:         scope.ActorID,
	}
	f.rows.write(tx, o.ID, o)
	return o, nil
}

type fakeAgreements struct {
	mu   sync.Mutex
	seq  int
	rows journal[agreement.Agreement]
}

func (f *fakeAgreements) seed(a agreement.Agreement) { f.rows.write(nil, a.ID, a) }

func (f *fakeAgreements) GetTx(_ context.Context, tx pgx.Tx, scope tenant.Scope, id string) (agreement.Agreement, error) {
	a, ok := f.rows.read(tx, id)
	if !ok || a.TenantID != scope.TenantID {
		return agreement.Agreement{}, apperr.NotFound("agreement", id)
	}
	return a, nil
}

func (f *fakeAgreements) CreateTx(_ context.Context, tx pgx.Tx, scope tenant.Scope, p agreement.CreateParams) (agreement.Agreement, error) {
	f.mu.Lock()
	f.seq++
	n := f.seq
	f.mu.Unlock()
	a := agreement.Agreement{
		ID:        fmt.Sprintf("agreement-%d", n),
		TenantID:  scope.TenantID,
		Reference: fmt.Sprintf("AGR-%06d", n),
		Title:     p.Title,
		Type:      p.Type,
		Status:    lifecycle.AgreementDraft,
		OrderID:   p.OrderID,
		Version:   1,
	}
	f.rows.write(tx, a.ID, a)
	return a, nil
}

func (f *fakeAgreements) AttachTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id, orderID string) (agreement.Agreement, error) {
	a, err := f.GetTx(ctx, tx, scope, id)
	if err != nil {
		return agreement.Agreement{}, err
	}
	if a.OrderID != nil && *a.OrderID != orderID {
		return agreement.Agreement{}, apperr.Conflict("agreement_attached", "agreement %s is attached to another order", a.Reference)
	}
	a.OrderID = &orderID
	f.rows.write(tx, a.ID, a)
	return a, nil
}

type fakeKeys struct {
	rows journal[idempotency.Entry]
	// beforeRecord runs at the start of Record.
	beforeRecord func(tenantID, scope, key string)
}

func (f *fakeKeys) Lookup(_ context.Context, tx pgx.Tx, tenantID, scope, key string) (idempotency.Entry, bool, error) {
	e, ok := f.rows.read(tx, tenantID+"/"+scope+"/"+key)
	return e, ok, nil
}

func (f *fakeKeys) Record(_ context.Context, tx pgx.Tx, tenantID, scope, key string, e idempotency.Entry) error {
	if f.beforeRecord != nil {
		f.beforeRecord(tenantID, scope, key)
	}
	full := tenantID + "/" + scope + "/" + key
	if _, ok := f.rows.read(tx, full); ok {
		return apperr.Conflict("duplicate_idempotency_key", "idempotency key %q already used", key)
	}
	f.rows.write(tx, full, e)
	return nil
}
