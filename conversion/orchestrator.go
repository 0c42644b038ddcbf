// Package conversion runs the multi-entity transactions: an accepted quote
// becomes an order, and an order gains an agreement. Each conversion is one
// transaction and can be made retry-safe with an idempotency key.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/agreement"
	"dealflow/apperr"
	"dealflow/db"
	"dealflow/idempotency"
	"dealflow/lifecycle"
	"dealflow/metrics"
	"dealflow/order"
	"dealflow/quote"
	"dealflow/tenant"
)

// Idempotency key scopes.
const (
	quoteConvertScope    = "quote.convert"
	attachAgreementScope = "order.attach_agreement"
)

// Metric kinds.
const (
	kindQuoteOrder     = "quote_order"
	kindOrderAgreement = "order_agreement"
)

type Quotes interface {
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id string) (quote.Quote, error)
	MarkConverted(ctx context.Context, tx pgx.Tx, scope tenant.Scope, q quote.Quote, orderID string) (quote.Quote, error)
}

type Orders interface {
	GetTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id string) (order.Order, error)
	FindBySourceQuote(ctx context.Context, tx pgx.Tx, scope tenant.Scope, quoteID string) (order.Order, bool, error)
	CreateTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, params order.CreateParams) (order.Order, error)
}

type Agreements interface {
	GetTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id string) (agreement.Agreement, error)
	CreateTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, params agreement.CreateParams) (agreement.Agreement, error)
	AttachTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id, orderID string) (agreement.Agreement, error)
}

// KeyStore is satisfied by *idempotency.Store.
type KeyStore interface {
	Lookup(ctx context.Context, tx pgx.Tx, tenantID, scope, key string) (idempotency.Entry, bool, error)
	Record(ctx context.Context, tx pgx.Tx, tenantID, scope, key string, e idempotency.Entry) error
}

type Orchestrator struct {
	pool       db.TxBeginner
	quotes     Quotes
	orders     Orders
	agreements Agreements
	keys       KeyStore
	metrics    *metrics.Recorder
}

func NewOrchestrator(pool db.TxBeginner, quotes Quotes, orders Orders, agreements Agreements, keys KeyStore) *Orchestrator {
	return &Orchestrator{pool: pool, quotes: quotes, orders: orders, agreements: agreements, keys: keys}
}

func (o *Orchestrator) WithMetrics(m *metrics.Recorder) *Orchestrator {
	o.metrics = m
	return o
}

type QuoteToOrderParams struct {
	IdempotencyKey string
	OrderType      lifecycle.OrderType
	EffectiveDate  *time.Time
	ExpiryDate     *time.Time
	Notes          string
}

type QuoteToOrderResult struct {
	Order order.Order
	// Replayed is true when the key had already produced Order.
	Replayed bool
}

// ConvertQuoteToOrder creates an order from an accepted quote and moves the
// quote to converted. Either both happen or neither does. A retry with the
// same idempotency key returns the order created by the first attempt.
func (o *Orchestrator) ConvertQuoteToOrder(ctx context.Context, scope tenant.Scope, quoteID string, params QuoteToOrderParams) (QuoteToOrderResult, error) {
	if err := scope.Validate(); err != nil {
		return QuoteToOrderResult{}, err
	}
	key, err := idempotency.Normalize(params.IdempotencyKey)
	if err != nil {
		return QuoteToOrderResult{}, err
	}
	if params.OrderType != "" && !params.OrderType.Valid() {
		return QuoteToOrderResult{}, apperr.Invalid(apperr.Fields{"order_type": "invalid"})
	}

	res, err := o.convertQuote(ctx, scope, quoteID, key, params)
	if err != nil && key != "" && errors.Is(err, apperr.ErrConflict) {
		// A concurrent attempt with the same key may have committed first.
		if replayed, ok := o.replayOrder(ctx, scope, quoteID, key); ok {
			res, err = replayed, nil
		}
	}
	o.metrics.Conversion(kindQuoteOrder, result(err, res.Replayed))
	return res, err
}

func (o *Orchestrator) convertQuote(ctx context.Context, scope tenant.Scope, quoteID, key string, params QuoteToOrderParams) (QuoteToOrderResult, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return QuoteToOrderResult{}, fmt.Errorf("conversion: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if key != "" {
		entry, found, err := o.keys.Lookup(ctx, tx, scope.TenantID, quoteConvertScope, key)
		if err != nil {
			return QuoteToOrderResult{}, err
		}
		if found {
			orderID, err := entry.Replay(key, quoteID)
			if err != nil {
				return QuoteToOrderResult{}, err
			}
			ord, err := o.orders.GetTx(ctx, tx, scope, orderID)
			if err != nil {
				return QuoteToOrderResult{}, err
			}
			return QuoteToOrderResult{Order: ord, Replayed: true}, nil
		}
	}

	q, err := o.quotes.GetForUpdateTx(ctx, tx, scope, quoteID)
	if err != nil {
		return QuoteToOrderResult{}, err
	}
	switch q.Status {
	case lifecycle.QuoteAccepted:
	case lifecycle.QuoteConverted:
		return QuoteToOrderResult{}, apperr.Conflict("already_converted", "quote %s is already converted", q.Reference)
	default:
		return QuoteToOrderResult{}, apperr.BusinessRule("quote_not_accepted", "quote %s is %s, not accepted", q.Reference, q.Status)
	}

	if existing, found, err := o.orders.FindBySourceQuote(ctx, tx, scope, q.ID); err != nil {
		return QuoteToOrderResult{}, err
	} else if found {
		return QuoteToOrderResult{}, apperr.Conflict("order_exists", "quote %s already has order %s", q.Reference, existing.Reference)
	}

	ord, err := o.orders.CreateTx(ctx, tx, scope, order.CreateParams{
		Type:          params.OrderType,
		Currency:      q.Currency,
		TotalValue:    q.Totals.Total,
		EffectiveDate: params.EffectiveDate,
		ExpiryDate:    params.ExpiryDate,
		SourceQuoteID: &q.ID,
		Notes:         params.Notes,
	})
	if err != nil {
		return QuoteToOrderResult{}, err
	}
	if _, err := o.quotes.MarkConverted(ctx, tx, scope, q, ord.ID); err != nil {
		return QuoteToOrderResult{}, err
	}
	if key != "" {
		if err := o.keys.Record(ctx, tx, scope.TenantID, quoteConvertScope, key, idempotency.Entry{TargetID: q.ID, ResourceID: ord.ID}); err != nil {
			return QuoteToOrderResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return QuoteToOrderResult{}, fmt.Errorf("conversion: commit tx: %w", err)
	}
	return QuoteToOrderResult{Order: ord}, nil
}

func (o *Orchestrator) replayOrder(ctx context.Context, scope tenant.Scope, quoteID, key string) (QuoteToOrderResult, bool) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return QuoteToOrderResult{}, false
	}
	defer tx.Rollback(ctx)

	entry, found, err := o.keys.Lookup(ctx, tx, scope.TenantID, quoteConvertScope, key)
	if err != nil || !found {
		return QuoteToOrderResult{}, false
	}
	orderID, err := entry.Replay(key, quoteID)
	if err != nil {
		return QuoteToOrderResult{}, false
	}
	ord, err := o.orders.GetTx(ctx, tx, scope, orderID)
	if err != nil {
		return QuoteToOrderResult{}, false
	}
	return QuoteToOrderResult{Order: ord, Replayed: true}, true
}

// AttachParams names an existing agreement or describes a new one. Exactly
// one of AgreementID and New must be set.
type AttachParams struct {
	AgreementID    string
	New            *agreement.CreateParams
	IdempotencyKey string
}

type AttachResult struct {
	Agreement agreement.Agreement
	Created   bool
	Replayed  bool
}

// AttachAgreement links an agreement to an order, creating it when New is
// set. The order's own status is never changed.
func (o *Orchestrator) AttachAgreement(ctx context.Context, scope tenant.Scope, orderID string, params AttachParams) (AttachResult, error) {
	if err := scope.Validate(); err != nil {
		return AttachResult{}, err
	}
	key, err := idempotency.Normalize(params.IdempotencyKey)
	if err != nil {
		return AttachResult{}, err
	}
	if (params.AgreementID == "") == (params.New == nil) {
		return AttachResult{}, apperr.Invalid(apperr.Fields{"agreement": "exactly_one_of_id_or_new"})
	}

	res, err := o.attach(ctx, scope, orderID, key, params)
	o.metrics.Conversion(kindOrderAgreement, result(err, res.Replayed))
	return res, err
}

func (o *Orchestrator) attach(ctx context.Context, scope tenant.Scope, orderID, key string, params AttachParams) (AttachResult, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return AttachResult{}, fmt.Errorf("conversion: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if key != "" {
		entry, found, err := o.keys.Lookup(ctx, tx, scope.TenantID, attachAgreementScope, key)
		if err != nil {
			return AttachResult{}, err
		}
		if found {
			agreementID, err := entry.Replay(key, orderID)
			if err != nil {
				return AttachResult{}, err
			}
			a, err := o.agreements.GetTx(ctx, tx, scope, agreementID)
			if err != nil {
				return AttachResult{}, err
			}
			return AttachResult{Agreement: a, Replayed: true}, nil
		}
	}

	ord, err := o.orders.GetTx(ctx, tx, scope, orderID)
	if err != nil {
		return AttachResult{}, err
	}
	if ord.Status == lifecycle.OrderCancelled {
		return AttachResult{}, apperr.BusinessRule("order_cancelled", "order %s is cancelled", ord.Reference)
	}

	var res AttachResult
	if params.New != nil {
		p := *params.New
		p.OrderID = &ord.ID
		res.Agreement, err = o.agreements.CreateTx(ctx, tx, scope, p)
		res.Created = true
	} else {
		res.Agreement, err = o.agreements.AttachTx(ctx, tx, scope, params.AgreementID, ord.ID)
	}
	if err != nil {
		return AttachResult{}, err
	}
	if key != "" {
		if err := o.keys.Record(ctx, tx, scope.TenantID, attachAgreementScope, key, idempotency.Entry{TargetID: ord.ID, ResourceID: res.Agreement.ID}); err != nil {
			return AttachResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return AttachResult{}, fmt.Errorf("conversion: commit tx: %w", err)
	}
	return res, nil
}

func result(err error, replayed bool) string {
	switch {
	case err == nil && replayed:
		return "replayed"
	case err == nil:
		return "created"
	default:
		return string(apperr.KindOf(err))
	}
}
