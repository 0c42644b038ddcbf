// Package checkout turns paid Stripe Checkout sessions into orders. The
// session metadata names the tenant and quote; the session id doubles as the
// conversion's idempotency key so Stripe's redeliveries are harmless.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"dealflow/apperr"
	"dealflow/conversion"
	"dealflow/httpx"
	"dealflow/lifecycle"
	"dealflow/quote"
	"dealflow/tenant"
)

// Actor is recorded on everything a webhook changes.
const Actor = "system:stripe"

const maxPayloadBytes = 64 << 10

type Tenants interface {
	Resolve(ctx context.Context, id string) (tenant.Tenant, error)
}

type Quotes interface {
	Get(ctx context.Context, scope tenant.Scope, id string) (quote.Quote, error)
	Accept(ctx context.Context, scope tenant.Scope, id string, params quote.AcceptParams) (quote.Quote, error)
}

type Converter interface {
	ConvertQuoteToOrder(ctx context.Context, scope tenant.Scope, quoteID string, params conversion.QuoteToOrderParams) (conversion.QuoteToOrderResult, error)
}

type Handler struct {
	secret    string
	tenants   Tenants
	quotes    Quotes
	converter Converter
	logger    *slog.Logger
}

func NewHandler(secret string, tenants Tenants, quotes Quotes, converter Converter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{secret: secret, tenants: tenants, quotes: quotes, converter: converter, logger: logger}
}

// Outcome is the JSON body returned to Stripe.
type Outcome struct {
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	OrderID  string `json:"order_id,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

const (
	statusConverted = "converted"
	statusIgnored   = "ignored"
	statusSkipped   = "skipped"
)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		httpx.WriteError(w, r, apperr.Validation("malformed_body", "read webhook body: %v", err))
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.WarnContext(r.Context(), "stripe webhook rejected", "error", err)
		httpx.WriteError(w, r, apperr.Validation("invalid_signature", "webhook signature verification failed"))
		return
	}

	out, err := h.Process(r.Context(), event)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// Process handles a verified event. Business outcomes that a redelivery
// cannot change are reported as skipped with a nil error, so Stripe stops
// retrying; infrastructure failures return an error and a 5xx.
func (h *Handler) Process(ctx context.Context, event stripe.Event) (Outcome, error) {
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		return Outcome{Status: statusIgnored, Reason: "unhandled_event"}, nil
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return Outcome{}, apperr.Validation("malformed_event", "decode checkout session: %v", err)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return Outcome{Status: statusIgnored, Reason: "not_paid"}, nil
	}
	tenantID := strings.TrimSpace(session.Metadata["tenant_id"])
	quoteID := strings.TrimSpace(session.Metadata["quote_id"])
	if tenantID == "" || quoteID == "" {
		h.logger.WarnContext(ctx, "checkout session without quote metadata", "session_id", session.ID)
		return Outcome{Status: statusIgnored, Reason: "missing_metadata"}, nil
	}

	t, err := h.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return h.skip(ctx, session.ID, err)
	}
	scope := tenant.Scope{TenantID: t.ID, ActorID: Actor}

	if err := h.acceptIfOpen(ctx, scope, quoteID, session); err != nil {
		return h.skip(ctx, session.ID, err)
	}

	res, err := h.converter.ConvertQuoteToOrder(ctx, scope, quoteID, conversion.QuoteToOrderParams{
		IdempotencyKey: "stripe:" + session.ID,
		Notes:          "Paid through Stripe Checkout " + session.ID,
	})
	if err != nil {
		return h.skip(ctx, session.ID, err)
	}
	h.logger.InfoContext(ctx, "checkout converted",
		"session_id", session.ID,
		"tenant_id", scope.TenantID,
		"quote_id", quoteID,
		"order_id", res.Order.ID,
		"replayed", res.Replayed,
	)
	return Outcome{Status: statusConverted, OrderID: res.Order.ID, Replayed: res.Replayed}, nil
}

// acceptIfOpen accepts a quote the payer never accepted through its link.
func (h *Handler) acceptIfOpen(ctx context.Context, scope tenant.Scope, quoteID string, session stripe.CheckoutSession) error {
	q, err := h.quotes.Get(ctx, scope, quoteID)
	if err != nil {
		return err
	}
	if q.Status != lifecycle.QuoteSent && q.Status != lifecycle.QuoteViewed {
		return nil
	}
	params := quote.AcceptParams{}
	if d := session.CustomerDetails; d != nil {
		params.Name = d.Name
		params.Email = d.Email
	}
	_, err = h.quotes.Accept(ctx, scope, quoteID, params)
	if errors.Is(err, apperr.ErrConflict) {
		// Accepted concurrently; conversion re-reads the status.
		return nil
	}
	return err
}

func (h *Handler) skip(ctx context.Context, sessionID string, err error) (Outcome, error) {
	switch apperr.KindOf(err) {
	case apperr.KindInternal:
		return Outcome{}, err
	default:
		h.logger.WarnContext(ctx, "checkout session not converted", "session_id", sessionID, "error", err)
		return Outcome{Status: statusSkipped, Reason: apperr.CodeOf(err)}, nil
	}
}
