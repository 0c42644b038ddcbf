package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dealflow/agreement"
	"dealflow/apperr"
	"dealflow/auth"
	"dealflow/conversion"
	"dealflow/httpx"
	"dealflow/lifecycle"
	"dealflow/order"
	"dealflow/quote"
	"dealflow/tenant"
)

type quoteService interface {
	Create(ctx context.Context, scope tenant.Scope, params quote.CreateParams) (quote.Quote, error)
	Get(ctx context.Context, scope tenant.Scope, id string) (quote.Quote, error)
	List(ctx context.Context, scope tenant.Scope, filters quote.Filters) (quote.ListResult, error)
	ListLineage(ctx context.Context, scope tenant.Scope, id string) ([]quote.Quote, error)
	Update(ctx context.Context, scope tenant.Scope, id string, params quote.UpdateParams) (quote.Quote, error)
	SoftDelete(ctx context.Context, scope tenant.Scope, id, reason string) error
	AddItem(ctx context.Context, scope tenant.Scope, quoteID string, params quote.ItemParams) (quote.Quote, error)
	UpdateItem(ctx context.Context, scope tenant.Scope, quoteID, itemID string, params quote.ItemParams) (quote.Quote, error)
	RemoveItem(ctx context.Context, scope tenant.Scope, quoteID, itemID string) (quote.Quote, error)
	Send(ctx context.Context, scope tenant.Scope, id string, params quote.SendParams) (quote.Quote, error)
	Accept(ctx context.Context, scope tenant.Scope, id string, params quote.AcceptParams) (quote.Quote, error)
	Reject(ctx context.Context, scope tenant.Scope, id string, params quote.RejectParams) (quote.Quote, error)
	NewVersion(ctx context.Context, scope tenant.Scope, id string, expectedVersion *int) (quote.Quote, error)
	View(ctx context.Context, rawToken string, meta quote.ViewParams) (quote.Quote, error)
	PublicAccept(ctx context.Context, rawToken string, params quote.AcceptParams) (quote.Quote, error)
	PublicReject(ctx context.Context, rawToken string, params quote.RejectParams) (quote.Quote, error)
}

type orderService interface {
	Create(ctx context.Context, scope tenant.Scope, params order.CreateParams) (order.Order, error)
	Get(ctx context.Context, scope tenant.Scope, id string) (order.Order, error)
	List(ctx context.Context, scope tenant.Scope, filters order.Filters) (order.ListResult, error)
	Update(ctx context.Context, scope tenant.Scope, id string, params order.UpdateParams) (order.Order, error)
	UpdateStatus(ctx context.Context, scope tenant.Scope, id string, to lifecycle.OrderStatus, reason string) (order.Order, error)
	Cancel(ctx context.Context, scope tenant.Scope, id, reason string) (order.Order, error)
	UpdateFulfillmentStatus(ctx context.Context, scope tenant.Scope, id string, to lifecycle.FulfillmentStatus) (order.Order, error)
	SoftDelete(ctx context.Context, scope tenant.Scope, id, reason string) error
}

type agreementService interface {
	Create(ctx context.Context, scope tenant.Scope, params agreement.CreateParams) (agreement.Agreement, error)
	Get(ctx context.Context, scope tenant.Scope, id string) (agreement.Agreement, error)
	List(ctx context.Context, scope tenant.Scope, filters agreement.Filters) (agreement.ListResult, error)
	ListLineage(ctx context.Context, scope tenant.Scope, id string) ([]agreement.Agreement, error)
	Update(ctx context.Context, scope tenant.Scope, id string, params agreement.UpdateParams) (agreement.Agreement, error)
	SoftDelete(ctx context.Context, scope tenant.Scope, id, reason string) error
	NewVersion(ctx context.Context, scope tenant.Scope, id string, expectedVersion *int) (agreement.Agreement, error)
	SubmitForSignature(ctx context.Context, scope tenant.Scope, id string) (agreement.Agreement, error)
	RecordClientSignature(ctx context.Context, scope tenant.Scope, id string, params agreement.ClientSignatureParams) (agreement.Agreement, error)
	RecordProviderSignature(ctx context.Context, scope tenant.Scope, id string, params agreement.ProviderSignatureParams) (agreement.Agreement, error)
	Terminate(ctx context.Context, scope tenant.Scope, id, reason string) (agreement.Agreement, error)
	PublicView(ctx context.Context, rawToken string) (agreement.Agreement, error)
	PublicSign(ctx context.Context, rawToken string, params agreement.ClientSignatureParams) (agreement.Agreement, error)
}

type conversionService interface {
	ConvertQuoteToOrder(ctx context.Context, scope tenant.Scope, quoteID string, params conversion.QuoteToOrderParams) (conversion.QuoteToOrderResult, error)
	AttachAgreement(ctx context.Context, scope tenant.Scope, orderID string, params conversion.AttachParams) (conversion.AttachResult, error)
}

type authService interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Claims, error)
}

type tenantResolver interface {
	Resolve(ctx context.Context, id string) (tenant.Tenant, error)
}

// Server wires the HTTP surface to the lifecycle services.
type Server struct {
	quoteService      quoteService
	orderService      orderService
	agreementService  agreementService
	conversionService conversionService
	authService       authService
	tenants           tenantResolver
	// checkout and metrics are optional.
	checkout       http.Handler
	metrics        http.Handler
	logger         *slog.Logger
	requestTimeout time.Duration
}

type ctxKey string

const ctxKeyRole ctxKey = "role"

const headerIdempotencyKey = "Idempotency-Key"

func (s *Server) routes() http.Handler {
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpx.Logger(logger))
	r.Use(middleware.Recoverer)
	if s.requestTimeout > 0 {
		r.Use(middleware.Timeout(s.requestTimeout))
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.checkout != nil {
		r.Method(http.MethodPost, "/webhooks/stripe", s.checkout)
	}
	r.Post("/auth/login", s.handleLogin)

	r.Route("/public", func(r chi.Router) {
		r.Get("/quotes/{token}", s.handlePublicQuote)
		r.Post("/quotes/{token}/accept", s.handlePublicAcceptQuote)
		r.Post("/quotes/{token}/reject", s.handlePublicRejectQuote)
		r.Get("/agreements/{token}", s.handlePublicAgreement)
		r.Post("/agreements/{token}/sign", s.handlePublicSignAgreement)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(requireWriter)

		r.Route("/quotes", func(r chi.Router) {
			r.Get("/", s.handleListQuotes)
			r.Post("/", s.handleCreateQuote)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetQuote)
				r.Put("/", s.handleUpdateQuote)
				r.Delete("/", s.handleDeleteQuote)
				r.Get("/lineage", s.handleQuoteLineage)
				r.Post("/items", s.handleAddQuoteItem)
				r.Put("/items/{itemID}", s.handleUpdateQuoteItem)
				r.Delete("/items/{itemID}", s.handleRemoveQuoteItem)
				r.Post("/send", s.handleSendQuote)
				r.Post("/accept", s.handleAcceptQuote)
				r.Post("/reject", s.handleRejectQuote)
				r.Post("/versions", s.handleNewQuoteVersion)
				r.Post("/convert", s.handleConvertQuote)
			})
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", s.handleListOrders)
			r.Post("/", s.handleCreateOrder)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetOrder)
				r.Put("/", s.handleUpdateOrder)
				r.Delete("/", s.handleDeleteOrder)
				r.Post("/cancel", s.handleCancelOrder)
				r.Put("/status", s.handleOrderStatus)
				r.Put("/fulfillment-status", s.handleFulfillmentStatus)
				r.Post("/agreements", s.handleAttachAgreement)
			})
		})

		r.Route("/agreements", func(r chi.Router) {
			r.Get("/", s.handleListAgreements)
			r.Post("/", s.handleCreateAgreement)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAgreement)
				r.Put("/", s.handleUpdateAgreement)
				r.Delete("/", s.handleDeleteAgreement)
				r.Get("/lineage", s.handleAgreementLineage)
				r.Post("/submit", s.handleSubmitAgreement)
				r.Post("/client-signature", s.handleClientSignature)
				r.Post("/provider-signature", s.handleProviderSignature)
				r.Post("/terminate", s.handleTerminateAgreement)
				r.Post("/versions", s.handleNewAgreementVersion)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate verifies the bearer token, confirms the tenant is active and
// puts the operator's tenant.Scope on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			httpx.WriteStatus(w, r, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := s.authService.VerifyToken(strings.TrimSpace(raw))
		if err != nil {
			httpx.WriteStatus(w, r, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		if _, err := s.tenants.Resolve(r.Context(), claims.TenantID); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				httpx.WriteStatus(w, r, http.StatusUnauthorized, "unauthorized", "tenant is not active")
				return
			}
			httpx.WriteError(w, r, err)
			return
		}

		ctx := tenant.WithScope(r.Context(), tenant.Scope{TenantID: claims.TenantID, ActorID: claims.OperatorID})
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireWriter rejects mutating requests from read-only roles.
func requireWriter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
		default:
			role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
			if !role.CanWrite() {
				httpx.WriteStatus(w, r, http.StatusForbidden, "forbidden", "role is read-only")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// scopeFrom returns the operator scope set by authenticate.
func scopeFrom(r *http.Request) tenant.Scope {
	scope, _ := tenant.FromContext(r.Context())
	return scope
}
