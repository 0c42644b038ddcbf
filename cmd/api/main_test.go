package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dealflow/agreement"
	"dealflow/apperr"
	"dealflow/auth"
	"dealflow/config"
	"dealflow/conversion"
	"dealflow/httpx"
	"dealflow/lifecycle"
	"dealflow/order"
	"dealflow/quote"
	"dealflow/tenant"
)

const (
	adminToken  = "admin-token"
	viewerToken = "viewer-token"
)

type stubAuth struct {
	loginResult auth.LoginResult
	loginErr    error
}

func (s *stubAuth) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return s.loginResult, s.loginErr
}

func (s *stubAuth) VerifyToken(token string) (auth.Claims, error) {
	switch token {
	case adminToken:
		return auth.Claims{OperatorID: "op-1", TenantID: "t-1", Role: auth.RoleAdmin}, nil
	case viewerToken:
		return auth.Claims{OperatorID: "op-2", TenantID: "t-1", Role: auth.RoleViewer}, nil
	}
	return auth.Claims{}, auth.ErrInvalidToken
}

type stubTenants struct {
	err error
}

func (s *stubTenants) Resolve(_ context.Context, id string) (tenant.Tenant, error) {
	if s.err != nil {
		return tenant.Tenant{}, s.err
	}
	return tenant.Tenant{ID: id, Active: true}, nil
}

// Stubs embed the service interfaces; unexpected calls panic.

type stubQuotes struct {
	quoteService
	quote     quote.Quote
	err       error
	gotScope  tenant.Scope
	gotCreate quote.CreateParams
	gotAccept quote.AcceptParams
}

func (s *stubQuotes) Create(_ context.Context, scope tenant.Scope, params quote.CreateParams) (quote.Quote, error) {
	s.gotScope = scope
	s.gotCreate = params
	return s.quote, s.err
}

func (s *stubQuotes) Get(_ context.Context, scope tenant.Scope, _ string) (quote.Quote, error) {
	s.gotScope = scope
	return s.quote, s.err
}

func (s *stubQuotes) List(_ context.Context, _ tenant.Scope, _ quote.Filters) (quote.ListResult, error) {
	if s.err != nil {
		return quote.ListResult{}, s.err
	}
	return quote.ListResult{Items: []quote.Quote{s.quote}, Total: 1}, nil
}

func (s *stubQuotes) SoftDelete(_ context.Context, _ tenant.Scope, _, _ string) error {
	return s.err
}

func (s *stubQuotes) PublicAccept(_ context.Context, _ string, params quote.AcceptParams) (quote.Quote, error) {
	s.gotAccept = params
	return s.quote, s.err
}

func (s *stubQuotes) View(_ context.Context, _ string, _ quote.ViewParams) (quote.Quote, error) {
	return s.quote, s.err
}

type stubOrders struct {
	orderService
	order     order.Order
	err       error
	gotReason string
}

func (s *stubOrders) Cancel(_ context.Context, _ tenant.Scope, _, reason string) (order.Order, error) {
	s.gotReason = reason
	return s.order, s.err
}

type stubAgreements struct {
	agreementService
	agreement agreement.Agreement
	err       error
	gotClient agreement.ClientSignatureParams
}

func (s *stubAgreements) RecordClientSignature(_ context.Context, _ tenant.Scope, _ string, params agreement.ClientSignatureParams) (agreement.Agreement, error) {
	s.gotClient = params
	return s.agreement, s.err
}

type stubConversion struct {
	conversionService
	result conversion.QuoteToOrderResult
	err    error
	gotKey string
}

func (s *stubConversion) ConvertQuoteToOrder(_ context.Context, _ tenant.Scope, _ string, params conversion.QuoteToOrderParams) (conversion.QuoteToOrderResult, error) {
	s.gotKey = params.IdempotencyKey
	return s.result, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer() *Server {
	return &Server{
		quoteService:      &stubQuotes{},
		orderService:      &stubOrders{},
		agreementService:  &stubAgreements{},
		conversionService: &stubConversion{},
		authService:       &stubAuth{},
		tenants:           &stubTenants{},
		logger:            discardLogger(),
	}
}

func do(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httpx.ErrorBody {
	t.Helper()
	var body httpx.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestAuthenticate_MissingToken(t *testing.T) {
	rec := do(t, newTestServer(), http.MethodGet, "/quotes/q1", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Error.Code; got != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", got)
	}
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	rec := do(t, newTestServer(), http.MethodGet, "/quotes/q1", "forged", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticate_InactiveTenant(t *testing.T) {
	server := newTestServer()
	server.tenants = &stubTenants{err: apperr.NotFound("tenant", "t-1")}

	rec := do(t, server, http.MethodGet, "/quotes/q1", adminToken, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for inactive tenant, got %d", rec.Code)
	}
}

func TestRequireWriter_ViewerCannotMutate(t *testing.T) {
	server := newTestServer()
	rec := do(t, server, http.MethodPost, "/quotes", viewerToken, `{"title":"Q"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRequireWriter_ViewerCanRead(t *testing.T) {
	server := newTestServer()
	server.quoteService = &stubQuotes{quote: quote.Quote{ID: "q1", Status: lifecycle.QuoteDraft}}

	rec := do(t, server, http.MethodGet, "/quotes/q1", viewerToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleCreateQuote_Success(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	quotes := &stubQuotes{quote: quote.Quote{
		ID:        "q1",
		Reference: "Q-00001",
		Title:     "Platform rollout",
		Currency:  "USD",
		Status:    lifecycle.QuoteDraft,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	server := newTestServer()
	server.quoteService = quotes

	body := `{"title":"Platform rollout","currency":"USD","items":[{"name":"Seat","type":"one_time","unit_price":"10.00","quantity":"3"}]}`
	rec := do(t, server, http.MethodPost, "/quotes", adminToken, body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if quotes.gotScope.TenantID != "t-1" || quotes.gotScope.ActorID != "op-1" {
		t.Fatalf("scope not taken from token: %+v", quotes.gotScope)
	}
	if len(quotes.gotCreate.Items) != 1 || !quotes.gotCreate.Items[0].UnitPrice.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("items not decoded: %+v", quotes.gotCreate.Items)
	}

	var resp quoteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "q1" || resp.Reference != "Q-00001" || resp.Status != "draft" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
}

func TestHandleCreateQuote_MalformedBody(t *testing.T) {
	rec := do(t, newTestServer(), http.MethodPost, "/quotes", adminToken, `{"title":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCreateQuote_ValidationDetails(t *testing.T) {
	server := newTestServer()
	server.quoteService = &stubQuotes{err: apperr.Invalid(apperr.Fields{"title": "required"})}

	rec := do(t, server, http.MethodPost, "/quotes", adminToken, `{"title":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error.Code != "invalid_input" || body.Error.Details["title"] != "required" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestHandleGetQuote_NotFound(t *testing.T) {
	server := newTestServer()
	server.quoteService = &stubQuotes{err: apperr.NotFound("quote", "missing")}

	rec := do(t, server, http.MethodGet, "/quotes/missing", adminToken, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetQuote_UnexpectedError(t *testing.T) {
	server := newTestServer()
	server.quoteService = &stubQuotes{err: errors.New("boom")}

	rec := do(t, server, http.MethodGet, "/quotes/q1", adminToken, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}

func TestHandleListQuotes_Pagination(t *testing.T) {
	server := newTestServer()
	server.quoteService = &stubQuotes{quote: quote.Quote{ID: "q1", Status: lifecycle.QuoteSent}}

	rec := do(t, server, http.MethodGet, "/quotes?page=2&page_size=10", adminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload listResponse[quoteResponse]
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Total != 1 || payload.Page != 2 || payload.PageSize != 10 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleListQuotes_BadHasOrder(t *testing.T) {
	rec := do(t, newTestServer(), http.MethodGet, "/quotes?has_order=maybe", adminToken, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleDeleteQuote_NoBody(t *testing.T) {
	rec := do(t, newTestServer(), http.MethodDelete, "/quotes/q1", adminToken, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestHandleDeleteQuote_Converted(t *testing.T) {
	server := newTestServer()
	server.quoteService = &stubQuotes{err: apperr.BusinessRule("invalid_state", "quote has an order")}

	rec := do(t, server, http.MethodDelete, "/quotes/q1", adminToken, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandlePublicAcceptQuote_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unknown token", apperr.NotFound("quote", "tok"), http.StatusNotFound},
		{"expired", apperr.Expired("quote_expired", "quote has expired"), http.StatusGone},
		{"wrong state", apperr.BusinessRule("invalid_transition", "quote is rejected"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer()
			server.quoteService = &stubQuotes{err: tc.err}

			rec := do(t, server, http.MethodPost, "/public/quotes/tok/accept", "", `{"name":"Ada","email":"ada@example.com"}`)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestHandlePublicAcceptQuote_HidesOperatorFields(t *testing.T) {
	orderID := "o1"
	quotes := &stubQuotes{quote: quote.Quote{
		ID:          "q1",
		Status:      lifecycle.QuoteAccepted,
		PublicToken: "tok",
		Notes:       "internal",
		Order:       &quote.OrderRef{ID: orderID},
	}}
	server := newTestServer()
	server.quoteService = quotes

	req := httptest.NewRequest(http.MethodPost, "/public/quotes/tok/accept", strings.NewReader(`{"name":"Ada","email":"ada@example.com"}`))
	req.Header.Set("User-Agent", "browser/1.0")
	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if quotes.gotAccept.Name != "Ada" || quotes.gotAccept.UserAgent != "browser/1.0" {
		t.Fatalf("acceptance not forwarded: %+v", quotes.gotAccept)
	}
	for _, field := range []string{`"id"`, `"public_token"`, `"order_id"`, `"notes"`} {
		if bytes.Contains(rec.Body.Bytes(), []byte(field)) {
			t.Fatalf("public response exposes %s: %s", field, rec.Body.String())
		}
	}
}

func TestHandleConvertQuote_CreatedThenReplayed(t *testing.T) {
	conv := &stubConversion{result: conversion.QuoteToOrderResult{Order: order.Order{ID: "o1", Status: lifecycle.OrderPending}}}
	server := newTestServer()
	server.conversionService = conv

	req := httptest.NewRequest(http.MethodPost, "/quotes/q1/convert", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set(headerIdempotencyKey, "key-1")
	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if conv.gotKey != "key-1" {
		t.Fatalf("idempotency key not forwarded, got %q", conv.gotKey)
	}

	conv.result.Replayed = true
	rec = httptest.NewRecorder()
	server.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", rec.Code)
	}
	if rec.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay header")
	}
	var resp orderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "o1" {
		t.Fatalf("unexpected order: %+v", resp)
	}
}

func TestHandleConvertQuote_NotAccepted(t *testing.T) {
	server := newTestServer()
	server.conversionService = &stubConversion{err: apperr.BusinessRule("quote_not_accepted", "quote must be accepted")}

	rec := do(t, server, http.MethodPost, "/quotes/q1/convert", adminToken, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Error.Code; got != "quote_not_accepted" {
		t.Fatalf("unexpected code %q", got)
	}
}

func TestHandleCancelOrder_ForwardsReason(t *testing.T) {
	orders := &stubOrders{order: order.Order{ID: "o1", Status: lifecycle.OrderCancelled}}
	server := newTestServer()
	server.orderService = orders

	rec := do(t, server, http.MethodPost, "/orders/o1/cancel", adminToken, `{"reason":"customer withdrew"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if orders.gotReason != "customer withdrew" {
		t.Fatalf("reason not forwarded, got %q", orders.gotReason)
	}
}

func TestHandleClientSignature_ForwardsKeyAndIP(t *testing.T) {
	agreements := &stubAgreements{agreement: agreement.Agreement{ID: "a1", Status: lifecycle.AgreementPendingSignature}}
	server := newTestServer()
	server.agreementService = agreements

	req := httptest.NewRequest(http.MethodPost, "/agreements/a1/client-signature", strings.NewReader(`{"name":"Ada","email":"ada@example.com"}`))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set(headerIdempotencyKey, "sig-1")
	req.RemoteAddr = "203.0.113.7:5000"
	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if agreements.gotClient.IdempotencyKey != "sig-1" || agreements.gotClient.Email != "ada@example.com" {
		t.Fatalf("unexpected params: %+v", agreements.gotClient)
	}
	if agreements.gotClient.IP == "" {
		t.Fatalf("expected client IP to be recorded")
	}
}

func TestHandleLogin(t *testing.T) {
	expires := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	server := newTestServer()
	server.authService = &stubAuth{loginResult: auth.LoginResult{
		Token:     "jwt",
		ExpiresAt: expires,
		Operator:  auth.Operator{ID: "op-1", TenantID: "t-1", Email: "ops@example.com", Role: auth.RoleSales},
	}}

	rec := do(t, server, http.MethodPost, "/auth/login", "", `{"email":"ops@example.com","password":"secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token != "jwt" || resp.Operator.TenantID != "t-1" || resp.Operator.Role != "sales" {
		t.Fatalf("unexpected login payload: %+v", resp)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	server := newTestServer()
	server.authService = &stubAuth{loginErr: auth.ErrInvalidCredentials}

	rec := do(t, server, http.MethodPost, "/auth/login", "", `{"email":"ops@example.com","password":"nope"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(), http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestNewLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "dealflow version ") {
		t.Fatalf("unexpected version output: %q", out.String())
	}
}
