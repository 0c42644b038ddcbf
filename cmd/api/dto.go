package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dealflow/agreement"
	"dealflow/apperr"
	"dealflow/order"
	"dealflow/quote"
	"dealflow/totals"
)

// date accepts either a calendar date (2006-01-02) or an RFC 3339 timestamp.
type date struct{ time.Time }

func (d *date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return apperr.Validation("invalid_date", "%q is not a date", s)
}

func (d *date) ptr() *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type versionRequest struct {
	ExpectedVersion *int `json:"expected_version"`
}

type listResponse[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// pageParams reads page, page_size, sort and order from the query string.
type pageParams struct {
	Page      int
	PageSize  int
	SortKey   string
	SortOrder string
}

func readPage(r *http.Request) (pageParams, error) {
	q := r.URL.Query()
	p := pageParams{SortKey: q.Get("sort"), SortOrder: q.Get("order")}
	fields := apperr.Fields{}
	for name, dst := range map[string]*int{"page": &p.Page, "page_size": &p.PageSize} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fields.Add(name, "invalid")
			continue
		}
		*dst = n
	}
	if !fields.Empty() {
		return pageParams{}, apperr.Invalid(fields)
	}
	return p, nil
}

// effectivePage mirrors the repositories' defaults so responses echo them.
func effectivePage(p pageParams) (int, int) {
	page, size := p.Page, p.PageSize
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return page, size
}

// Quotes.

type discountJSON struct {
	Kind  totals.DiscountKind `json:"kind"`
	Value decimal.Decimal     `json:"value"`
}

type itemRequest struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Type               totals.ItemType `json:"type"`
	RecurrenceInterval totals.Interval `json:"recurrence_interval"`
	BillingInterval    totals.Interval `json:"billing_interval"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	Quantity           decimal.Decimal `json:"quantity"`
	Discount           decimal.Decimal `json:"discount"`
}

func (it itemRequest) params() quote.ItemParams {
	return quote.ItemParams{
		Name:               it.Name,
		Description:        it.Description,
		Type:               it.Type,
		RecurrenceInterval: it.RecurrenceInterval,
		BillingInterval:    it.BillingInterval,
		UnitPrice:          it.UnitPrice,
		Quantity:           it.Quantity,
		Discount:           it.Discount,
	}
}

type createQuoteRequest struct {
	Title         string           `json:"title"`
	OpportunityID *string          `json:"opportunity_id"`
	LeadID        *string          `json:"lead_id"`
	Currency      string           `json:"currency"`
	Discount      *discountJSON    `json:"discount"`
	TaxRate       *decimal.Decimal `json:"tax_rate"`
	ValidUntil    *time.Time       `json:"valid_until"`
	Notes         string           `json:"notes"`
	Items         []itemRequest    `json:"items"`
}

func (req createQuoteRequest) params() quote.CreateParams {
	p := quote.CreateParams{
		Title:         req.Title,
		OpportunityID: req.OpportunityID,
		LeadID:        req.LeadID,
		Currency:      req.Currency,
		TaxRate:       req.TaxRate,
		ValidUntil:    req.ValidUntil,
		Notes:         req.Notes,
	}
	if req.Discount != nil {
		p.Discount = totals.DiscountRule{Kind: req.Discount.Kind, Value: req.Discount.Value}
	}
	for _, it := range req.Items {
		p.Items = append(p.Items, it.params())
	}
	return p
}

type updateQuoteRequest struct {
	Title         *string          `json:"title"`
	OpportunityID *string          `json:"opportunity_id"`
	LeadID        *string          `json:"lead_id"`
	Currency      *string          `json:"currency"`
	Discount      *discountJSON    `json:"discount"`
	TaxRate       *decimal.Decimal `json:"tax_rate"`
	ValidUntil    *time.Time       `json:"valid_until"`
	Notes         *string          `json:"notes"`
}

func (req updateQuoteRequest) params() quote.UpdateParams {
	p := quote.UpdateParams{
		Title:         req.Title,
		OpportunityID: req.OpportunityID,
		LeadID:        req.LeadID,
		Currency:      req.Currency,
		TaxRate:       req.TaxRate,
		ValidUntil:    req.ValidUntil,
		Notes:         req.Notes,
	}
	if req.Discount != nil {
		p.Discount = &totals.DiscountRule{Kind: req.Discount.Kind, Value: req.Discount.Value}
	}
	return p
}

type sendQuoteRequest struct {
	ValidUntil *time.Time `json:"valid_until"`
}

type acceptRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Title     string `json:"title"`
	Signature string `json:"signature"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

type convertRequest struct {
	OrderType     string `json:"order_type"`
	EffectiveDate *date  `json:"effective_date"`
	ExpiryDate    *date  `json:"expiry_date"`
	Notes         string `json:"notes"`
}

type totalsResponse struct {
	Subtotal         decimal.Decimal `json:"subtotal"`
	Discount         decimal.Decimal `json:"discount"`
	Tax              decimal.Decimal `json:"tax"`
	Total            decimal.Decimal `json:"total"`
	OneTime          decimal.Decimal `json:"one_time"`
	Recurring        decimal.Decimal `json:"recurring"`
	MonthlyRecurring decimal.Decimal `json:"monthly_recurring"`
}

type itemResponse struct {
	ID                 string          `json:"id"`
	Position           int             `json:"position"`
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	Type               totals.ItemType `json:"type"`
	RecurrenceInterval totals.Interval `json:"recurrence_interval,omitempty"`
	BillingInterval    totals.Interval `json:"billing_interval,omitempty"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	Quantity           decimal.Decimal `json:"quantity"`
	Discount           decimal.Decimal `json:"discount"`
	LineTotal          decimal.Decimal `json:"line_total"`
}

type acceptanceResponse struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Title     string `json:"title,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type quoteResponse struct {
	ID              string              `json:"id"`
	Reference       string              `json:"reference"`
	Title           string              `json:"title"`
	OpportunityID   *string             `json:"opportunity_id,omitempty"`
	LeadID          *string             `json:"lead_id,omitempty"`
	Currency        string              `json:"currency"`
	Status          string              `json:"status"`
	Discount        discountJSON        `json:"discount"`
	TaxRate         decimal.Decimal     `json:"tax_rate"`
	Totals          totalsResponse      `json:"totals"`
	ValidUntil      *time.Time          `json:"valid_until,omitempty"`
	Version         int                 `json:"version"`
	SupersedesID    *string             `json:"supersedes_id,omitempty"`
	PublicToken     string              `json:"public_token,omitempty"`
	Notes           string              `json:"notes,omitempty"`
	OrderID         *string             `json:"order_id,omitempty"`
	Acceptance      *acceptanceResponse `json:"acceptance,omitempty"`
	RejectionReason *string             `json:"rejection_reason,omitempty"`
	SentAt          *time.Time          `json:"sent_at,omitempty"`
	ViewedAt        *time.Time          `json:"viewed_at,omitempty"`
	AcceptedAt      *time.Time          `json:"accepted_at,omitempty"`
	RejectedAt      *time.Time          `json:"rejected_at,omitempty"`
	ExpiredAt       *time.Time          `json:"expired_at,omitempty"`
	ConvertedAt     *time.Time          `json:"converted_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	Items           []itemResponse      `json:"items"`
}

func toQuoteResponse(q quote.Quote) quoteResponse {
	b := q.Breakdown()
	resp := quoteResponse{
		ID:            q.ID,
		Reference:     q.Reference,
		Title:         q.Title,
		OpportunityID: q.OpportunityID,
		LeadID:        q.LeadID,
		Currency:      q.Currency,
		Status:        string(q.Status),
		Discount:      discountJSON{Kind: q.Discount.Kind, Value: q.Discount.Value},
		TaxRate:       q.TaxRate,
		Totals: totalsResponse{
			Subtotal:         q.Totals.Subtotal,
			Discount:         q.Totals.Discount,
			Tax:              q.Totals.Tax,
			Total:            q.Totals.Total,
			OneTime:          b.OneTime,
			Recurring:        b.Recurring,
			MonthlyRecurring: b.MonthlyRecurring,
		},
		ValidUntil:      q.ValidUntil,
		Version:         q.Version,
		SupersedesID:    q.SupersedesID,
		PublicToken:     q.PublicToken,
		Notes:           q.Notes,
		RejectionReason: q.RejectionReason,
		SentAt:          q.SentAt,
		ViewedAt:        q.ViewedAt,
		AcceptedAt:      q.AcceptedAt,
		RejectedAt:      q.RejectedAt,
		ExpiredAt:       q.ExpiredAt,
		ConvertedAt:     q.ConvertedAt,
		CreatedAt:       q.CreatedAt,
		UpdatedAt:       q.UpdatedAt,
		Items:           make([]itemResponse, 0, len(q.Items)),
	}
	if q.Order != nil {
		resp.OrderID = &q.Order.ID
	}
	if a := q.Acceptance; a != nil {
		resp.Acceptance = &acceptanceResponse{Name: a.Name, Email: a.Email, Title: a.Title, Signature: a.Signature}
	}
	for _, it := range q.Items {
		resp.Items = append(resp.Items, itemResponse{
			ID:                 it.ID,
			Position:           it.Position,
			Name:               it.Name,
			Description:        it.Description,
			Type:               it.Type,
			RecurrenceInterval: it.RecurrenceInterval,
			BillingInterval:    it.BillingInterval,
			UnitPrice:          it.UnitPrice,
			Quantity:           it.Quantity,
			Discount:           it.Discount,
			LineTotal:          it.LineTotal,
		})
	}
	return resp
}

// toPublicQuoteResponse drops operator-only fields from a quote shown
// through its link.
func toPublicQuoteResponse(q quote.Quote) quoteResponse {
	resp := toQuoteResponse(q)
	resp.ID = ""
	resp.OpportunityID = nil
	resp.LeadID = nil
	resp.SupersedesID = nil
	resp.PublicToken = ""
	resp.OrderID = nil
	resp.Notes = ""
	return resp
}

// Orders.

type createOrderRequest struct {
	Type          string          `json:"type"`
	Currency      string          `json:"currency"`
	TotalValue    decimal.Decimal `json:"total_value"`
	EffectiveDate *date           `json:"effective_date"`
	ExpiryDate    *date           `json:"expiry_date"`
	Notes         string          `json:"notes"`
}

type updateOrderRequest struct {
	EffectiveDate *date   `json:"effective_date"`
	ExpiryDate    *date   `json:"expiry_date"`
	ClearExpiry   bool    `json:"clear_expiry"`
	Notes         *string `json:"notes"`
}

type orderStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type attachAgreementRequest struct {
	AgreementID string                  `json:"agreement_id"`
	Agreement   *createAgreementRequest `json:"agreement"`
}

type orderResponse struct {
	ID                string          `json:"id"`
	Reference         string          `json:"reference"`
	Status            string          `json:"status"`
	FulfillmentStatus string          `json:"fulfillment_status"`
	Type              string          `json:"type"`
	Currency          string          `json:"currency"`
	TotalValue        decimal.Decimal `json:"total_value"`
	EffectiveDate     *time.Time      `json:"effective_date,omitempty"`
	ExpiryDate        *time.Time      `json:"expiry_date,omitempty"`
	SourceQuoteID     *string         `json:"source_quote_id,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	ActivatedAt       *time.Time      `json:"activated_at,omitempty"`
	FulfilledAt       *time.Time      `json:"fulfilled_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason      *string         `json:"cancel_reason,omitempty"`
	CreatedBy         string          `json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toOrderResponse(o order.Order) orderResponse {
	return orderResponse{
		ID:                o.ID,
		Reference:         o.Reference,
		Status:            string(o.Status),
		FulfillmentStatus: string(o.FulfillmentStatus),
		Type:              string(o.Type),
		Currency:          o.Currency,
		TotalValue:        o.TotalValue,
		EffectiveDate:     o.EffectiveDate,
		ExpiryDate:        o.ExpiryDate,
		SourceQuoteID:     o.SourceQuoteID,
		Notes:             o.Notes,
		ActivatedAt:       o.ActivatedAt,
		FulfilledAt:       o.FulfilledAt,
		CancelledAt:       o.CancelledAt,
		CancelReason:      o.CancelReason,
		CreatedBy:         o.CreatedBy,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

// Agreements.

type createAgreementRequest struct {
	Title         string  `json:"title"`
	Type          string  `json:"type"`
	OrderID       *string `json:"order_id"`
	EffectiveDate *date   `json:"effective_date"`
	ExpiryDate    *date   `json:"expiry_date"`
	Terms         string  `json:"terms"`
}

func (req createAgreementRequest) params() agreement.CreateParams {
	return agreement.CreateParams{
		Title:         req.Title,
		Type:          agreementType(req.Type),
		OrderID:       req.OrderID,
		EffectiveDate: req.EffectiveDate.ptr(),
		ExpiryDate:    req.ExpiryDate.ptr(),
		Terms:         req.Terms,
	}
}

type updateAgreementRequest struct {
	Title         *string `json:"title"`
	Type          *string `json:"type"`
	EffectiveDate *date   `json:"effective_date"`
	ExpiryDate    *date   `json:"expiry_date"`
	Terms         *string `json:"terms"`
}

type clientSignatureRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Title string `json:"title"`
}

type providerSignatureRequest struct {
	SignatoryID string `json:"signatory_id"`
	Name        string `json:"name"`
	Title       string `json:"title"`
}

type clientSignatureResponse struct {
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	Title    string    `json:"title,omitempty"`
	SignedAt time.Time `json:"signed_at"`
}

type providerSignatureResponse struct {
	SignatoryID string    `json:"signatory_id,omitempty"`
	Name        string    `json:"name"`
	Title       string    `json:"title,omitempty"`
	SignedAt    time.Time `json:"signed_at"`
}

type agreementResponse struct {
	ID                string                     `json:"id,omitempty"`
	Reference         string                     `json:"reference"`
	Title             string                     `json:"title"`
	Type              string                     `json:"type"`
	Status            string                     `json:"status"`
	OrderID           *string                    `json:"order_id,omitempty"`
	EffectiveDate     *time.Time                 `json:"effective_date,omitempty"`
	ExpiryDate        *time.Time                 `json:"expiry_date,omitempty"`
	Terms             string                     `json:"terms,omitempty"`
	Version           int                        `json:"version"`
	SupersedesID      *string                    `json:"supersedes_id,omitempty"`
	PublicToken       string                     `json:"public_token,omitempty"`
	ClientSignature   *clientSignatureResponse   `json:"client_signature,omitempty"`
	ProviderSignature *providerSignatureResponse `json:"provider_signature,omitempty"`
	SubmittedAt       *time.Time                 `json:"submitted_at,omitempty"`
	ActivatedAt       *time.Time                 `json:"activated_at,omitempty"`
	TerminatedAt      *time.Time                 `json:"terminated_at,omitempty"`
	TerminationReason *string                    `json:"termination_reason,omitempty"`
	ExpiredAt         *time.Time                 `json:"expired_at,omitempty"`
	CreatedAt         time.Time                  `json:"created_at"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}

func toAgreementResponse(a agreement.Agreement) agreementResponse {
	resp := agreementResponse{
		ID:                a.ID,
		Reference:         a.Reference,
		Title:             a.Title,
		Type:              string(a.Type),
		Status:            string(a.Status),
		OrderID:           a.OrderID,
		EffectiveDate:     a.EffectiveDate,
		ExpiryDate:        a.ExpiryDate,
		Terms:             a.Terms,
		Version:           a.Version,
		SupersedesID:      a.SupersedesID,
		PublicToken:       a.PublicToken,
		SubmittedAt:       a.SubmittedAt,
		ActivatedAt:       a.ActivatedAt,
		TerminatedAt:      a.TerminatedAt,
		TerminationReason: a.TerminationReason,
		ExpiredAt:         a.ExpiredAt,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
	if c := a.ClientSignature; c != nil {
		resp.ClientSignature = &clientSignatureResponse{Name: c.Name, Email: c.Email, Title: c.Title, SignedAt: c.SignedAt}
	}
	if p := a.ProviderSignature; p != nil {
		resp.ProviderSignature = &providerSignatureResponse{SignatoryID: p.SignatoryID, Name: p.Name, Title: p.Title, SignedAt: p.SignedAt}
	}
	return resp
}

func toPublicAgreementResponse(a agreement.Agreement) agreementResponse {
	resp := toAgreementResponse(a)
	resp.ID = ""
	resp.OrderID = nil
	resp.SupersedesID = nil
	resp.PublicToken = ""
	if resp.ProviderSignature != nil {
		resp.ProviderSignature.SignatoryID = ""
	}
	return resp
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Operator  struct {
		ID       string `json:"id"`
		TenantID string `json:"tenant_id"`
		Email    string `json:"email"`
		FullName string `json:"full_name"`
		Role     string `json:"role"`
	} `json:"operator"`
}

func mapSlice[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}
