package quote

import (
	"time"

	"github.com/shopspring/decimal"

	"dealflow/lifecycle"
	"dealflow/totals"
)

// Quote is a priced proposal. Totals are derived from Items and the discount
// and tax rules; callers never set them.
type Quote struct {
	ID            string
	TenantID      string
	Reference     string
	Title         string
	OpportunityID *string
	LeadID        *string
	Currency      string
	Status        lifecycle.QuoteStatus
	Discount      totals.DiscountRule
	TaxRate       decimal.Decimal
	Totals        totals.Totals
	ValidUntil    *time.Time
	Version       int
	SupersedesID  *string
	PublicToken   string
	Notes         string
	// Order is set once the quote has been converted.
	Order           *OrderRef
	Acceptance      *Acceptance
	RejectionReason *string
	SentAt          *time.Time
	ViewedAt        *time.Time
	AcceptedAt      *time.Time
	RejectedAt      *time.Time
	ExpiredAt       *time.Time
	ConvertedAt     *time.Time
	SupersededAt    *time.Time
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
	Items           []Item
}

// Lines projects the items for the totals calculator.
func (q Quote) Lines() []totals.Line {
	lines := make([]totals.Line, len(q.Items))
	for i, it := range q.Items {
		lines[i] = it.Line()
	}
	return lines
}

// Breakdown splits the item subtotal into one-time and recurring amounts.
func (q Quote) Breakdown() totals.Breakdown {
	return totals.Summarize(q.Lines())
}

// OrderRef points at the order a quote converted into.
type OrderRef struct {
	ID        string
	Reference string
}

// Acceptance records who accepted the quote and from where.
type Acceptance struct {
	Name      string
	Email     string
	Title     string
	Signature string
	IP        string
	UserAgent string
}

// Item is one priced line of a quote.
type Item struct {
	ID                 string
	QuoteID            string
	Position           int
	Name               string
	Description        string
	Type               totals.ItemType
	RecurrenceInterval totals.Interval
	BillingInterval    totals.Interval
	UnitPrice          decimal.Decimal
	Quantity           decimal.Decimal
	Discount           decimal.Decimal
	LineTotal          decimal.Decimal
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (it Item) Line() totals.Line {
	return totals.Line{
		Type:               it.Type,
		RecurrenceInterval: it.RecurrenceInterval,
		BillingInterval:    it.BillingInterval,
		UnitPrice:          it.UnitPrice,
		Quantity:           it.Quantity,
		Discount:           it.Discount,
	}
}

// ItemParams is the caller-supplied part of an item.
type ItemParams struct {
	Name               string
	Description        string
	Type               totals.ItemType
	RecurrenceInterval totals.Interval
	BillingInterval    totals.Interval
	UnitPrice          decimal.Decimal
	Quantity           decimal.Decimal
	Discount           decimal.Decimal
}

func (p ItemParams) line() totals.Line {
	return totals.Line{
		Type:               p.Type,
		RecurrenceInterval: p.RecurrenceInterval,
		BillingInterval:    p.BillingInterval,
		UnitPrice:          p.UnitPrice,
		Quantity:           p.Quantity,
		Discount:           p.Discount,
	}
}

type CreateParams struct {
	Title         string
	OpportunityID *string
	LeadID        *string
	Currency      string
	Discount      totals.DiscountRule
	TaxRate       *decimal.Decimal
	ValidUntil    *time.Time
	Notes         string
	Items         []ItemParams
}

// UpdateParams replaces the editable header fields of a draft quote.
// Nil pointers leave the field unchanged.
type UpdateParams struct {
	Title         *string
	OpportunityID *string
	LeadID        *string
	Currency      *string
	Discount      *totals.DiscountRule
	TaxRate       *decimal.Decimal
	ValidUntil    *time.Time
	Notes         *string
}

type SendParams struct {
	ValidUntil *time.Time
}

type AcceptParams struct {
	Name      string
	Email     string
	Title     string
	Signature string
	IP        string
	UserAgent string
}

// ViewParams describes who opened a public link.
type ViewParams struct {
	IP        string
	UserAgent string
}

type RejectParams struct {
	Reason string
	Name   string
	Email  string
	IP     string
}

type Filters struct {
	Status        lifecycle.QuoteStatus
	OpportunityID string
	LeadID        string
	HasOrder      *bool
	Page          int
	PageSize      int
	SortKey       string
	SortOrder     string
}

type ListResult struct {
	Items []Quote
	Total int
}

// Transition is a conditional status change. It applies only while the row is
// still in From (and at ExpectedVersion, when set).
type Transition struct {
	TenantID        string
	ID              string
	From            lifecycle.QuoteStatus
	To              lifecycle.QuoteStatus
	At              time.Time
	ExpectedVersion *int
	ValidUntil      *time.Time
	Acceptance      *Acceptance
	RejectionReason *string
}

// Expiry reports one quote moved to expired by the sweeper.
type Expiry struct {
	ID        string
	TenantID  string
	Reference string
	From      lifecycle.QuoteStatus
}
