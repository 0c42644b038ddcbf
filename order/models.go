package order

import (
	"time"

	"github.com/shopspring/decimal"

	"dealflow/lifecycle"
)

// Order is a commitment to deliver, created from an accepted quote or
// directly by an operator.
type Order struct {
	ID                string
	TenantID          string
	Reference         string
	Status            lifecycle.OrderStatus
	FulfillmentStatus lifecycle.FulfillmentStatus
	Type              lifecycle.OrderType
	Currency          string
	TotalValue        decimal.Decimal
	EffectiveDate     *time.Time
	ExpiryDate        *time.Time
	SourceQuoteID     *string
	Notes             string
	ActivatedAt       *time.Time
	FulfilledAt       *time.Time
	CancelledAt       *time.Time
	CancelReason      *string
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

type CreateParams struct {
	Type          lifecycle.OrderType
	Currency      string
	TotalValue    decimal.Decimal
	EffectiveDate *time.Time
	ExpiryDate    *time.Time
	SourceQuoteID *string
	Notes         string
}

// UpdateParams edits the schedule and notes. Nil leaves a field unchanged;
// ClearExpiry removes the expiry date.
type UpdateParams struct {
	EffectiveDate *time.Time
	ExpiryDate    *time.Time
	ClearExpiry   bool
	Notes         *string
}

type Filters struct {
	Status            lifecycle.OrderStatus
	FulfillmentStatus lifecycle.FulfillmentStatus
	SourceQuoteID     string
	Page              int
	PageSize          int
	SortKey           string
	SortOrder         string
}

type ListResult struct {
	Items []Order
	Total int
}

// Transition is a conditional change of the primary status.
type Transition struct {
	TenantID     string
	ID           string
	From         lifecycle.OrderStatus
	To           lifecycle.OrderStatus
	At           time.Time
	CancelReason *string
}

// FulfillmentTransition is a conditional change of the fulfillment status.
type FulfillmentTransition struct {
	TenantID string
	ID       string
	From     lifecycle.FulfillmentStatus
	To       lifecycle.FulfillmentStatus
	At       time.Time
}

// Deletion tombstones an order that is still in one of From.
type Deletion struct {
	TenantID string
	ID       string
	From     []lifecycle.OrderStatus
	By       string
	Reason   string
	At       time.Time
}
