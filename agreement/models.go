package agreement

import (
	"time"

	"dealflow/lifecycle"
)

// Agreement is a contract instance, optionally tied to an order.
type Agreement struct {
	ID                string
	TenantID          string
	Reference         string
	Title             string
	Type              lifecycle.AgreementType
	Status            lifecycle.AgreementStatus
	OrderID           *string
	EffectiveDate     *time.Time
	ExpiryDate        *time.Time
	Terms             string
	Version           int
	SupersedesID      *string
	PublicToken       string
	ClientSignature   *ClientSignature
	ProviderSignature *ProviderSignature
	SubmittedAt       *time.Time
	ActivatedAt       *time.Time
	TerminatedAt      *time.Time
	TerminationReason *string
	ExpiredAt         *time.Time
	SupersededAt      *time.Time
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

// FullySigned reports whether both signature blocks are present.
func (a Agreement) FullySigned() bool {
	return a.ClientSignature != nil && a.ProviderSignature != nil
}

// ClientSignature is the counterparty's signature block. It is stored all or nothing.
type ClientSignature struct {
	Name     string
	Email    string
	Title    string
	IP       string
	SignedAt time.Time
}

// ProviderSignature is the signature block of the selling side.
type ProviderSignature struct {
	SignatoryID string
	Name        string
	Title       string
	SignedAt    time.Time
}

type CreateParams struct {
	Title         string
	Type          lifecycle.AgreementType
	OrderID       *string
	EffectiveDate *time.Time
	ExpiryDate    *time.Time
	Terms         string
}

// UpdateParams edits a draft. Nil leaves a field unchanged.
type UpdateParams struct {
	Title         *string
	Type          *lifecycle.AgreementType
	EffectiveDate *time.Time
	ExpiryDate    *time.Time
	Terms         *string
}

type ClientSignatureParams struct {
	Name  string
	Email string
	Title string
	IP    string
	// IdempotencyKey, when set, makes a redelivered e-sign completion a no-op.
	IdempotencyKey string
}

type ProviderSignatureParams struct {
	// SignatoryID defaults to the acting operator.
	SignatoryID string
	Name        string
	Title       string
}

type Filters struct {
	Status    lifecycle.AgreementStatus
	Type      lifecycle.AgreementType
	OrderID   string
	Page      int
	PageSize  int
	SortKey   string
	SortOrder string
}

type ListResult struct {
	Items []Agreement
	Total int
}

// Transition is a conditional status change; see quote.Transition.
type Transition struct {
	TenantID          string
	ID                string
	From              lifecycle.AgreementStatus
	To                lifecycle.AgreementStatus
	At                time.Time
	ExpectedVersion   *int
	TerminationReason *string
}

// Expiry reports one agreement moved to expired by the sweeper.
type Expiry struct {
	ID        string
	TenantID  string
	Reference string
}

type Deletion struct {
	TenantID string
	ID       string
	From     []lifecycle.AgreementStatus
	By       string
	Reason   string
	At       time.Time
}
