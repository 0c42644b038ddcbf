package lifecycle

// QuoteStatus is the primary state of a quote.
type QuoteStatus string

const (
	QuoteDraft      QuoteStatus = "draft"
	QuoteSent       QuoteStatus = "sent"
	QuoteViewed     QuoteStatus = "viewed"
	QuoteAccepted   QuoteStatus = "accepted"
	QuoteRejected   QuoteStatus = "rejected"
	QuoteExpired    QuoteStatus = "expired"
	QuoteConverted  QuoteStatus = "converted"
	QuoteSuperseded QuoteStatus = "superseded"
)

// QuoteGraph whitelists quote transitions. converted and superseded are terminal.
var QuoteGraph = newGraph("quote", map[QuoteStatus][]QuoteStatus{
	QuoteDraft:    {QuoteSent, QuoteSuperseded},
	QuoteSent:     {QuoteViewed, QuoteAccepted, QuoteRejected, QuoteExpired, QuoteSuperseded},
	QuoteViewed:   {QuoteAccepted, QuoteRejected, QuoteExpired, QuoteSuperseded},
	QuoteAccepted: {QuoteConverted},
	QuoteRejected: {QuoteSuperseded},
	QuoteExpired:  {QuoteSuperseded},
})

// QuoteOpenStatuses are the statuses a counterparty can still act on.
var QuoteOpenStatuses = []QuoteStatus{QuoteSent, QuoteViewed}

// QuoteDeletableStatuses are the non-terminal quote statuses; a quote may be
// soft-deleted from any of them.
var QuoteDeletableStatuses = []QuoteStatus{QuoteDraft, QuoteSent, QuoteViewed, QuoteAccepted, QuoteRejected, QuoteExpired}

// Valid reports whether s is a known quote status.
func (s QuoteStatus) Valid() bool {
	switch s {
	case QuoteDraft, QuoteSent, QuoteViewed, QuoteAccepted, QuoteRejected, QuoteExpired, QuoteConverted, QuoteSuperseded:
		return true
	}
	return false
}

// OrderStatus is the primary state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderActive    OrderStatus = "active"
	OrderFulfilled OrderStatus = "fulfilled"
	OrderCancelled OrderStatus = "cancelled"
)

// OrderGraph whitelists order transitions. fulfilled and cancelled are terminal.
var OrderGraph = newGraph("order", map[OrderStatus][]OrderStatus{
	OrderPending: {OrderActive, OrderCancelled},
	OrderActive:  {OrderFulfilled, OrderCancelled},
})

// OrderDeletableStatuses are the statuses from which an order may be soft-deleted.
var OrderDeletableStatuses = []OrderStatus{OrderPending, OrderCancelled}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderActive, OrderFulfilled, OrderCancelled:
		return true
	}
	return false
}

// FulfillmentStatus tracks delivery independently of OrderStatus.
type FulfillmentStatus string

const (
	FulfillmentPending   FulfillmentStatus = "pending"
	FulfillmentActive    FulfillmentStatus = "active"
	FulfillmentFulfilled FulfillmentStatus = "fulfilled"
	FulfillmentCancelled FulfillmentStatus = "cancelled"
)

// FulfillmentGraph whitelists fulfillment transitions.
var FulfillmentGraph = newGraph("fulfillment", map[FulfillmentStatus][]FulfillmentStatus{
	FulfillmentPending: {FulfillmentActive, FulfillmentFulfilled, FulfillmentCancelled},
	FulfillmentActive:  {FulfillmentFulfilled, FulfillmentCancelled},
})

func (s FulfillmentStatus) Valid() bool {
	switch s {
	case FulfillmentPending, FulfillmentActive, FulfillmentFulfilled, FulfillmentCancelled:
		return true
	}
	return false
}

// AgreementStatus is the primary state of an agreement.
type AgreementStatus string

const (
	AgreementDraft            AgreementStatus = "draft"
	AgreementPendingSignature AgreementStatus = "pending_signature"
	AgreementActive           AgreementStatus = "active"
	AgreementExpired          AgreementStatus = "expired"
	AgreementTerminated       AgreementStatus = "terminated"
	AgreementSuperseded       AgreementStatus = "superseded"
)

// AgreementGraph whitelists agreement transitions.
var AgreementGraph = newGraph("agreement", map[AgreementStatus][]AgreementStatus{
	AgreementDraft:            {AgreementPendingSignature, AgreementSuperseded},
	AgreementPendingSignature: {AgreementActive, AgreementSuperseded},
	AgreementActive:           {AgreementExpired, AgreementTerminated, AgreementSuperseded},
})

// AgreementDeletableStatuses are the statuses from which an agreement may be soft-deleted.
var AgreementDeletableStatuses = []AgreementStatus{AgreementDraft, AgreementPendingSignature}

func (s AgreementStatus) Valid() bool {
	switch s {
	case AgreementDraft, AgreementPendingSignature, AgreementActive, AgreementExpired, AgreementTerminated, AgreementSuperseded:
		return true
	}
	return false
}

// OrderType classifies why an order exists.
type OrderType string

const (
	OrderTypeNew       OrderType = "new"
	OrderTypeRenewal   OrderType = "renewal"
	OrderTypeUpgrade   OrderType = "upgrade"
	OrderTypeDowngrade OrderType = "downgrade"
	OrderTypeAmendment OrderType = "amendment"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeNew, OrderTypeRenewal, OrderTypeUpgrade, OrderTypeDowngrade, OrderTypeAmendment:
		return true
	}
	return false
}

// AgreementType classifies a contract.
type AgreementType string

const (
	AgreementMSA      AgreementType = "msa"
	AgreementSLA      AgreementType = "sla"
	AgreementDPA      AgreementType = "dpa"
	AgreementNDA      AgreementType = "nda"
	AgreementSOW      AgreementType = "sow"
	AgreementAddendum AgreementType = "addendum"
	AgreementOther    AgreementType = "other"
)

func (t AgreementType) Valid() bool {
	switch t {
	case AgreementMSA, AgreementSLA, AgreementDPA, AgreementNDA, AgreementSOW, AgreementAddendum, AgreementOther:
		return true
	}
	return false
}
