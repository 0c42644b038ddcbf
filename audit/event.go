// Package audit records an event for every mutating lifecycle operation and
// relays those events to subscribers through a transactional outbox.
package audit

import (
	"time"
)

// Entity types used as the first segment of outbox topics.
const (
	EntityQuote     = "quote"
	EntityOrder     = "order"
	EntityAgreement = "agreement"
)

// Event describes one mutation.
type Event struct {
	TenantID   string
	EntityType string
	EntityID   string
	Action     string
	ActorID    string
	Payload    map[string]any
}

// Topic is the outbox topic, e.g. quote.accepted.
func (e Event) Topic() string {
	return e.EntityType + "." + e.Action
}

// Envelope is the JSON document published for each event.
type Envelope struct {
	TenantID   string         `json:"tenant_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
