// Package tenant carries the calling tenant through requests and resolves
// tenant records behind a TTL cache.
package tenant

import (
	"context"
	"strings"

	"dealflow/apperr"
)

// Scope identifies who is acting and on whose data.
type Scope struct {
	TenantID string
	ActorID  string
}

// Validate rejects a scope with no tenant.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return apperr.Validation("tenant_required", "tenant scope is required")
	}
	return nil
}

type ctxKey struct{}

// WithScope returns a copy of ctx carrying s.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the scope stored by WithScope.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(ctxKey{}).(Scope)
	return s, ok
}
