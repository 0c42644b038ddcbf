package tenant

import (
	"context"
	"errors"
	"testing"
	"time"

	"dealflow/apperr"
)

type countingReader struct {
	tenants map[string]Tenant
	calls   int
}

func (c *countingReader) GetByID(_ context.Context, id string) (Tenant, error) {
	c.calls++
	t, ok := c.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func TestCachedResolver_CachesUntilTTL(t *testing.T) {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	repo := &countingReader{tenants: map[string]Tenant{"t1": {ID: "t1", Active: true}}}
	r := NewCachedResolver(repo, time.Minute, clock)

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), "t1"); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if repo.calls != 1 {
		t.Fatalf("expected 1 repository call, got %d", repo.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := r.Resolve(context.Background(), "t1"); err != nil {
		t.Fatalf("resolve after ttl: %v", err)
	}
	if repo.calls != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", repo.calls)
	}
}

func TestCachedResolver_InactiveIsNotFound(t *testing.T) {
	repo := &countingReader{tenants: map[string]Tenant{"t2": {ID: "t2", Active: false}}}
	r := NewCachedResolver(repo, time.Minute, nil)

	_, err := r.Resolve(context.Background(), "t2")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = r.Resolve(context.Background(), "missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCachedResolver_Invalidate(t *testing.T) {
	repo := &countingReader{tenants: map[string]Tenant{"t1": {ID: "t1", Active: true}}}
	r := NewCachedResolver(repo, time.Hour, nil)

	if _, err := r.Resolve(context.Background(), "t1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	repo.tenants["t1"] = Tenant{ID: "t1", Active: false}
	r.Invalidate("t1")

	if _, err := r.Resolve(context.Background(), "t1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected deactivated tenant to be rejected, got %v", err)
	}
}

func TestScope(t *testing.T) {
	if err := (Scope{}).Validate(); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	ctx := WithScope(context.Background(), Scope{TenantID: "t1", ActorID: "u1"})
	s, ok := FromContext(ctx)
	if !ok || s.TenantID != "t1" || s.ActorID != "u1" {
		t.Fatalf("unexpected scope %+v ok=%v", s, ok)
	}
}
