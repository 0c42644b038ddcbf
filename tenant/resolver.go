package tenant

import (
	"context"
	"errors"
	"time"

	"dealflow/apperr"
	"dealflow/cache"
)

// Reader is the lookup the resolver caches.
type Reader interface {
	GetByID(ctx context.Context, id string) (Tenant, error)
}

// CachedResolver confirms tenants exist and are active, caching hits for ttl.
type CachedResolver struct {
	repo  Reader
	cache *cache.TTL[string, Tenant]
}

// NewCachedResolver builds a resolver. A nil clock uses time.Now.
func NewCachedResolver(repo Reader, ttl time.Duration, now cache.Clock) *CachedResolver {
	return &CachedResolver{
		repo:  repo,
		cache: cache.NewTTL[string, Tenant](ttl, now),
	}
}

// Resolve returns the active tenant for id. Unknown and inactive tenants are
// both reported as not found.
func (r *CachedResolver) Resolve(ctx context.Context, id string) (Tenant, error) {
	if id == "" {
		return Tenant{}, apperr.NotFound("tenant", id)
	}
	if t, ok := r.cache.Get(id); ok {
		return t, nil
	}

	t, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Tenant{}, apperr.NotFound("tenant", id)
		}
		return Tenant{}, err
	}
	if !t.Active {
		return Tenant{}, apperr.NotFound("tenant", id)
	}

	r.cache.Set(id, t)
	return t, nil
}

// Invalidate drops the cached entry for id, e.g. after deactivation.
func (r *CachedResolver) Invalidate(id string) {
	r.cache.Invalidate(id)
}
