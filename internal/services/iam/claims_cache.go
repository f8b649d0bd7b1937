package iam

import (
	"context"
	"fmt"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/repository"
)

// ClaimsCache fronts IdentityStore.GetRolesAndClaims with a short-lived LRU.
//
// Session-authenticated requests re-resolve roles and claims on every call.
// The cache bounds that to one store read per user per TTL. Role or claim
// changes become visible once the entry expires or is invalidated.
//
// A zero TTL disables caching and every Get goes to the store.
type ClaimsCache struct {
	store   repository.IdentityStore
	entries *expirable.LRU[string, *repository.RolesAndClaims]
}

// NewClaimsCache creates a cache over store configured by cfg.
func NewClaimsCache(store repository.IdentityStore, cfg config.ClaimsCacheConfig) *ClaimsCache {
	c := &ClaimsCache{store: store}
	if cfg.TTL > 0 {
		size := cfg.Size
		if size <= 0 {
			size = 1024
		}
		c.entries = expirable.NewLRU[string, *repository.RolesAndClaims](size, nil, cfg.TTL)
	}
	return c
}

// Get returns the roles and claims for userID.
// Cached values are shared; callers must not modify them.
func (c *ClaimsCache) Get(ctx context.Context, userID string) (*repository.RolesAndClaims, error) {
	if c.entries != nil {
		if rc, ok := c.entries.Get(userID); ok {
			return rc, nil
		}
	}

	rc, err := c.store.GetRolesAndClaims(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load roles and claims: %w", err)
	}

	if c.entries != nil {
		c.entries.Add(userID, rc)
	}
	return rc, nil
}

// Invalidate drops the cached entry for userID.
func (c *ClaimsCache) Invalidate(userID string) {
	if c.entries != nil {
		c.entries.Remove(userID)
	}
}

// Len reports the number of cached users.
func (c *ClaimsCache) Len() int {
	if c.entries == nil {
		return 0
	}
	return c.entries.Len()
}
