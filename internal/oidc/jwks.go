package oidc

import (
	"context"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/sync/singleflight"
)

// keyCache is a time-boxed JWK set cache. It exists because the signing keys
// rotate rarely but do rotate: entries are trusted for a TTL and the verifier
// invalidates the cache when it sees a key id it cannot resolve.
//
// The refetch path is singleflight-guarded so concurrent verifications after
// expiry trigger exactly one upstream fetch.
type keyCache struct {
	ttl time.Duration

	mu        sync.RWMutex
	set       *jose.JSONWebKeySet
	fetchedAt time.Time

	group singleflight.Group
}

func newKeyCache(ttl time.Duration) *keyCache {
	return &keyCache{ttl: ttl}
}

func (c *keyCache) get(ctx context.Context, fetch func(context.Context) (*jose.JSONWebKeySet, error)) (*jose.JSONWebKeySet, error) {
	c.mu.RLock()
	set, fetchedAt := c.set, c.fetchedAt
	c.mu.RUnlock()

	if set != nil && time.Since(fetchedAt) < c.ttl {
		return set, nil
	}

	v, err, _ := c.group.Do("jwks", func() (any, error) {
		// Re-check under the flight: another caller may have refreshed while
		// this one was queued.
		c.mu.RLock()
		set, fetchedAt := c.set, c.fetchedAt
		c.mu.RUnlock()
		if set != nil && time.Since(fetchedAt) < c.ttl {
			return set, nil
		}

		fresh, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.set = fresh
		c.fetchedAt = time.Now()
		c.mu.Unlock()

		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*jose.JSONWebKeySet), nil
}

// invalidate drops the cached set so the next get refetches.
func (c *keyCache) invalidate() {
	c.mu.Lock()
	c.set = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
