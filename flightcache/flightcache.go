// Package flightcache is the in-process cache used across the detection
// pipeline: TTL storage plus single-flight GetOrSet so that concurrent
// requests for the same expensive computation (a ranking run, a benchmark
// rebuild) share one in-flight execution instead of stampeding upstream.
//
// Storage is delegated to go-cache; the stampede protection is an explicit
// per-key in-flight registry (x/sync singleflight), not an incidental
// property of the storage layer.
package flightcache

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Cache is safe for concurrent use.
type Cache struct {
	store  *gocache.Cache
	flight singleflight.Group
}

// New creates a Cache. defaultTTL applies when Set is called with ttl 0;
// expired entries are purged every cleanup interval.
func New(defaultTTL, cleanup time.Duration) *Cache {
	return &Cache{store: gocache.New(defaultTTL, cleanup)}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	return c.store.Get(key)
}

// Set stores value under key. ttl 0 uses the default TTL; negative ttl
// stores without expiry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	switch {
	case ttl == 0:
		c.store.SetDefault(key, value)
	case ttl < 0:
		c.store.Set(key, value, gocache.NoExpiration)
	default:
		c.store.Set(key, value, ttl)
	}
}

// GetOrSet returns the cached value for key, computing and storing it on a
// miss. Concurrent callers for the same key share a single compute call;
// all of them receive its result (or its error — errors are not cached).
func (c *Cache) GetOrSet(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.store.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.flight.Do(key, func() (any, error) {
		// Re-check: another flight may have populated the key between
		// the miss above and acquiring the flight slot.
		if v, ok := c.store.Get(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.store.Delete(key)
}

// InvalidatePrefix removes every key starting with prefix. Used when a
// mutation obsoletes a whole family of derived results (e.g. all cached
// ranking pages after a seed-phrase change).
func (c *Cache) InvalidatePrefix(prefix string) {
	for key := range c.store.Items() {
		if strings.HasPrefix(key, prefix) {
			c.store.Delete(key)
		}
	}
}

// Flush drops everything.
func (c *Cache) Flush() {
	c.store.Flush()
}
