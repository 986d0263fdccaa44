package cache

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

const backendMemory = "memory"

// MemoryCache is a bounded in-process cache with per-entry TTL
type MemoryCache struct {
	lru     *expirable.LRU[string, Entry]
	metrics *observability.Metrics
}

// NewMemoryCache creates a cache holding at most size entries for ttl each.
// A zero ttl uses DefaultTTL; a non-positive size uses 10000.
func NewMemoryCache(size int, ttl time.Duration, metrics *observability.Metrics) *MemoryCache {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		lru:     expirable.NewLRU[string, Entry](size, nil, ttl),
		metrics: metrics,
	}
}

// Get returns a cached entry
func (c *MemoryCache) Get(_ context.Context, orgID int64, key string) (Entry, bool, error) {
	entry, ok := c.lru.Get(orgPrefix(orgID) + key)
	if ok {
		c.metrics.CacheHit(backendMemory)
	} else {
		c.metrics.CacheMiss(backendMemory)
	}
	return entry, ok, nil
}

// Set stores an entry
func (c *MemoryCache) Set(_ context.Context, orgID int64, key string, entry Entry) error {
	c.lru.Add(orgPrefix(orgID)+key, entry)
	return nil
}

// InvalidateOrg removes every key with the organization prefix
func (c *MemoryCache) InvalidateOrg(_ context.Context, orgID int64) error {
	prefix := orgPrefix(orgID)
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
	c.metrics.CacheInvalidated(backendMemory)
	return nil
}

// Len reports the number of live entries
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// Close purges the cache
func (c *MemoryCache) Close() error {
	c.lru.Purge()
	return nil
}
