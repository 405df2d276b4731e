package task

import (
	"sync"
	"time"
)

// listCache is a small in-process TTL cache for task list pages. Listings
// are read-heavy and tolerate a few seconds of staleness; entries expire by
// TTL only, there is no write-through invalidation.
type listCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]listCacheEntry
}

type listCacheEntry struct {
	items     []TaskListing
	expiresAt time.Time
}

func newListCache(ttl time.Duration) *listCache {
	return &listCache{
		ttl:     ttl,
		entries: make(map[string]listCacheEntry),
	}
}

func (c *listCache) get(key string) ([]TaskListing, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.items, true
}

func (c *listCache) set(key string, items []TaskListing) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// opportunistic sweep keeps the map from growing unbounded
	if len(c.entries) > 1024 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = listCacheEntry{items: items, expiresAt: time.Now().Add(c.ttl)}
}
