package pipeline

import (
	"sync"
	"time"
)

// keyCache is a short-TTL map from dedup key to page id. It short-circuits
// repeat lookups within a batch or run. Read-through/write-through and an
// optimization only: correctness never depends on it being populated or
// fresh, the page store's unique constraint remains the arbiter.
type keyCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	max     int
	entries map[string]cacheEntry
}

type cacheEntry struct {
	pageID  int64
	expires time.Time
}

func newKeyCache(ttl time.Duration, max int) *keyCache {
	return &keyCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached page id for a key, if present and unexpired.
func (c *keyCache) Get(key string) (int64, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expires) {
		return 0, false
	}
	return e.pageID, true
}

// Put stores a key to page-id mapping. When the cache is full, expired
// entries are dropped first; if none expired, one arbitrary entry is
// evicted to make room.
func (c *keyCache) Put(key string, pageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.max {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.max {
			for k := range c.entries {
				delete(c.entries, k)
				break
			}
		}
	}

	c.entries[key] = cacheEntry{pageID: pageID, expires: time.Now().Add(c.ttl)}
}

// Remove drops a key. Used when the cached page id turns out to point at
// a deleted row.
func (c *keyCache) Remove(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of cached entries, expired ones included.
func (c *keyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
