// Package cache provides a small thread-safe LRU cache used for
// shader-module deduplication and other handle lookup tables.
//
// Eviction forgets the key→value association only; the cached values are
// handles whose underlying GPU objects are owned elsewhere, so eviction
// never releases GPU resources.
package cache

import (
	"sync"
	"sync/atomic"
)

// Cache is a generic thread-safe cache with a soft entry limit.
// When the cache exceeds the limit, least recently used entries are evicted.
//
// Cache must not be copied after creation (has mutex).
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	limit   int
	tick    int64 // Monotonic access counter.

	hits   atomic.Uint64
	misses atomic.Uint64
}

type entry[V any] struct {
	value V
	atime int64
}

// New creates a cache with the given soft limit. A limit of 0 means unlimited.
func New[K comparable, V any](limit int) *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]*entry[V]),
		limit:   limit,
	}
}

// Get retrieves a value. Returns (zero, false) on miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	c.tick++
	e.atime = c.tick
	c.hits.Add(1)
	return e.value, true
}

// Set stores a value, evicting the oldest entries if the soft limit
// is exceeded.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	c.entries[key] = &entry[V]{value: value, atime: c.tick}

	if c.limit > 0 && len(c.entries) > c.limit {
		c.evictOldest()
	}
}

// Delete removes an entry. Returns true if the entry existed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		return true
	}
	return false
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]*entry[V])
	c.tick = 0
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats reports cache activity since creation.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()

	return Stats{
		Len:    n,
		Limit:  c.limit,
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

// evictOldest removes entries until the cache is at 3/4 of the limit.
// Caller must hold c.mu.
func (c *Cache[K, V]) evictOldest() {
	target := c.limit * 3 / 4
	if target < 1 {
		target = 1
	}

	for len(c.entries) > target {
		var oldestKey K
		oldest := int64(-1)
		for k, e := range c.entries {
			if oldest < 0 || e.atime < oldest {
				oldest = e.atime
				oldestKey = k
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Stats contains cache counters.
type Stats struct {
	// Len is the current number of entries.
	Len int
	// Limit is the soft entry limit (0 = unlimited).
	Limit int
	// Hits is the number of lookups that found an entry.
	Hits uint64
	// Misses is the number of lookups that found nothing.
	Misses uint64
}
