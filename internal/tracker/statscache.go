package tracker

import (
	"sync"
	"time"

	"github.com/optrail/optrail/internal/op"
)

// statsCache memoizes computed statistics snapshots per canonical query
// key. Entries expire after a short TTL and the whole cache is dropped
// eagerly whenever an operation is created or reaches a terminal state,
// so a freshly served snapshot is never older than the last mutation.
type statsCache struct {
	mu      sync.RWMutex
	entries map[string]statsEntry
	ttl     time.Duration

	now func() time.Time
}

type statsEntry struct {
	stats     *op.Statistics
	expiresAt time.Time
}

func newStatsCache(ttl time.Duration) *statsCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &statsCache{
		entries: make(map[string]statsEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached snapshot for key if present and unexpired.
// Snapshots are immutable once stored; callers must not modify them.
func (c *statsCache) Get(key string) (*op.Statistics, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.stats, true
}

// Put stores a snapshot under key with the cache TTL.
func (c *statsCache) Put(key string, stats *op.Statistics) {
	c.mu.Lock()
	c.entries[key] = statsEntry{stats: stats, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// InvalidateAll drops every cached snapshot. Called on any mutation so
// reads after a flush always recompute.
func (c *statsCache) InvalidateAll() {
	c.mu.Lock()
	if len(c.entries) > 0 {
		c.entries = make(map[string]statsEntry)
	}
	c.mu.Unlock()
}
