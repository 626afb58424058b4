// Package idempotency implements the two-tier ledger that makes webhook
// processing at-most-once: a bounded in-process cache in front of the durable
// idempotency_records table.
package idempotency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/editionworks/fulfillment/internal/adapter"
	"github.com/editionworks/fulfillment/internal/domain"
	"github.com/editionworks/fulfillment/internal/logger"
)

// cacheEntry pairs a recorded result with its creation time for retention sweeps
type cacheEntry struct {
	result    domain.FulfillmentResult
	createdAt time.Time
}

// Cache is the fast tier of the ledger: entries live for a fixed retention
// window and are removed by periodic sweeps. The durable store remains the
// source of truth; losing a cache entry only costs one extra database read.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]cacheEntry
	retention time.Duration
	clock     adapter.Clock
}

// NewCache creates a cache with the given retention window
func NewCache(retention time.Duration, clock adapter.Clock) *Cache {
	return &Cache{
		entries:   make(map[string]cacheEntry),
		retention: retention,
		clock:     clock,
	}
}

// Get returns the cached result for key, if present and within retention
func (c *Cache) Get(key string) (domain.FulfillmentResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return domain.FulfillmentResult{}, false
	}
	if c.clock.Since(entry.createdAt) > c.retention {
		return domain.FulfillmentResult{}, false
	}
	return entry.result, true
}

// Put stores a result for key, stamping it with the current time
func (c *Cache) Put(key string, result domain.FulfillmentResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{result: result, createdAt: c.clock.Now()}
}

// Sweep removes entries older than the retention window and returns how many
// were removed
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if c.clock.Since(entry.createdAt) > c.retention {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently held
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RunSweeper sweeps the cache at the given interval until ctx is cancelled
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
			if removed := c.Sweep(); removed > 0 {
				logger.Debug("swept idempotency cache", zap.Int("removed", removed))
			}
		}
	}
}
