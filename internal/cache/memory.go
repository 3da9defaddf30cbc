package cache

import (
	"context"
	"sync"
	"time"

	"github.com/aminhq/market-collector/internal/models"
)

// MemoryCache is the default in-process Cache. A single RWMutex guards the
// map so a reader never observes a partially written batch.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[Key]memoryEntry
	maxAge  time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	batch    models.CandleBatch
	storedAt time.Time
}

// NewMemoryCache creates a MemoryCache. maxAge is the staleness threshold
// reported on reads; it does not evict anything.
func NewMemoryCache(maxAge time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[Key]memoryEntry),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key Key) (*Lookup, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	batch := entry.batch
	age := c.now().Sub(batch.FetchedAt)
	return &Lookup{
		Batch: &batch,
		Age:   age,
		Stale: age > c.maxAge,
	}, nil
}

// Put implements Cache. The batch is copied by value; callers keep ownership
// of the original.
func (c *MemoryCache) Put(ctx context.Context, batch *models.CandleBatch) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	key := Key{Symbol: batch.Symbol, Timeframe: batch.Timeframe, Exchange: batch.Exchange}

	c.mu.Lock()
	c.entries[key] = memoryEntry{batch: *batch, storedAt: c.now()}
	c.mu.Unlock()

	return nil
}
