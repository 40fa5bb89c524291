package marketdata

import (
	"context"
	"fmt"
	"sync"

	"github.com/newthinker/replay/internal/core"
)

// SeriesCache is a write-once, read-many cache of loaded bar series keyed by
// the full (exchange, symbol, timeframe, product type, range) tuple.
// Concurrent runs requesting the same series share one load; the loaded slice
// is treated as immutable by all readers.
type SeriesCache struct {
	store Store

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	done chan struct{}
	bars []core.MarketBar
	err  error
}

// NewSeriesCache wraps a store with a per-process series cache.
func NewSeriesCache(store Store) *SeriesCache {
	return &SeriesCache{
		store:   store,
		entries: make(map[string]*cacheEntry),
	}
}

// CacheKey builds the full-tuple key for one request.
func CacheKey(s core.Series, r core.DateRange) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d",
		s.Exchange, s.Symbol, s.Timeframe, s.ProductType,
		r.Start.UnixNano(), r.End.UnixNano())
}

// LoadBars returns the cached series, loading it at most once per key.
// A failed load is not cached so transient store errors can be retried.
func (c *SeriesCache) LoadBars(ctx context.Context, s core.Series, r core.DateRange) ([]core.MarketBar, error) {
	key := CacheKey(s, r)

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		entry = &cacheEntry{done: make(chan struct{})}
		c.entries[key] = entry
		c.mu.Unlock()

		entry.bars, entry.err = c.store.LoadBars(ctx, s, r)
		if entry.err != nil {
			c.mu.Lock()
			delete(c.entries, key)
			c.mu.Unlock()
		}
		close(entry.done)
		return entry.bars, entry.err
	}
	c.mu.Unlock()

	select {
	case <-entry.done:
		return entry.bars, entry.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the number of cached series.
func (c *SeriesCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
