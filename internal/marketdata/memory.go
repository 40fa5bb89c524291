package marketdata

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/newthinker/replay/internal/core"
)

// MemoryStore is an in-memory Store for tests and one-shot CLI runs.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[string][]core.MarketBar // canonical series key -> ordered bars
	meta   map[string]core.Series
	nextID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series: make(map[string][]core.MarketBar),
		meta:   make(map[string]core.Series),
	}
}

func seriesKey(s core.Series) string {
	return strings.ToUpper(s.Exchange) + "|" + strings.ToUpper(s.Symbol) + "|" +
		s.Timeframe + "|" + string(s.ProductType)
}

// Add inserts bars into a series, assigning row ids in insertion order and
// keeping the series sorted by (timestamp, row id).
func (m *MemoryStore) Add(s core.Series, bars ...core.MarketBar) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := seriesKey(s)
	m.meta[key] = s
	for _, b := range bars {
		m.nextID++
		b.RowID = m.nextID
		b.Exchange = strings.ToUpper(s.Exchange)
		b.Symbol = strings.ToUpper(s.Symbol)
		b.Timeframe = s.Timeframe
		m.series[key] = append(m.series[key], b)
	}
	sort.SliceStable(m.series[key], func(i, j int) bool {
		a, b := m.series[key][i], m.series[key][j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.RowID < b.RowID
	})
}

// Listings implements Store.
func (m *MemoryStore) Listings(_ context.Context, exchange string) (map[string][]core.ProductType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]core.ProductType)
	for key, s := range m.meta {
		if !strings.EqualFold(s.Exchange, exchange) || len(m.series[key]) == 0 {
			continue
		}
		pairKey := strings.ToUpper(s.Exchange) + ":" + pairOf(s.Symbol)
		if !containsProduct(out[pairKey], s.ProductType) {
			out[pairKey] = append(out[pairKey], s.ProductType)
		}
	}
	return out, nil
}

// Info implements Store.
func (m *MemoryStore) Info(_ context.Context, s core.Series, r core.DateRange) (SeriesInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var info SeriesInfo
	for _, b := range m.series[seriesKey(s)] {
		if !r.Contains(b.Timestamp) {
			continue
		}
		if info.RecordCount == 0 || b.Timestamp.Before(info.First) {
			info.First = b.Timestamp
		}
		if info.RecordCount == 0 || b.Timestamp.After(info.Last) {
			info.Last = b.Timestamp
		}
		info.RecordCount++
	}
	return info, nil
}

// Alternates implements Store.
func (m *MemoryStore) Alternates(_ context.Context, s core.Series) ([]core.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []core.Series
	for key, meta := range m.meta {
		if !strings.EqualFold(meta.Exchange, s.Exchange) || len(m.series[key]) == 0 {
			continue
		}
		if seriesKey(meta) == seriesKey(s) {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return seriesKey(out[i]) < seriesKey(out[j]) })
	return out, nil
}

// LoadBars implements Store.
func (m *MemoryStore) LoadBars(_ context.Context, s core.Series, r core.DateRange) ([]core.MarketBar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []core.MarketBar
	for _, b := range m.series[seriesKey(s)] {
		if r.Contains(b.Timestamp) {
			out = append(out, b)
		}
	}
	return out, nil
}

// pairOf extracts the pair component from a symbol column value. Canonical
// keys ("BINANCE:BTCUSDT:SPOT") yield the middle component; plain pair
// spellings pass through unchanged.
func pairOf(symbol string) string {
	if parts := strings.Split(symbol, ":"); len(parts) == 3 {
		return strings.ToUpper(parts[1])
	}
	return strings.ToUpper(symbol)
}

func containsProduct(list []core.ProductType, p core.ProductType) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}
