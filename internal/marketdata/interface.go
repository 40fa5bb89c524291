// Package marketdata provides read-only access to the historical bar catalog.
// Stores never fabricate data: a series with zero rows is reported as absent
// and left absent.
package marketdata

import (
	"context"
	"time"

	"github.com/newthinker/replay/internal/core"
)

// SeriesInfo describes what the catalog holds for one series inside a range.
type SeriesInfo struct {
	RecordCount int64
	First       time.Time
	Last        time.Time
}

// Availability is the validator verdict for a request.
type Availability struct {
	Available   bool             `json:"available"`
	RecordCount int64            `json:"record_count"`
	ActualRange core.DateRange   `json:"actual_range"`
}

// Store is the read-only historical market data catalog. Implementations must
// be safe for concurrent readers; bar retrieval is totally ordered by
// (timestamp, row id) so storage never introduces nondeterminism.
type Store interface {
	// Listings returns the product types with data per "EXCHANGE:PAIR".
	Listings(ctx context.Context, exchange string) (map[string][]core.ProductType, error)

	// Info counts rows and reports the actual covered range for a series.
	Info(ctx context.Context, s core.Series, r core.DateRange) (SeriesInfo, error)

	// Alternates lists sibling series on the same exchange that do have data,
	// used to build actionable suggestions when a request cannot be served.
	Alternates(ctx context.Context, s core.Series) ([]core.Series, error)

	// LoadBars streams the ordered bars for a validated request.
	LoadBars(ctx context.Context, s core.Series, r core.DateRange) ([]core.MarketBar, error)
}
