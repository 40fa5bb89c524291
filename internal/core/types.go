package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductType distinguishes instruments that share a base asset.
type ProductType string

const (
	ProductSpot    ProductType = "spot"
	ProductSwap    ProductType = "swap"
	ProductFutures ProductType = "futures"
)

// IsValid reports whether the product type is one of the known variants.
func (p ProductType) IsValid() bool {
	switch p {
	case ProductSpot, ProductSwap, ProductFutures:
		return true
	}
	return false
}

// DataPrecision selects the replay fidelity tier.
type DataPrecision string

const (
	PrecisionKline    DataPrecision = "KLINE"
	PrecisionHybrid   DataPrecision = "HYBRID"
	PrecisionTickReal DataPrecision = "TICK_REAL"
)

// Rank orders precisions from cheapest to most expensive.
func (p DataPrecision) Rank() int {
	switch p {
	case PrecisionKline:
		return 0
	case PrecisionHybrid:
		return 1
	case PrecisionTickReal:
		return 2
	}
	return -1
}

// IsKnown reports whether the precision is a defined variant.
func (p DataPrecision) IsKnown() bool {
	return p.Rank() >= 0
}

// Series identifies one stored bar series.
type Series struct {
	Exchange    string      `json:"exchange"`
	Symbol      string      `json:"symbol"` // canonical, see internal/symbol
	Timeframe   string      `json:"timeframe"`
	ProductType ProductType `json:"product_type"`
}

// DateRange is a half-open [Start, End) interval.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// MarketBar is a single OHLCV bar. Bars are read-only once loaded and may be
// shared by reference across concurrent runs.
type MarketBar struct {
	RowID     int64           `json:"row_id"` // persisted identifier, total-order tie-break
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Side is the direction of a signal or trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideHold Side = "HOLD"
)

// TradingSignal is the single per-bar output of a sandboxed strategy.
type TradingSignal struct {
	Side      Side              `json:"side"`
	Symbol    string            `json:"symbol"`
	Price     decimal.Decimal   `json:"price"`
	Fraction  decimal.Decimal   `json:"fraction"` // fraction of equity (buy) or position (sell), (0,1]
	StopPct   decimal.Decimal   `json:"stop_pct"` // trailing stop distance, zero disables
	TargetPct decimal.Decimal   `json:"target_pct"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitSignal    ExitReason = "signal"
	ExitStop      ExitReason = "stop"
	ExitTarget    ExitReason = "target"
	ExitEndOfData ExitReason = "end_of_data"
)

// Trade is an append-only ledger entry. Immutable once appended.
type Trade struct {
	Timestamp   time.Time       `json:"timestamp"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ExitReason  ExitReason      `json:"exit_reason,omitempty"`
	EntryTime   time.Time       `json:"entry_time,omitzero"` // set on closing trades
}

// Position is an open holding with post-entry price excursions used by
// trailing bracket logic.
type Position struct {
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	Entry     decimal.Decimal `json:"entry"`
	EntryTime time.Time       `json:"entry_time"`
	Highest   decimal.Decimal `json:"highest"` // highest price since entry
	Lowest    decimal.Decimal `json:"lowest"`  // lowest price since entry
	StopPct   decimal.Decimal `json:"stop_pct"`
	TargetPct decimal.Decimal `json:"target_pct"`
}

// IsOpen reports whether the position holds any quantity.
func (p *Position) IsOpen() bool {
	return p != nil && p.Quantity.IsPositive()
}

// TaskStatus is the lifecycle state of one backtest run.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
	StatusTimedOut  TaskStatus = "timed_out"
)

// Terminal reports whether no further transition may leave the status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// ProgressEvent is a best-effort progress notification for one task.
type ProgressEvent struct {
	TaskID   string     `json:"task_id"`
	Percent  int        `json:"percent"`
	StepName string     `json:"step_name"`
	Status   TaskStatus `json:"status"`
}

// BacktestRequest is the accepted, immutable run configuration.
type BacktestRequest struct {
	UserID         string          `json:"user_id"`
	Tier           string          `json:"tier"`
	StrategyCode   string          `json:"strategy_code"`
	Exchange       string          `json:"exchange"`
	Symbol         string          `json:"symbol"`
	Timeframe      string          `json:"timeframe"`
	ProductType    ProductType     `json:"product_type"`
	FeeTier        string          `json:"fee_tier"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Range          DateRange       `json:"range"`
	Precision      DataPrecision   `json:"precision,omitempty"` // requested; may be downgraded
	Seed           int64           `json:"seed"`                // always set once accepted
}
