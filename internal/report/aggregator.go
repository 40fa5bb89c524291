package report

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newthinker/replay/internal/core"
)

// Metrics is derived from the trade ledger alone; recomputing it from the
// same ledger always yields the identical value.
type Metrics struct {
	InitialCapital decimal.Decimal `json:"initial_capital"`
	FinalValue     decimal.Decimal `json:"final_value"`
	NetProfit      decimal.Decimal `json:"net_profit"`
	TotalReturnPct decimal.Decimal `json:"total_return_pct"`
	TotalFees      decimal.Decimal `json:"total_fees"`

	TradeCount       int     `json:"trade_count"` // closed round trips
	WinRate          float64 `json:"win_rate"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"`
	AvgTradeDuration string  `json:"avg_trade_duration"`
}

// Aggregate computes final metrics in one deterministic pass over the ordered
// ledger. It never accumulates during the run; the ledger is the only input,
// so the same ledger always produces bit-identical metrics.
func Aggregate(initialCapital decimal.Decimal, trades []core.Trade) Metrics {
	m := Metrics{
		InitialCapital: initialCapital,
		FinalValue:     initialCapital,
	}

	var (
		wins     int
		pnls     []float64
		totalDur time.Duration

		equity = initialCapital
		peak   = initialCapital
		maxDD  float64
	)

	for _, t := range trades {
		m.TotalFees = m.TotalFees.Add(t.Fee)

		if t.Side != core.SideSell {
			continue
		}
		m.TradeCount++
		m.NetProfit = m.NetProfit.Add(t.RealizedPnL)
		if t.RealizedPnL.IsPositive() {
			wins++
		}
		pnl, _ := t.RealizedPnL.Float64()
		pnls = append(pnls, pnl)
		if !t.EntryTime.IsZero() {
			totalDur += t.Timestamp.Sub(t.EntryTime)
		}

		equity = equity.Add(t.RealizedPnL)
		if equity.GreaterThan(peak) {
			peak = equity
		} else if peak.IsPositive() {
			dd, _ := peak.Sub(equity).Div(peak).Float64()
			if dd > maxDD {
				maxDD = dd
			}
		}
	}

	m.FinalValue = initialCapital.Add(m.NetProfit)
	if initialCapital.IsPositive() {
		m.TotalReturnPct = m.NetProfit.Div(initialCapital).Mul(decimal.NewFromInt(100))
	}
	m.MaxDrawdownPct = maxDD * 100

	if m.TradeCount > 0 {
		m.WinRate = float64(wins) / float64(m.TradeCount)
		m.SharpeRatio = sharpe(pnls)
		m.AvgTradeDuration = (totalDur / time.Duration(m.TradeCount)).String()
	} else {
		m.AvgTradeDuration = "0s"
	}
	return m
}

// sharpe is the per-trade mean over standard deviation. No annualization:
// the ratio compares strategies over the same window, not against a market
// benchmark.
func sharpe(pnls []float64) float64 {
	if len(pnls) < 2 {
		return 0
	}
	var sum float64
	for _, p := range pnls {
		sum += p
	}
	mean := sum / float64(len(pnls))

	var variance float64
	for _, p := range pnls {
		d := p - mean
		variance += d * d
	}
	variance /= float64(len(pnls) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}
