package report

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newthinker/replay/internal/core"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func roundTrip(entry time.Time, holdHours int, pnl, fee string) []core.Trade {
	exit := entry.Add(time.Duration(holdHours) * time.Hour)
	return []core.Trade{
		{Timestamp: entry, Side: core.SideBuy, Fee: dec(fee)},
		{
			Timestamp:   exit,
			Side:        core.SideSell,
			Fee:         dec(fee),
			RealizedPnL: dec(pnl),
			ExitReason:  core.ExitSignal,
			EntryTime:   entry,
		},
	}
}

func TestAggregate_EmptyLedger(t *testing.T) {
	m := Aggregate(dec("10000"), nil)

	if m.TradeCount != 0 {
		t.Errorf("trade count = %d", m.TradeCount)
	}
	if !m.FinalValue.Equal(dec("10000")) {
		t.Errorf("final value = %s, want initial capital", m.FinalValue)
	}
	if !m.TotalReturnPct.Equal(decimal.Zero) {
		t.Errorf("return = %s, want 0", m.TotalReturnPct)
	}
	if m.AvgTradeDuration != "0s" {
		t.Errorf("duration = %s", m.AvgTradeDuration)
	}
}

func TestAggregate_Basics(t *testing.T) {
	var trades []core.Trade
	trades = append(trades, roundTrip(t0, 2, "500", "5")...)
	trades = append(trades, roundTrip(t0.Add(24*time.Hour), 4, "-200", "5")...)

	m := Aggregate(dec("10000"), trades)

	if m.TradeCount != 2 {
		t.Fatalf("trade count = %d, want 2", m.TradeCount)
	}
	if !m.NetProfit.Equal(dec("300")) {
		t.Errorf("net profit = %s, want 300", m.NetProfit)
	}
	if !m.FinalValue.Equal(dec("10300")) {
		t.Errorf("final value = %s, want 10300", m.FinalValue)
	}
	if !m.TotalReturnPct.Equal(dec("3")) {
		t.Errorf("return = %s%%, want 3%%", m.TotalReturnPct)
	}
	if !m.TotalFees.Equal(dec("20")) {
		t.Errorf("fees = %s, want 20", m.TotalFees)
	}
	if m.WinRate != 0.5 {
		t.Errorf("win rate = %f, want 0.5", m.WinRate)
	}
	if m.AvgTradeDuration != "3h0m0s" {
		t.Errorf("avg duration = %s, want 3h0m0s", m.AvgTradeDuration)
	}
}

func TestAggregate_MaxDrawdown(t *testing.T) {
	var trades []core.Trade
	trades = append(trades, roundTrip(t0, 1, "1000", "0")...)  // peak 11000
	trades = append(trades, roundTrip(t0, 1, "-2200", "0")...) // trough 8800
	trades = append(trades, roundTrip(t0, 1, "3000", "0")...)  // recovery

	m := Aggregate(dec("10000"), trades)

	// (11000 - 8800) / 11000 = 20%
	if m.MaxDrawdownPct < 19.99 || m.MaxDrawdownPct > 20.01 {
		t.Errorf("max drawdown = %f%%, want 20%%", m.MaxDrawdownPct)
	}
}

func TestAggregate_Sharpe(t *testing.T) {
	var trades []core.Trade
	trades = append(trades, roundTrip(t0, 1, "100", "0")...)
	trades = append(trades, roundTrip(t0, 1, "100", "0")...)

	// Zero variance yields zero, not a division blowup.
	if m := Aggregate(dec("10000"), trades); m.SharpeRatio != 0 {
		t.Errorf("constant pnl sharpe = %f, want 0", m.SharpeRatio)
	}

	trades = append(trades, roundTrip(t0, 1, "-100", "0")...)
	m := Aggregate(dec("10000"), trades)
	if m.SharpeRatio <= 0 {
		t.Errorf("sharpe = %f, want positive for net-profitable mix", m.SharpeRatio)
	}
}

func TestAggregate_Deterministic(t *testing.T) {
	var trades []core.Trade
	trades = append(trades, roundTrip(t0, 3, "123.45", "1.1")...)
	trades = append(trades, roundTrip(t0, 5, "-67.89", "1.1")...)

	a := Aggregate(dec("10000"), trades)
	b := Aggregate(dec("10000"), trades)

	if a.SharpeRatio != b.SharpeRatio || a.MaxDrawdownPct != b.MaxDrawdownPct {
		t.Error("float metrics differ across recomputation")
	}
	if !a.FinalValue.Equal(b.FinalValue) || !a.TotalFees.Equal(b.TotalFees) {
		t.Error("decimal metrics differ across recomputation")
	}
}
