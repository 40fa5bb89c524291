package sim

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/newthinker/replay/internal/core"
)

var (
	one  = decimal.NewFromInt(1)
	tenK = decimal.NewFromInt(10_000)
)

// Simulator owns the trading state of one run: cash, the open position and
// the append-only trade ledger. It is never shared across runs.
//
// Bracket exits trail the position's price excursions rather than the fill:
// the stop arms off the highest price since entry, the target arms off the
// lowest. Invariants held at every fill: cash never goes negative, order
// size never exceeds available capital, fees are non-negative and deducted
// before PnL is realized.
type Simulator struct {
	fees     *FeeModel
	exchange string
	product  core.ProductType
	feeTier  string
	symbol   string
	slippage decimal.Decimal // fractional, e.g. 0.0002 for 2 bps

	cash      decimal.Decimal
	position  *core.Position
	trades    []core.Trade
	totalFees decimal.Decimal
}

func NewSimulator(fees *FeeModel, exchange, symbol string, product core.ProductType, feeTier string, slippageBps int, initialCapital decimal.Decimal) *Simulator {
	slip := decimal.Zero
	if slippageBps > 0 {
		slip = decimal.NewFromInt(int64(slippageBps)).Div(tenK)
	}
	return &Simulator{
		fees:     fees,
		exchange: exchange,
		symbol:   symbol,
		product:  product,
		feeTier:  feeTier,
		slippage: slip,
		cash:     initialCapital,
	}
}

func (s *Simulator) Cash() decimal.Decimal      { return s.cash }
func (s *Simulator) Position() *core.Position   { return s.position }
func (s *Simulator) Trades() []core.Trade       { return s.trades }
func (s *Simulator) TotalFees() decimal.Decimal { return s.totalFees }

// Equity is cash plus the position marked at price.
func (s *Simulator) Equity(price decimal.Decimal) decimal.Decimal {
	if !s.position.IsOpen() {
		return s.cash
	}
	return s.cash.Add(s.position.Quantity.Mul(price))
}

// ApplySignal converts one strategy signal into a fill at the bar close.
// Buys while a position is open and sells while flat are no-ops.
func (s *Simulator) ApplySignal(ts time.Time, closePrice decimal.Decimal, sig *core.TradingSignal) {
	if sig == nil {
		return
	}
	switch sig.Side {
	case core.SideBuy:
		if s.position.IsOpen() {
			return
		}
		s.openLong(ts, closePrice, sig)
	case core.SideSell:
		if !s.position.IsOpen() {
			return
		}
		s.reduce(ts, closePrice, sig.Fraction, core.ExitSignal)
	}
}

func (s *Simulator) openLong(ts time.Time, price decimal.Decimal, sig *core.TradingSignal) {
	fill := price.Mul(one.Add(s.slippage))
	if !fill.IsPositive() {
		return
	}

	rate := s.fees.TakerRate(s.exchange, s.product, s.feeTier)
	// Cap the notional so notional + fee never exceeds cash. Truncation keeps
	// the cap strictly on the safe side of the division rounding.
	notional := s.cash.Mul(sig.Fraction)
	ceiling := s.cash.Div(one.Add(rate)).Truncate(8)
	if notional.GreaterThan(ceiling) {
		notional = ceiling
	}
	if !notional.IsPositive() {
		return
	}

	qty := notional.Div(fill)
	fee := s.fees.Fee(notional, s.exchange, s.product, s.feeTier)
	s.cash = s.cash.Sub(notional).Sub(fee)
	s.totalFees = s.totalFees.Add(fee)

	s.position = &core.Position{
		Symbol:    s.symbol,
		Quantity:  qty,
		Entry:     fill,
		EntryTime: ts,
		Highest:   fill,
		Lowest:    fill,
		StopPct:   sig.StopPct,
		TargetPct: sig.TargetPct,
	}
	s.trades = append(s.trades, core.Trade{
		Timestamp: ts,
		Symbol:    s.symbol,
		Side:      core.SideBuy,
		Price:     fill,
		Quantity:  qty,
		Fee:       fee,
	})
}

func (s *Simulator) reduce(ts time.Time, price decimal.Decimal, fraction decimal.Decimal, reason core.ExitReason) {
	pos := s.position
	qty := pos.Quantity.Mul(fraction)
	if qty.GreaterThan(pos.Quantity) {
		qty = pos.Quantity
	}
	if !qty.IsPositive() {
		return
	}

	fill := price.Mul(one.Sub(s.slippage))
	notional := qty.Mul(fill)
	fee := s.fees.Fee(notional, s.exchange, s.product, s.feeTier)
	realized := fill.Sub(pos.Entry).Mul(qty).Sub(fee)

	s.cash = s.cash.Add(notional).Sub(fee)
	s.totalFees = s.totalFees.Add(fee)
	s.trades = append(s.trades, core.Trade{
		Timestamp:   ts,
		Symbol:      s.symbol,
		Side:        core.SideSell,
		Price:       fill,
		Quantity:    qty,
		Fee:         fee,
		RealizedPnL: realized,
		ExitReason:  reason,
		EntryTime:   pos.EntryTime,
	})

	pos.Quantity = pos.Quantity.Sub(qty)
	if !pos.Quantity.IsPositive() {
		s.position = nil
	}
}

// MarkPrice observes one point of the intra-bar price path: it updates the
// position's excursions, then checks the trailing brackets. When both could
// fire at the same point the stop wins. Returns true when the position was
// closed at this point.
func (s *Simulator) MarkPrice(ts time.Time, price decimal.Decimal) bool {
	pos := s.position
	if !pos.IsOpen() {
		return false
	}

	if price.GreaterThan(pos.Highest) {
		pos.Highest = price
	}
	if price.LessThan(pos.Lowest) {
		pos.Lowest = price
	}

	if pos.StopPct.IsPositive() {
		stopLevel := pos.Highest.Mul(one.Sub(pos.StopPct))
		if price.LessThanOrEqual(stopLevel) {
			s.reduce(ts, price, one, core.ExitStop)
			return true
		}
	}
	if pos.TargetPct.IsPositive() {
		targetLevel := pos.Lowest.Mul(one.Add(pos.TargetPct))
		if price.GreaterThanOrEqual(targetLevel) {
			s.reduce(ts, price, one, core.ExitTarget)
			return true
		}
	}
	return false
}

// CloseAll flattens the position at price, used at end of data.
func (s *Simulator) CloseAll(ts time.Time, price decimal.Decimal) {
	if !s.position.IsOpen() {
		return
	}
	s.reduce(ts, price, one, core.ExitEndOfData)
}
