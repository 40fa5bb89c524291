package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/newthinker/replay/internal/config"
	"github.com/newthinker/replay/internal/core"
	"github.com/newthinker/replay/internal/progress"
	"github.com/newthinker/replay/internal/report"
	"github.com/newthinker/replay/internal/sandbox"
	"github.com/newthinker/replay/internal/sim"
	"github.com/newthinker/replay/internal/tier"
)

// ticksPerSubBar is the synthetic tick count per bar in sub-bar segments:
// three anchor-to-anchor legs of four jittered steps, plus the open.
const ticksPerSubBar = 16

// Engine replays one bar stream against a sandboxed strategy. The Engine
// itself is stateless and safe for concurrent use; all mutable state lives
// in the per-run ExecutionContext.
type Engine struct {
	cfg    config.EngineConfig
	fees   *sim.FeeModel
	logger *zap.Logger
}

func New(cfg config.EngineConfig, fees *sim.FeeModel, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, fees: fees, logger: logger}
}

// RunParams carries everything one run needs. The request is immutable; the
// bars are read-only and may be shared with other concurrent runs.
type RunParams struct {
	TaskID           string
	Request          core.BacktestRequest
	CanonicalSymbol  string
	Bars             []core.MarketBar
	Segments         []tier.Segment
	AppliedPrecision core.DataPrecision
	Limits           tier.Limits
	Sandbox          *sandbox.Sandbox
	Publisher        *progress.Publisher // optional
}

// Metadata describes how the run was executed.
type Metadata struct {
	TaskID             string                 `json:"task_id"`
	AppliedPrecision   core.DataPrecision     `json:"applied_precision"`
	Seed               int64                  `json:"seed"`
	ResultHash         string                 `json:"result_hash"`
	BarsProcessed      int                    `json:"bars_processed"`
	TicksSimulated     int64                  `json:"ticks_simulated"`
	StrategyErrorCount int                    `json:"strategy_error_count"`
	StrategyErrors     []sandbox.RuntimeError `json:"strategy_errors,omitempty"`
}

// Result is the completed run output.
type Result struct {
	Metrics  report.Metrics `json:"metrics"`
	Trades   []core.Trade   `json:"trades"`
	Metadata Metadata       `json:"metadata"`
}

// Run executes the replay loop. On timeout it returns the partial result
// alongside ErrEngineTimeout for diagnostics; on cancellation the ledger is
// discarded and only ErrCancelled comes back.
func (e *Engine) Run(ctx context.Context, p RunParams) (*Result, error) {
	if len(p.Bars) == 0 {
		return nil, core.WrapError(core.ErrDataUnavailable,
			fmt.Errorf("no bars to replay"))
	}

	simulator := sim.NewSimulator(
		e.fees,
		p.Request.Exchange,
		p.CanonicalSymbol,
		p.Request.ProductType,
		p.Request.FeeTier,
		e.cfg.SlippageBps,
		p.Request.InitialCapital,
	)
	ec := newExecutionContext(p.Request.Seed, simulator, p.Bars, p.Segments, p.Limits.TickBudget)

	e.logger.Debug("replay started",
		zap.String("task_id", p.TaskID),
		zap.String("symbol", p.CanonicalSymbol),
		zap.Int("bars", len(ec.bars)),
		zap.String("precision", string(p.AppliedPrecision)),
		zap.Int64("seed", p.Request.Seed))

	var (
		lastPct  = -1
		entryBar = -1
	)
	for i := range ec.bars {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				res := e.finish(ec, p, i)
				return res, core.WrapError(core.ErrEngineTimeout,
					fmt.Errorf("run exceeded its time budget at bar %d of %d", i, len(ec.bars)))
			}
			return nil, core.WrapError(core.ErrCancelled, ctx.Err())
		default:
		}

		bar := ec.bars[i]
		wasOpen := ec.sim.Position().IsOpen()

		// Walk the intra-bar price path: excursions first, brackets on each
		// point, first touch wins.
		for _, pt := range ec.pricePath(i) {
			if ec.sim.MarkPrice(bar.Timestamp, pt) {
				break
			}
		}
		if wasOpen && !ec.sim.Position().IsOpen() {
			entryBar = -1
		}

		sig, err := e.evaluate(ec, p.Sandbox, i, entryBar)
		if err != nil {
			if errors.Is(err, core.ErrCircuitBreaker) {
				res := e.finish(ec, p, i)
				return res, err
			}
			// recoverable per-bar failure, recorded by the sandbox
			continue
		}
		if sig != nil {
			sig.Symbol = p.CanonicalSymbol
			sig.Price = bar.Close
			hadPosition := ec.sim.Position().IsOpen()
			ec.sim.ApplySignal(bar.Timestamp, bar.Close, sig)
			if !hadPosition && ec.sim.Position().IsOpen() {
				entryBar = i
			}
		}

		if p.Publisher != nil {
			if pct := (i + 1) * 100 / len(ec.bars); pct > lastPct {
				lastPct = pct
				p.Publisher.Publish(core.ProgressEvent{
					TaskID:   p.TaskID,
					Percent:  pct,
					StepName: "replay",
					Status:   core.StatusRunning,
				})
			}
		}
	}

	last := ec.bars[len(ec.bars)-1]
	ec.sim.CloseAll(last.Timestamp, last.Close)

	return e.finish(ec, p, len(ec.bars)), nil
}

func (e *Engine) evaluate(ec *ExecutionContext, sb *sandbox.Sandbox, i, entryBar int) (*core.TradingSignal, error) {
	ec.env.Idx = i
	ec.env.Position = ec.sim.Position()
	ec.env.Cash, _ = ec.sim.Cash().Float64()
	ec.env.Equity, _ = ec.sim.Equity(ec.bars[i].Close).Float64()
	if entryBar >= 0 && ec.sim.Position().IsOpen() {
		ec.env.BarsSinceEntry = i - entryBar
	} else {
		ec.env.BarsSinceEntry = 0
	}
	return sb.EvaluateBar(&ec.env)
}

// finish aggregates whatever the ledger holds so far and seals the result.
func (e *Engine) finish(ec *ExecutionContext, p RunParams, barsDone int) *Result {
	trades := ec.sim.Trades()
	metrics := report.Aggregate(p.Request.InitialCapital, trades)

	return &Result{
		Metrics: metrics,
		Trades:  trades,
		Metadata: Metadata{
			TaskID:             p.TaskID,
			AppliedPrecision:   p.AppliedPrecision,
			Seed:               p.Request.Seed,
			ResultHash:         ResultHash(trades, metrics),
			BarsProcessed:      barsDone,
			TicksSimulated:     ec.ticksUsed,
			StrategyErrorCount: p.Sandbox.ErrorCount(),
			StrategyErrors:     p.Sandbox.Errors(),
		},
	}
}

// pricePath yields the bar's price points in first-touch order. Candle bars
// walk the four anchors; sub-bar segments synthesize a jittered tick path,
// falling back to anchors once the tick budget is spent.
func (ec *ExecutionContext) pricePath(i int) []decimal.Decimal {
	bar := ec.bars[i]
	anchors := anchorOrder(bar)

	if ec.precisionAt(i) == core.PrecisionKline {
		return anchors
	}
	if ec.tickBudget > 0 && ec.ticksUsed+ticksPerSubBar > ec.tickBudget {
		return anchors
	}
	ec.ticksUsed += ticksPerSubBar
	return ec.syntheticTicks(anchors, bar)
}

// anchorOrder is open, the extremum nearer the open, the other extremum,
// then close.
func anchorOrder(bar core.MarketBar) []decimal.Decimal {
	toHigh := bar.High.Sub(bar.Open).Abs()
	toLow := bar.Open.Sub(bar.Low).Abs()
	if toHigh.LessThanOrEqual(toLow) {
		return []decimal.Decimal{bar.Open, bar.High, bar.Low, bar.Close}
	}
	return []decimal.Decimal{bar.Open, bar.Low, bar.High, bar.Close}
}

// syntheticTicks interpolates between the anchors with seeded jitter,
// clamped to the bar's true range. The walk stays deterministic for a given
// seed because the RNG is private to the run.
func (ec *ExecutionContext) syntheticTicks(anchors []decimal.Decimal, bar core.MarketBar) []decimal.Decimal {
	high, _ := bar.High.Float64()
	low, _ := bar.Low.Float64()
	span := high - low

	path := make([]decimal.Decimal, 0, ticksPerSubBar)
	path = append(path, anchors[0])
	const stepsPerLeg = 4
	for leg := 0; leg < 3; leg++ {
		from, _ := anchors[leg].Float64()
		to, _ := anchors[leg+1].Float64()
		for s := 1; s < stepsPerLeg; s++ {
			frac := float64(s) / stepsPerLeg
			price := from + (to-from)*frac + (ec.rng.Float64()-0.5)*span*0.25
			if price > high {
				price = high
			}
			if price < low {
				price = low
			}
			path = append(path, decimal.NewFromFloat(price))
		}
		path = append(path, anchors[leg+1])
	}
	return path
}
