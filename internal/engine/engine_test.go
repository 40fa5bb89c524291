package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newthinker/replay/internal/config"
	"github.com/newthinker/replay/internal/core"
	"github.com/newthinker/replay/internal/sandbox"
	"github.com/newthinker/replay/internal/sim"
	"github.com/newthinker/replay/internal/tier"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func waveBars(n int) []core.MarketBar {
	bars := make([]core.MarketBar, n)
	price := 90.0
	for i := range bars {
		// ramp up for the first two thirds, then fade
		if i < n*2/3 {
			price += 1.5
		} else {
			price -= 2.0
		}
		open := price - 1
		bars[i] = core.MarketBar{
			RowID:     int64(i + 1),
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(price + 2),
			Low:       decimal.NewFromFloat(open - 2),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

const testStrategy = `
param entry = 100
when close > entry and flat: buy 50% stop 3%
when close > 125 and long: sell all
`

func testEngine() *Engine {
	fees := sim.NewFeeModel(config.FeesConfig{DefaultTakerRate: 0.001})
	return New(config.EngineConfig{SlippageBps: 2}, fees, nil)
}

func testSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	sb, err := sandbox.New(testStrategy, sandbox.Config{
		MaxRules:          16,
		BreakerMinSamples: 10,
		BreakerErrorRate:  0.5,
		BreakerWindow:     time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	return sb
}

func runParams(t *testing.T, bars []core.MarketBar, precision core.DataPrecision, seed int64) RunParams {
	return RunParams{
		TaskID:          "task-1",
		CanonicalSymbol: "BINANCE:BTCUSDT:SPOT",
		Request: core.BacktestRequest{
			Exchange:       "BINANCE",
			ProductType:    core.ProductSpot,
			FeeTier:        "standard",
			InitialCapital: decimal.NewFromInt(10_000),
			Seed:           seed,
		},
		Bars:             bars,
		Segments:         tier.UniformSegments(len(bars), precision),
		AppliedPrecision: precision,
		Limits:           tier.Limits{TickBudget: 0},
		Sandbox:          testSandbox(t),
	}
}

func TestRun_Determinism(t *testing.T) {
	bars := waveBars(60)

	var first *Result
	for i := 0; i < 5; i++ {
		// fresh sandbox per run; breaker state is per-run too
		res, err := testEngine().Run(context.Background(), runParams(t, bars, core.PrecisionTickReal, 42))
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if first == nil {
			first = res
			continue
		}
		if res.Metadata.ResultHash != first.Metadata.ResultHash {
			t.Fatalf("run %d hash = %s, want %s", i, res.Metadata.ResultHash, first.Metadata.ResultHash)
		}
		if !res.Metrics.FinalValue.Equal(first.Metrics.FinalValue) {
			t.Fatalf("run %d final value = %s, want %s", i, res.Metrics.FinalValue, first.Metrics.FinalValue)
		}
		if res.Metrics.TradeCount != first.Metrics.TradeCount {
			t.Fatalf("run %d trade count = %d, want %d", i, res.Metrics.TradeCount, first.Metrics.TradeCount)
		}
	}
	if len(first.Trades) == 0 {
		t.Fatal("strategy never traded; the fixture is broken")
	}
}

func TestRun_ShuffledInputOrderDoesNotMatter(t *testing.T) {
	bars := waveBars(40)
	shuffled := make([]core.MarketBar, len(bars))
	copy(shuffled, bars)
	for i := 0; i < len(shuffled)-1; i += 2 {
		shuffled[i], shuffled[i+1] = shuffled[i+1], shuffled[i]
	}

	a, err := testEngine().Run(context.Background(), runParams(t, bars, core.PrecisionKline, 7))
	if err != nil {
		t.Fatal(err)
	}
	b, err := testEngine().Run(context.Background(), runParams(t, shuffled, core.PrecisionKline, 7))
	if err != nil {
		t.Fatal(err)
	}
	if a.Metadata.ResultHash != b.Metadata.ResultHash {
		t.Error("storage return order leaked into the result")
	}
}

func TestRun_EndOfDataClosesPosition(t *testing.T) {
	// Rising market, no sell rule ever fires before the data ends.
	bars := waveBars(30)[:18]
	res, err := testEngine().Run(context.Background(), runParams(t, bars, core.PrecisionKline, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) == 0 {
		t.Fatal("no trades")
	}
	last := res.Trades[len(res.Trades)-1]
	if last.Side != core.SideSell || last.ExitReason != core.ExitEndOfData {
		t.Errorf("last trade = %+v, want end_of_data close", last)
	}
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := testEngine().Run(ctx, runParams(t, waveBars(60), core.PrecisionKline, 1))
	if !errors.Is(err, core.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if res != nil {
		t.Error("cancelled run returned a result")
	}
}

func TestRun_TimeoutKeepsDiagnostics(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	res, err := testEngine().Run(ctx, runParams(t, waveBars(60), core.PrecisionKline, 1))
	if !errors.Is(err, core.ErrEngineTimeout) {
		t.Fatalf("err = %v, want ErrEngineTimeout", err)
	}
	if res == nil {
		t.Fatal("timed-out run must keep its partial result")
	}
	if res.Metadata.BarsProcessed != 0 {
		t.Errorf("bars processed = %d, want 0 for an expired deadline", res.Metadata.BarsProcessed)
	}
}

func TestRun_CircuitBreakerAborts(t *testing.T) {
	sb, err := sandbox.New("when close / volume > 0: buy 1", sandbox.Config{
		MaxRules:          16,
		BreakerMinSamples: 5,
		BreakerErrorRate:  0.5,
		BreakerWindow:     time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	bars := waveBars(30)
	for i := range bars {
		bars[i].Volume = decimal.Zero // every bar divides by zero
	}

	p := runParams(t, bars, core.PrecisionKline, 1)
	p.Sandbox = sb
	res, err := testEngine().Run(context.Background(), p)
	if !errors.Is(err, core.ErrCircuitBreaker) {
		t.Fatalf("err = %v, want ErrCircuitBreaker", err)
	}
	if res == nil || res.Metadata.StrategyErrorCount == 0 {
		t.Fatal("aborted run must carry its error diagnostics")
	}
}

func TestRun_TickBudgetCapsSynthesis(t *testing.T) {
	bars := waveBars(40)
	p := runParams(t, bars, core.PrecisionTickReal, 9)
	p.Limits = tier.Limits{TickBudget: 64}

	res, err := testEngine().Run(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.TicksSimulated > 64 {
		t.Errorf("ticks = %d, exceeds budget 64", res.Metadata.TicksSimulated)
	}
	if res.Metadata.TicksSimulated == 0 {
		t.Error("no ticks simulated at TICK_REAL precision")
	}
}

func TestRun_HybridSegments(t *testing.T) {
	bars := waveBars(40)
	p := runParams(t, bars, core.PrecisionHybrid, 3)
	p.Segments = tier.PartitionHybrid(bars, 10, 0.02)

	res, err := testEngine().Run(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.ResultHash == "" {
		t.Fatal("missing result hash")
	}
}
