package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newthinker/replay/internal/config"
	"github.com/newthinker/replay/internal/core"
	"github.com/newthinker/replay/internal/engine"
	"github.com/newthinker/replay/internal/marketdata"
	"github.com/newthinker/replay/internal/progress"
	"github.com/newthinker/replay/internal/task"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

const strategy = `
when close > 100 and flat: buy 50% stop 3%
when close > 120 and long: sell all
`

func seededStore() *marketdata.MemoryStore {
	store := marketdata.NewMemoryStore()
	series := core.Series{
		Exchange:    "BINANCE",
		Symbol:      "BINANCE:BTCUSDT:SPOT",
		Timeframe:   "1h",
		ProductType: core.ProductSpot,
	}
	price := 95.0
	bars := make([]core.MarketBar, 48)
	for i := range bars {
		price += 1.0
		bars[i] = core.MarketBar{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(price - 1),
			High:      decimal.NewFromFloat(price + 2),
			Low:       decimal.NewFromFloat(price - 3),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	store.Add(series, bars...)
	return store
}

func newRunner(store marketdata.Store) (*Runner, *task.Store) {
	cfg := config.Defaults()
	cfg.Engine.Workers = 2
	tasks := task.NewStore(100, time.Hour)
	r := New(Options{
		Config:    cfg,
		Store:     store,
		Tasks:     tasks,
		Publisher: progress.NewPublisher(cfg.Engine.ProgressBuffer, nil),
	})
	return r, tasks
}

func request(user string) core.BacktestRequest {
	return core.BacktestRequest{
		UserID:         user,
		Tier:           "basic",
		StrategyCode:   strategy,
		Exchange:       "BINANCE",
		Symbol:         "BTC-USDT",
		Timeframe:      "1h",
		InitialCapital: decimal.NewFromInt(10_000),
		Range:          core.DateRange{Start: t0, End: t0.Add(48 * time.Hour)},
		Seed:           42,
	}
}

func waitTerminal(t *testing.T, tasks *task.Store, id string) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := tasks.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status.Terminal() {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal status")
	return nil
}

func TestSubmit_RunsToCompletion(t *testing.T) {
	r, tasks := newRunner(seededStore())
	r.Start()
	defer r.Stop()

	tk, applied, err := r.Submit(context.Background(), request("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if applied != core.PrecisionKline {
		t.Errorf("applied = %s, want KLINE for basic tier", applied)
	}

	final := waitTerminal(t, tasks, tk.ID)
	if final.Status != core.StatusCompleted {
		t.Fatalf("status = %s (err=%v), want completed", final.Status, final.Error)
	}

	first, err := tasks.Result(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := tasks.Result(tk.ID)
	if !bytes.Equal(first, again) {
		t.Error("result payload not byte-stable")
	}
}

func TestSubmit_SeedAssignedAtAcceptance(t *testing.T) {
	r, tasks := newRunner(seededStore())

	req := request("u1")
	req.Seed = 0
	tk, _, err := r.Submit(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := tasks.Get(tk.ID)
	if got.Request.Seed == 0 {
		t.Error("accepted request has no seed")
	}
}

func TestSubmit_ValidationFailures(t *testing.T) {
	r, _ := newRunner(seededStore())
	ctx := context.Background()

	bad := request("u1")
	bad.StrategyCode = ""
	if _, _, err := r.Submit(ctx, bad); !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("empty strategy: err = %v, want ErrConfigInvalid", err)
	}

	bad = request("u1")
	bad.StrategyCode = "when close >>> 1: buy 1"
	if _, _, err := r.Submit(ctx, bad); !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("broken strategy: err = %v, want ErrConfigInvalid", err)
	}

	bad = request("u1")
	bad.Tier = "platinum"
	if _, _, err := r.Submit(ctx, bad); !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("unknown tier: err = %v, want ErrConfigInvalid", err)
	}

	bad = request("u1")
	bad.Symbol = "DOGE-USDT"
	if _, _, err := r.Submit(ctx, bad); !errors.Is(err, core.ErrDataUnavailable) {
		t.Errorf("missing series: err = %v, want ErrDataUnavailable", err)
	}
}

func TestSubmit_AmbiguousSymbol(t *testing.T) {
	// Both spot and swap series exist for the pair, stored under their full
	// canonical keys the way the service seeds them. A request without a
	// product type must fail as ambiguous, never default to spot.
	store := marketdata.NewMemoryStore()
	bar := core.MarketBar{
		Timestamp: t0,
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(101),
		Low:       decimal.NewFromInt(99),
		Close:     decimal.NewFromInt(100),
		Volume:    decimal.NewFromInt(1),
	}
	store.Add(core.Series{
		Exchange: "BINANCE", Symbol: "BINANCE:BTCUSDT:SPOT",
		Timeframe: "1h", ProductType: core.ProductSpot,
	}, bar)
	store.Add(core.Series{
		Exchange: "BINANCE", Symbol: "BINANCE:BTCUSDT:SWAP",
		Timeframe: "1h", ProductType: core.ProductSwap,
	}, bar)
	r, _ := newRunner(store)

	_, _, err := r.Submit(context.Background(), request("u1"))
	if !errors.Is(err, core.ErrSymbolAmbiguous) {
		t.Fatalf("err = %v, want ErrSymbolAmbiguous", err)
	}
	var ce *core.Error
	if !errors.As(err, &ce) || len(ce.Suggestions) != 2 {
		t.Fatalf("expected product_type suggestions for both listings, got %+v", err)
	}

	// An explicit product type resolves it.
	req := request("u1")
	req.ProductType = core.ProductSwap
	if _, _, err := r.Submit(context.Background(), req); err != nil {
		t.Fatalf("explicit product type: %v", err)
	}
}

func TestSubmit_WrongProductSuggestsAlternative(t *testing.T) {
	store := marketdata.NewMemoryStore()
	series := core.Series{
		Exchange:    "BINANCE",
		Symbol:      "BINANCE:BTCUSDT:SWAP",
		Timeframe:   "1h",
		ProductType: core.ProductSwap,
	}
	store.Add(series, core.MarketBar{
		Timestamp: t0,
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(101),
		Low:       decimal.NewFromInt(99),
		Close:     decimal.NewFromInt(100),
		Volume:    decimal.NewFromInt(1),
	})
	r, _ := newRunner(store)

	req := request("u1")
	req.ProductType = core.ProductSpot

	_, _, err := r.Submit(context.Background(), req)
	if !errors.Is(err, core.ErrDataUnavailable) {
		t.Fatalf("err = %v, want ErrDataUnavailable", err)
	}
	var ce *core.Error
	if !errors.As(err, &ce) || len(ce.Suggestions) == 0 {
		t.Fatalf("expected suggestions, got %+v", err)
	}
}

func TestSubmit_ConcurrencyLimit(t *testing.T) {
	r, _ := newRunner(seededStore())
	// No workers: the first submission holds its slot.

	if _, _, err := r.Submit(context.Background(), request("u1")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Submit(context.Background(), request("u1")); !errors.Is(err, core.ErrTierLimit) {
		t.Fatalf("err = %v, want ErrTierLimit", err)
	}

	// Another user has their own slots.
	if _, _, err := r.Submit(context.Background(), request("u2")); err != nil {
		t.Fatalf("other user blocked: %v", err)
	}
}

func TestConcurrentRuns_IdenticalResultHash(t *testing.T) {
	// Five identical requests executing simultaneously on the pool must not
	// contaminate each other's state: every run yields the same hash.
	const runs = 5

	store := seededStore()
	cfg := config.Defaults()
	cfg.Engine.Workers = runs
	tasks := task.NewStore(100, time.Hour)
	r := New(Options{
		Config:    cfg,
		Store:     store,
		Tasks:     tasks,
		Publisher: progress.NewPublisher(cfg.Engine.ProgressBuffer, nil),
	})
	r.Start()
	defer r.Stop()

	ids := make([]string, runs)
	var wg sync.WaitGroup
	errs := make([]error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request("u1")
			req.Tier = "elite" // TICK_REAL, so the seeded RNG is exercised
			tk, _, err := r.Submit(context.Background(), req)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = tk.ID
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	var first engine.Result
	for i, id := range ids {
		final := waitTerminal(t, tasks, id)
		if final.Status != core.StatusCompleted {
			t.Fatalf("run %d status = %s (err=%v)", i, final.Status, final.Error)
		}
		payload, err := tasks.Result(id)
		if err != nil {
			t.Fatal(err)
		}
		var res engine.Result
		if err := json.Unmarshal(payload, &res); err != nil {
			t.Fatal(err)
		}
		if res.Metadata.ResultHash == "" {
			t.Fatal("empty result hash")
		}
		if i == 0 {
			first = res
			continue
		}
		if res.Metadata.ResultHash != first.Metadata.ResultHash {
			t.Errorf("run %d hash = %s, run 0 hash = %s", i, res.Metadata.ResultHash, first.Metadata.ResultHash)
		}
		if len(res.Trades) != len(first.Trades) {
			t.Errorf("run %d trades = %d, run 0 trades = %d", i, len(res.Trades), len(first.Trades))
		}
	}
}

// deadlineStore surfaces an already-expired context from the load path, the
// way a database driver would.
type deadlineStore struct{ marketdata.Store }

func (d deadlineStore) LoadBars(ctx context.Context, s core.Series, r core.DateRange) ([]core.MarketBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Store.LoadBars(ctx, s, r)
}

func TestRun_TimeoutDuringLoadIsTimedOut(t *testing.T) {
	cfg := config.Defaults()
	cfg.Engine.Workers = 1
	basic := cfg.Tiers["basic"]
	basic.Timeout = time.Nanosecond
	cfg.Tiers["basic"] = basic

	tasks := task.NewStore(10, time.Hour)
	r := New(Options{
		Config:    cfg,
		Store:     deadlineStore{seededStore()},
		Tasks:     tasks,
		Publisher: progress.NewPublisher(cfg.Engine.ProgressBuffer, nil),
	})
	r.Start()
	defer r.Stop()

	tk, _, err := r.Submit(context.Background(), request("u1"))
	if err != nil {
		t.Fatal(err)
	}

	final := waitTerminal(t, tasks, tk.ID)
	if final.Status != core.StatusTimedOut {
		t.Fatalf("status = %s (err=%v), want timed_out", final.Status, final.Error)
	}
	if final.Error == nil || final.Error.Code != "ENGINE_TIMEOUT" {
		t.Fatalf("error = %+v, want ENGINE_TIMEOUT", final.Error)
	}
}

func TestCancel_QueuedTask(t *testing.T) {
	r, tasks := newRunner(seededStore())

	tk, _, err := r.Submit(context.Background(), request("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Cancel(tk.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := tasks.Get(tk.ID)
	if got.Status != core.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	// Workers starting later must not resurrect the task.
	r.Start()
	defer r.Stop()
	time.Sleep(50 * time.Millisecond)
	got, _ = tasks.Get(tk.ID)
	if got.Status != core.StatusCancelled {
		t.Errorf("status = %s after workers drained, want cancelled", got.Status)
	}

	if _, err := tasks.Result(tk.ID); !errors.Is(err, core.ErrResultNotReady) {
		t.Errorf("result err = %v, want ErrResultNotReady", err)
	}
}
