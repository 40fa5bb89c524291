// Package runner owns the submission pipeline and the worker pool. A request
// travels tier resolution, strategy compilation, symbol resolution, and data
// validation before a task is ever created; execution then happens on a
// bounded pool under the tier's wall-clock budget.
package runner

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/replay/internal/archive"
	"github.com/newthinker/replay/internal/config"
	"github.com/newthinker/replay/internal/core"
	"github.com/newthinker/replay/internal/engine"
	"github.com/newthinker/replay/internal/marketdata"
	"github.com/newthinker/replay/internal/metrics"
	"github.com/newthinker/replay/internal/progress"
	"github.com/newthinker/replay/internal/sandbox"
	"github.com/newthinker/replay/internal/sim"
	"github.com/newthinker/replay/internal/symbol"
	"github.com/newthinker/replay/internal/task"
	"github.com/newthinker/replay/internal/tier"
)

// Runner accepts, schedules, and executes backtest runs.
type Runner struct {
	cfg       *config.Config
	store     marketdata.Store
	cache     *marketdata.SeriesCache
	validator *marketdata.Validator
	tiers     *tier.Resolver
	limiter   *tier.Limiter
	engine    *engine.Engine
	tasks     *task.Store
	publisher *progress.Publisher
	archiver  *archive.Archiver
	registry  *metrics.Registry
	logger    *zap.Logger

	jobs chan job
	wg   sync.WaitGroup
}

type job struct {
	taskID    string
	request   core.BacktestRequest
	canonical string
	series    core.Series
	limits    tier.Limits
	applied   core.DataPrecision
	sandbox   *sandbox.Sandbox
	release   func()
}

// Options wires the runner's collaborators. Archiver and Registry may be nil.
type Options struct {
	Config    *config.Config
	Store     marketdata.Store
	Tasks     *task.Store
	Publisher *progress.Publisher
	Archiver  *archive.Archiver
	Registry  *metrics.Registry
	Logger    *zap.Logger
}

func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fees := sim.NewFeeModel(opts.Config.Fees)
	// evicted tasks take their progress streams with them
	opts.Tasks.SetEvictionHook(opts.Publisher.Forget)
	return &Runner{
		cfg:       opts.Config,
		store:     opts.Store,
		cache:     marketdata.NewSeriesCache(opts.Store),
		validator: marketdata.NewValidator(opts.Store, logger),
		tiers:     tier.NewResolver(tier.LimitsFromConfig(opts.Config.Tiers)),
		limiter:   tier.NewLimiter(),
		engine:    engine.New(opts.Config.Engine, fees, logger),
		tasks:     opts.Tasks,
		publisher: opts.Publisher,
		archiver:  opts.Archiver,
		registry:  opts.Registry,
		logger:    logger,
		jobs:      make(chan job, opts.Config.Server.MaxTasks),
	}
}

// Start launches the worker pool.
func (r *Runner) Start() {
	workers := r.cfg.Engine.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for j := range r.jobs {
				r.execute(j)
			}
		}()
	}
}

// Stop drains the pool. In-flight runs finish; queued jobs still execute.
func (r *Runner) Stop() {
	close(r.jobs)
	r.wg.Wait()
}

// Submit validates the request end to end and schedules it. All failures
// here happen before any execution state exists.
func (r *Runner) Submit(ctx context.Context, req core.BacktestRequest) (*task.Task, core.DataPrecision, error) {
	if err := validateRequest(req); err != nil {
		return nil, "", err
	}

	limits, applied, err := r.tiers.Resolve(req.Tier, req.Precision)
	if err != nil {
		return nil, "", err
	}

	sb, err := sandbox.New(req.StrategyCode, sandbox.Config{
		MaxRules:          r.cfg.Sandbox.MaxRules,
		BreakerMinSamples: r.cfg.Sandbox.BreakerMinSamples,
		BreakerErrorRate:  r.cfg.Sandbox.BreakerErrorRate,
		BreakerWindow:     r.cfg.Sandbox.BreakerWindow,
		ExtraDeniedTokens: r.cfg.Sandbox.ExtraDeniedTokens,
	})
	if err != nil {
		return nil, "", err
	}

	listings, err := r.store.Listings(ctx, req.Exchange)
	if err != nil {
		return nil, "", err
	}
	canonical, err := symbol.NewResolver(listings).Resolve(req.Exchange, req.Symbol, req.ProductType)
	if err != nil {
		return nil, "", err
	}
	_, _, product, err := symbol.Split(canonical)
	if err != nil {
		return nil, "", err
	}
	req.ProductType = product

	series := core.Series{
		Exchange:    req.Exchange,
		Symbol:      canonical,
		Timeframe:   req.Timeframe,
		ProductType: product,
	}
	if _, err := r.validator.Validate(ctx, series, req.Range); err != nil {
		return nil, "", err
	}

	release, err := r.limiter.Acquire(req.UserID, limits)
	if err != nil {
		return nil, "", err
	}

	if req.Seed == 0 {
		req.Seed = drawSeed()
	}

	t := r.tasks.Create(req)
	j := job{
		taskID:    t.ID,
		request:   req,
		canonical: canonical,
		series:    series,
		limits:    limits,
		applied:   applied,
		sandbox:   sb,
		release:   release,
	}

	select {
	case r.jobs <- j:
	default:
		release()
		return nil, "", core.ErrTierLimit.WithSuggestions("retry after running backtests drain")
	}

	r.publisher.Publish(core.ProgressEvent{
		TaskID: t.ID, Percent: 0, StepName: "queued", Status: core.StatusPending,
	})
	r.logger.Info("backtest accepted",
		zap.String("task_id", t.ID),
		zap.String("user_id", req.UserID),
		zap.String("symbol", canonical),
		zap.String("applied_precision", string(applied)),
		zap.Int64("seed", req.Seed))
	return t, applied, nil
}

func (r *Runner) execute(j job) {
	defer j.release()
	start := time.Now()

	if r.registry != nil {
		r.registry.RunStarted(j.request.Tier)
		defer r.registry.RunFinished(j.request.Tier)
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.limits.Timeout)
	defer cancel()
	r.tasks.SetCancel(j.taskID, cancel)

	if err := r.tasks.Update(j.taskID, func(t *task.Task) {
		t.Status = core.StatusRunning
		t.Step = "loading"
	}); err != nil {
		// cancelled while queued
		r.finishWith(j, start, nil, core.WrapError(core.ErrCancelled, err))
		return
	}
	r.publisher.Publish(core.ProgressEvent{
		TaskID: j.taskID, Percent: 0, StepName: "loading", Status: core.StatusRunning,
	})

	bars, err := r.cache.LoadBars(ctx, j.series, j.request.Range)
	if err != nil {
		// a deadline that expires while loading is still a run timeout,
		// not a store failure
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = core.WrapError(core.ErrEngineTimeout, err)
		case errors.Is(err, context.Canceled):
			err = core.WrapError(core.ErrCancelled, err)
		}
		r.finishWith(j, start, nil, err)
		return
	}
	if r.registry != nil {
		r.registry.SetCachedSeries(r.cache.Len())
	}

	res, err := r.engine.Run(ctx, engine.RunParams{
		TaskID:           j.taskID,
		Request:          j.request,
		CanonicalSymbol:  j.canonical,
		Bars:             bars,
		Segments:         r.segments(bars, j.applied),
		AppliedPrecision: j.applied,
		Limits:           j.limits,
		Sandbox:          j.sandbox,
		Publisher:        r.publisher,
	})
	r.finishWith(j, start, res, err)
}

// segments maps the applied precision onto the bar stream.
func (r *Runner) segments(bars []core.MarketBar, applied core.DataPrecision) []tier.Segment {
	switch applied {
	case core.PrecisionHybrid:
		return tier.PartitionHybrid(bars, r.cfg.Engine.HybridSegmentBars, r.cfg.Engine.HybridVolatilityThreshold)
	case core.PrecisionTickReal:
		return tier.UniformSegments(len(bars), core.PrecisionTickReal)
	default:
		return tier.UniformSegments(len(bars), core.PrecisionKline)
	}
}

func (r *Runner) finishWith(j job, start time.Time, res *engine.Result, runErr error) {
	var status core.TaskStatus

	if runErr == nil {
		if err := r.tasks.Complete(j.taskID, res); err != nil {
			// lost a race with an API cancel
			status = core.StatusCancelled
		} else {
			status = core.StatusCompleted
			r.archiveResult(j.taskID)
		}
	} else {
		if errors.Is(runErr, core.ErrCircuitBreaker) && r.registry != nil {
			r.registry.RecordBreakerTrip()
		}
		if res != nil {
			// partial run metadata survives as diagnostics, never as a result
			r.tasks.Update(j.taskID, func(t *task.Task) {
				t.Diagnostics = res.Metadata
			})
		}
		if err := r.tasks.Fail(j.taskID, runErr); err != nil && errors.Is(err, core.ErrTaskTerminal) {
			status = core.StatusCancelled
		}
	}
	if status == "" {
		if t, err := r.tasks.Get(j.taskID); err == nil {
			status = t.Status
		} else {
			status = core.StatusFailed
		}
	}

	r.publisher.Publish(core.ProgressEvent{
		TaskID:   j.taskID,
		Percent:  100,
		StepName: "done",
		Status:   status,
	})

	if r.registry != nil {
		r.registry.RecordRun(string(status), time.Since(start).Seconds())
		if res != nil {
			r.registry.AddBars(res.Metadata.BarsProcessed)
			r.registry.AddTicks(res.Metadata.TicksSimulated)
			r.registry.AddStrategyErrors(res.Metadata.StrategyErrorCount)
		}
	}

	if runErr != nil {
		r.logger.Warn("backtest finished with error",
			zap.String("task_id", j.taskID),
			zap.String("status", string(status)),
			zap.Error(runErr))
		return
	}
	r.logger.Info("backtest completed",
		zap.String("task_id", j.taskID),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("trades", len(res.Trades)),
		zap.String("result_hash", res.Metadata.ResultHash))
}

func (r *Runner) archiveResult(taskID string) {
	if r.archiver == nil {
		return
	}
	payload, err := r.tasks.Result(taskID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// best effort; Store logs its own failures
	_ = r.archiver.Store(ctx, taskID, time.Now(), payload)
}

// Cancel stops a task, whether queued or running.
func (r *Runner) Cancel(taskID string) error {
	return r.tasks.Cancel(taskID)
}

func validateRequest(req core.BacktestRequest) error {
	switch {
	case req.UserID == "":
		return core.WrapError(core.ErrConfigInvalid, fmt.Errorf("user_id is required"))
	case req.StrategyCode == "":
		return core.WrapError(core.ErrConfigInvalid, fmt.Errorf("strategy_code is required"))
	case req.Exchange == "" || req.Symbol == "":
		return core.WrapError(core.ErrConfigInvalid, fmt.Errorf("exchange and symbol are required"))
	case req.Timeframe == "":
		return core.WrapError(core.ErrConfigInvalid, fmt.Errorf("timeframe is required"))
	case !req.InitialCapital.IsPositive():
		return core.WrapError(core.ErrConfigInvalid, fmt.Errorf("initial_capital must be positive"))
	case !req.Range.End.After(req.Range.Start):
		return core.WrapError(core.ErrConfigInvalid, fmt.Errorf("date range is empty or inverted"))
	}
	return nil
}

// drawSeed picks a run seed at acceptance time so the request becomes fully
// reproducible once recorded.
func drawSeed() int64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	seed := int64(binary.BigEndian.Uint64(b[:]) >> 1)
	if seed == 0 {
		seed = 1
	}
	return seed
}
