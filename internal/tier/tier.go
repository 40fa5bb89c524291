// Package tier maps subscription tiers to replay precision ceilings and
// resource limits, and enforces per-user admission.
package tier

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/newthinker/replay/internal/config"
	"github.com/newthinker/replay/internal/core"
)

// Limits are the resource bounds of one tier.
type Limits struct {
	Precision            core.DataPrecision
	MaxConcurrentRuns    int
	TickBudget           int64
	Timeout              time.Duration
	SubmissionsPerMinute float64
}

// LimitsFromConfig converts the configured tier table.
func LimitsFromConfig(tiers map[string]config.TierConfig) map[string]Limits {
	out := make(map[string]Limits, len(tiers))
	for name, t := range tiers {
		out[name] = Limits{
			Precision:            core.DataPrecision(t.Precision),
			MaxConcurrentRuns:    t.MaxConcurrentRuns,
			TickBudget:           t.TickBudget,
			Timeout:              t.Timeout,
			SubmissionsPerMinute: t.SubmissionsPerMinute,
		}
	}
	return out
}

// Resolver resolves a caller's tier into limits and the applied precision.
type Resolver struct {
	tiers map[string]Limits
}

// NewResolver creates a resolver over the configured tiers.
func NewResolver(tiers map[string]Limits) *Resolver {
	return &Resolver{tiers: tiers}
}

// Resolve returns the tier limits and the precision that will actually be
// applied. A request above the tier's ceiling is silently downgraded; the
// caller records the applied precision in the result metadata instead of
// failing.
func (r *Resolver) Resolve(tierName string, requested core.DataPrecision) (Limits, core.DataPrecision, error) {
	limits, ok := r.tiers[tierName]
	if !ok {
		return Limits{}, "", core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown tier %q", tierName))
	}

	applied := limits.Precision
	if requested != "" {
		if !requested.IsKnown() {
			return Limits{}, "", core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("unknown precision %q", requested))
		}
		if requested.Rank() < limits.Precision.Rank() {
			// Requesting below the ceiling is always honored.
			applied = requested
		}
	}
	return limits, applied, nil
}

// Limiter enforces per-user concurrency slots and submission rates.
type Limiter struct {
	mu       sync.Mutex
	active   map[string]int
	limiters map[string]*rate.Limiter
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		active:   make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Acquire reserves one run slot for the user. It fails with ErrTierLimit when
// the user is at the tier's concurrency ceiling or submitting too fast. The
// returned release func must be called exactly once when the run finishes.
func (l *Limiter) Acquire(userID string, limits Limits) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active[userID] >= limits.MaxConcurrentRuns {
		return nil, core.ErrTierLimit.WithSuggestions(
			fmt.Sprintf("wait for a running backtest to finish (limit %d concurrent)", limits.MaxConcurrentRuns))
	}

	rl, ok := l.limiters[userID]
	if !ok {
		burst := limits.MaxConcurrentRuns
		if burst < 1 {
			burst = 1
		}
		rl = rate.NewLimiter(rate.Limit(limits.SubmissionsPerMinute/60.0), burst)
		l.limiters[userID] = rl
	}
	if !rl.Allow() {
		return nil, core.ErrTierLimit.WithSuggestions("reduce submission rate")
	}

	l.active[userID]++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.active[userID] > 0 {
				l.active[userID]--
			}
		})
	}, nil
}

// Active reports the user's running count.
func (l *Limiter) Active(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[userID]
}
