package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/newthinker/replay/internal/core"
)

// maxRecordedErrors caps the per-run diagnostic error list so a strategy that
// fails on every bar cannot balloon the result payload.
const maxRecordedErrors = 32

// Config tunes compilation limits and the circuit breaker.
type Config struct {
	MaxRules          int
	BreakerMinSamples uint32
	BreakerErrorRate  float64
	BreakerWindow     time.Duration
	ExtraDeniedTokens []string
}

// RuntimeError is one recoverable per-bar strategy failure, kept for the
// run's diagnostics.
type RuntimeError struct {
	BarIndex int    `json:"bar_index"`
	Rule     int    `json:"rule_line,omitempty"`
	Message  string `json:"message"`
}

// Sandbox runs a compiled strategy with fault isolation: per-bar failures are
// recoverable, and a circuit breaker converts a persistent failure pattern
// into a single fatal error.
type Sandbox struct {
	program *Program
	breaker *gobreaker.CircuitBreaker

	recorded []RuntimeError
	errCount int
}

// New compiles source and wires the breaker. Compilation failures are
// configuration errors; hostile deny-listed constructs compile into nodes
// that fail at evaluation instead (see Compile).
func New(source string, cfg Config) (*Sandbox, error) {
	program, err := Compile(source, cfg.MaxRules, cfg.ExtraDeniedTokens)
	if err != nil {
		return nil, err
	}

	minSamples := cfg.BreakerMinSamples
	if minSamples == 0 {
		minSamples = 20
	}
	errorRate := cfg.BreakerErrorRate
	if errorRate <= 0 || errorRate > 1 {
		errorRate = 0.25
	}
	window := cfg.BreakerWindow
	if window <= 0 {
		window = 10 * time.Second
	}

	settings := gobreaker.Settings{
		Name:     "strategy",
		Interval: window,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minSamples {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= errorRate
		},
	}

	return &Sandbox{
		program: program,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// EvaluateBar runs the strategy against one bar. It returns at most one
// signal. A recoverable failure comes back as ErrStrategyRuntime; once the
// breaker opens every subsequent call is ErrCircuitBreaker, which the caller
// must treat as fatal.
func (s *Sandbox) EvaluateBar(env *Env) (*core.TradingSignal, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.evalOnce(env)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, core.WrapError(core.ErrCircuitBreaker,
				fmt.Errorf("strategy disabled after repeated failures (%d errors)", s.errCount))
		}
		s.record(env.Idx, err)
		return nil, core.WrapError(core.ErrStrategyRuntime,
			fmt.Errorf("bar %d: %w", env.Idx, err))
	}
	if out == nil {
		return nil, nil
	}
	return out.(*core.TradingSignal), nil
}

// evalOnce walks the rules in order; the first true condition wins the bar.
func (s *Sandbox) evalOnce(env *Env) (sig *core.TradingSignal, err error) {
	defer func() {
		if r := recover(); r != nil {
			sig, err = nil, evalError{fmt.Sprintf("strategy panicked: %v", r)}
		}
	}()

	for _, rule := range s.program.Rules {
		v, err := rule.Condition.eval(env, env.Idx)
		if err != nil {
			return nil, fmt.Errorf("rule at line %d: %w", rule.Line, err)
		}
		if !v.ready || !v.isBool || !v.b {
			continue
		}
		if rule.Action.violation != "" {
			return nil, fmt.Errorf("rule at line %d: %w",
				rule.Line, securityError{rule.Action.violation})
		}
		if rule.Action.Side == core.SideHold {
			return nil, nil
		}
		return &core.TradingSignal{
			Side:      rule.Action.Side,
			Fraction:  rule.Action.Fraction,
			StopPct:   rule.Action.StopPct,
			TargetPct: rule.Action.TargetPct,
		}, nil
	}
	return nil, nil
}

func (s *Sandbox) record(barIdx int, err error) {
	s.errCount++
	if len(s.recorded) < maxRecordedErrors {
		s.recorded = append(s.recorded, RuntimeError{
			BarIndex: barIdx,
			Message:  err.Error(),
		})
	}
}

// Errors returns the recorded per-bar failures, capped.
func (s *Sandbox) Errors() []RuntimeError { return s.recorded }

// ErrorCount returns the total number of recoverable failures, including any
// beyond the recording cap.
func (s *Sandbox) ErrorCount() int { return s.errCount }

// Tripped reports whether the breaker is open.
func (s *Sandbox) Tripped() bool { return s.breaker.State() == gobreaker.StateOpen }
