package core

import "fmt"

// Error is a structured error with a stable code, an optional cause, and an
// actionable suggestions list surfaced to callers.
type Error struct {
	Code        string
	Message     string
	Suggestions []string
	Cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is matching by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WrapError creates a new error with the same code but with a cause.
func WrapError(base *Error, cause error) *Error {
	return &Error{
		Code:        base.Code,
		Message:     base.Message,
		Suggestions: base.Suggestions,
		Cause:       cause,
	}
}

// WithSuggestions returns a copy of the error carrying the given suggestions.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	return &Error{
		Code:        e.Code,
		Message:     e.Message,
		Suggestions: suggestions,
		Cause:       e.Cause,
	}
}

// Predefined errors
var (
	// Configuration errors (fatal, pre-execution)
	ErrConfigInvalid = &Error{Code: "CONFIG_INVALID", Message: "configuration invalid"}
	ErrConfigMissing = &Error{Code: "CONFIG_MISSING", Message: "required configuration missing"}

	// Data errors (fatal, pre-execution; absence is never patched with synthetic bars)
	ErrDataUnavailable = &Error{Code: "DATA_UNAVAILABLE", Message: "no market data for the requested series"}
	ErrSymbolAmbiguous = &Error{Code: "SYMBOL_AMBIGUOUS", Message: "symbol matches multiple product types"}

	// Strategy errors
	ErrStrategyRuntime = &Error{Code: "STRATEGY_RUNTIME", Message: "strategy evaluation failed"}
	ErrCircuitBreaker  = &Error{Code: "STRATEGY_CIRCUIT_BREAKER", Message: "strategy error rate exceeded threshold"}

	// Run lifecycle errors
	ErrEngineTimeout = &Error{Code: "ENGINE_TIMEOUT", Message: "run exceeded its wall-clock budget"}
	ErrCancelled     = &Error{Code: "CANCELLED", Message: "run cancelled"}

	// API errors
	ErrTierLimit      = &Error{Code: "TIER_LIMIT", Message: "tier concurrency limit exceeded"}
	ErrTaskNotFound   = &Error{Code: "TASK_NOT_FOUND", Message: "task not found"}
	ErrResultNotReady = &Error{Code: "RESULT_NOT_READY", Message: "task has not completed"}
	ErrTaskTerminal   = &Error{Code: "TASK_TERMINAL", Message: "task already reached a terminal status"}

	// Storage errors
	ErrStoreFailed = &Error{Code: "STORE_FAILED", Message: "market data store query failed"}
)
