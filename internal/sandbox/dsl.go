package sandbox

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/newthinker/replay/internal/core"
	"github.com/newthinker/replay/internal/indicator"
)

// The strategy language is a line-oriented rule DSL:
//
//	param fast = 10
//	param slow = 30
//	when cross_up(sma(fast), sma(slow)) and flat: buy 50% stop 2% target 6%
//	when rsi(14) > 70 and long: sell all
//
// Rules are evaluated in order against every bar; the first matching rule
// emits the bar's single signal. The capability surface is exactly the
// identifiers and functions below; there is no way to reach the filesystem,
// network, or runtime from a strategy.

// deniedTokens blocks hostile constructs at the lexer boundary. Matching is
// case-insensitive on whole identifiers.
var deniedTokens = map[string]struct{}{
	"import": {}, "require": {}, "include": {},
	"open": {}, "file": {}, "read": {}, "write": {},
	"exec": {}, "eval": {}, "system": {}, "spawn": {}, "subprocess": {},
	"socket": {}, "http": {}, "fetch": {}, "net": {}, "url": {},
	"os": {}, "sys": {}, "env": {}, "getenv": {},
	"reflect": {}, "getattr": {}, "globals": {}, "builtins": {},
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokOp // punctuation and operators
	tokEOL
)

type token struct {
	kind tokenKind
	text string
	num  float64
	line int
}

type lexError struct {
	line int
	msg  string
}

func (e lexError) Error() string { return fmt.Sprintf("line %d: %s", e.line, e.msg) }

func lexLine(line string, lineNo int) ([]token, error) {
	var toks []token
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '#':
			i = len(line) // comment to end of line
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(line) && (line[j] >= '0' && line[j] <= '9' || line[j] == '.') {
				j++
			}
			n, err := strconv.ParseFloat(line[i:j], 64)
			if err != nil {
				return nil, lexError{lineNo, fmt.Sprintf("bad number %q", line[i:j])}
			}
			toks = append(toks, token{kind: tokNumber, text: line[i:j], num: n, line: lineNo})
			i = j
		case isIdentChar(c):
			j := i
			for j < len(line) && isIdentChar(line[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: strings.ToLower(line[i:j]), line: lineNo})
			i = j
		default:
			// multi-char operators first
			if i+1 < len(line) {
				two := line[i : i+2]
				switch two {
				case ">=", "<=", "==", "!=":
					toks = append(toks, token{kind: tokOp, text: two, line: lineNo})
					i += 2
					continue
				}
			}
			switch c {
			case '>', '<', '+', '-', '*', '/', '(', ')', ':', '%', '=', ',':
				toks = append(toks, token{kind: tokOp, text: string(c), line: lineNo})
				i++
			default:
				return nil, lexError{lineNo, fmt.Sprintf("unexpected character %q", c)}
			}
		}
	}
	toks = append(toks, token{kind: tokEOL, line: lineNo})
	return toks, nil
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

// Env is everything a strategy may observe. Slices cover the full ordered bar
// stream; only indexes up to Idx are visible to evaluation.
type Env struct {
	Idx     int
	Opens   []float64
	Highs   []float64
	Lows    []float64
	Closes  []float64
	Volumes []float64

	Position       *core.Position
	Cash           float64
	Equity         float64
	BarsSinceEntry int
}

// value is the tagged evaluation result: numbers and booleans only.
type value struct {
	num    float64
	b      bool
	isBool bool
	// ready is false when an indicator window is not yet filled; conditions
	// involving a not-ready value evaluate to false instead of erroring.
	ready bool
}

func numVal(n float64) value  { return value{num: n, ready: true} }
func boolVal(b bool) value    { return value{b: b, isBool: true, ready: true} }
func notReady() value         { return value{} }

type evalError struct{ msg string }

func (e evalError) Error() string { return e.msg }

// securityError marks a deny-list violation observed during evaluation.
type securityError struct{ construct string }

func (e securityError) Error() string {
	return fmt.Sprintf("security violation: forbidden construct %q", e.construct)
}

type expr interface {
	eval(env *Env, at int) (value, error)
}

type numberExpr struct{ n float64 }

func (e numberExpr) eval(*Env, int) (value, error) { return numVal(e.n), nil }

// violationExpr is emitted for deny-listed identifiers. It compiles fine and
// fails at evaluation time, so a hostile construct costs per-bar errors that
// feed the circuit breaker instead of aborting the whole run up front.
type violationExpr struct{ construct string }

func (e violationExpr) eval(*Env, int) (value, error) {
	return value{}, securityError{e.construct}
}

type identExpr struct{ name string }

func (e identExpr) eval(env *Env, at int) (value, error) {
	if at < 0 {
		return notReady(), nil
	}
	switch e.name {
	case "open":
		return numVal(env.Opens[at]), nil
	case "high":
		return numVal(env.Highs[at]), nil
	case "low":
		return numVal(env.Lows[at]), nil
	case "close":
		return numVal(env.Closes[at]), nil
	case "volume":
		return numVal(env.Volumes[at]), nil
	case "flat":
		return boolVal(!env.Position.IsOpen()), nil
	case "long":
		return boolVal(env.Position.IsOpen()), nil
	case "position_qty":
		if !env.Position.IsOpen() {
			return numVal(0), nil
		}
		qty, _ := env.Position.Quantity.Float64()
		return numVal(qty), nil
	case "entry_price":
		if !env.Position.IsOpen() {
			return notReady(), nil
		}
		entry, _ := env.Position.Entry.Float64()
		return numVal(entry), nil
	case "bars_since_entry":
		return numVal(float64(env.BarsSinceEntry)), nil
	case "cash":
		return numVal(env.Cash), nil
	case "equity":
		return numVal(env.Equity), nil
	}
	return value{}, evalError{fmt.Sprintf("unknown identifier %q", e.name)}
}

type callExpr struct {
	name string
	args []expr
}

func (e callExpr) eval(env *Env, at int) (value, error) {
	if at < 0 {
		return notReady(), nil
	}
	switch e.name {
	case "sma", "ema", "rsi", "highest", "lowest", "atr":
		period, err := e.intArg(env, at, 0)
		if err != nil {
			return value{}, err
		}
		return seriesIndicator(e.name, env, at, period)
	case "cross_up", "cross_down":
		if len(e.args) != 2 {
			return value{}, evalError{e.name + " takes two arguments"}
		}
		aNow, err := e.args[0].eval(env, at)
		if err != nil {
			return value{}, err
		}
		bNow, err := e.args[1].eval(env, at)
		if err != nil {
			return value{}, err
		}
		aPrev, err := e.args[0].eval(env, at-1)
		if err != nil {
			return value{}, err
		}
		bPrev, err := e.args[1].eval(env, at-1)
		if err != nil {
			return value{}, err
		}
		if !aNow.ready || !bNow.ready || !aPrev.ready || !bPrev.ready {
			return notReady(), nil
		}
		if e.name == "cross_up" {
			return boolVal(aPrev.num <= bPrev.num && aNow.num > bNow.num), nil
		}
		return boolVal(aPrev.num >= bPrev.num && aNow.num < bNow.num), nil
	}
	return value{}, evalError{fmt.Sprintf("unknown function %q", e.name)}
}

func (e callExpr) intArg(env *Env, at, i int) (int, error) {
	if len(e.args) != 1 {
		return 0, evalError{e.name + " takes one argument"}
	}
	v, err := e.args[i].eval(env, at)
	if err != nil {
		return 0, err
	}
	if v.isBool || !v.ready {
		return 0, evalError{e.name + " period must be a number"}
	}
	period := int(v.num)
	if period <= 0 {
		return 0, evalError{fmt.Sprintf("%s period must be positive, got %d", e.name, period)}
	}
	return period, nil
}

func seriesIndicator(name string, env *Env, at, period int) (value, error) {
	window := env.Closes[:at+1]
	switch name {
	case "sma":
		vals := indicator.SMA(window, period)
		return lastOrNotReady(vals), nil
	case "ema":
		vals := indicator.EMA(window, period)
		return lastOrNotReady(vals), nil
	case "rsi":
		vals := indicator.RSI(window, period)
		return lastOrNotReady(vals), nil
	case "atr":
		vals := indicator.ATR(env.Highs[:at+1], env.Lows[:at+1], window, period)
		return lastOrNotReady(vals), nil
	case "highest":
		if v, ok := indicator.Highest(window, period); ok {
			return numVal(v), nil
		}
		return notReady(), nil
	case "lowest":
		if v, ok := indicator.Lowest(window, period); ok {
			return numVal(v), nil
		}
		return notReady(), nil
	}
	return value{}, evalError{fmt.Sprintf("unknown indicator %q", name)}
}

func lastOrNotReady(vals []float64) value {
	if len(vals) == 0 {
		return notReady()
	}
	return numVal(vals[len(vals)-1])
}

type binaryExpr struct {
	op          string
	left, right expr
}

func (e binaryExpr) eval(env *Env, at int) (value, error) {
	l, err := e.left.eval(env, at)
	if err != nil {
		return value{}, err
	}
	r, err := e.right.eval(env, at)
	if err != nil {
		return value{}, err
	}

	switch e.op {
	case "and", "or":
		if !l.ready || !r.ready {
			return boolVal(false), nil
		}
		if !l.isBool || !r.isBool {
			return value{}, evalError{e.op + " requires boolean operands"}
		}
		if e.op == "and" {
			return boolVal(l.b && r.b), nil
		}
		return boolVal(l.b || r.b), nil
	}

	// numeric operators from here on
	if !l.ready || !r.ready {
		if isComparison(e.op) {
			return boolVal(false), nil
		}
		return notReady(), nil
	}
	if l.isBool || r.isBool {
		return value{}, evalError{fmt.Sprintf("operator %q requires numeric operands", e.op)}
	}

	switch e.op {
	case "+":
		return numVal(l.num + r.num), nil
	case "-":
		return numVal(l.num - r.num), nil
	case "*":
		return numVal(l.num * r.num), nil
	case "/":
		if r.num == 0 {
			return value{}, evalError{"division by zero"}
		}
		return numVal(l.num / r.num), nil
	case ">":
		return boolVal(l.num > r.num), nil
	case "<":
		return boolVal(l.num < r.num), nil
	case ">=":
		return boolVal(l.num >= r.num), nil
	case "<=":
		return boolVal(l.num <= r.num), nil
	case "==":
		return boolVal(l.num == r.num), nil
	case "!=":
		return boolVal(l.num != r.num), nil
	}
	return value{}, evalError{fmt.Sprintf("unknown operator %q", e.op)}
}

func isComparison(op string) bool {
	switch op {
	case ">", "<", ">=", "<=", "==", "!=":
		return true
	}
	return false
}

type notExpr struct{ inner expr }

func (e notExpr) eval(env *Env, at int) (value, error) {
	v, err := e.inner.eval(env, at)
	if err != nil {
		return value{}, err
	}
	if !v.ready {
		return boolVal(false), nil
	}
	if !v.isBool {
		return value{}, evalError{"not requires a boolean operand"}
	}
	return boolVal(!v.b), nil
}

// Action is the consequent of one rule.
type Action struct {
	Side      core.Side
	Fraction  decimal.Decimal // of equity (buy) or of position (sell)
	StopPct   decimal.Decimal
	TargetPct decimal.Decimal
	violation string // non-empty for deny-listed actions
}

// Rule is one compiled "when <cond>: <action>" line.
type Rule struct {
	Line      int
	Condition expr
	Action    Action
}

// Program is a compiled strategy.
type Program struct {
	Rules []Rule
}
