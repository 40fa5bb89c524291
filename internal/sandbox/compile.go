package sandbox

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/newthinker/replay/internal/core"
)

var knownIdents = map[string]struct{}{
	"open": {}, "high": {}, "low": {}, "close": {}, "volume": {},
	"flat": {}, "long": {}, "position_qty": {}, "entry_price": {},
	"bars_since_entry": {}, "cash": {}, "equity": {},
}

var knownFuncs = map[string]struct{}{
	"sma": {}, "ema": {}, "rsi": {}, "atr": {}, "highest": {}, "lowest": {},
	"cross_up": {}, "cross_down": {},
}

// Compile parses strategy source into a Program. Structural problems (bad
// syntax, unknown identifiers, too many rules) are configuration errors and
// fail fast; deny-listed constructs compile into violation nodes that error
// per bar instead, so the circuit breaker gets to decide the run's fate.
func Compile(source string, maxRules int, extraDenied []string) (*Program, error) {
	denied := make(map[string]struct{}, len(deniedTokens)+len(extraDenied))
	for tok := range deniedTokens {
		denied[tok] = struct{}{}
	}
	for _, tok := range extraDenied {
		denied[strings.ToLower(tok)] = struct{}{}
	}

	p := &parser{denied: denied, params: make(map[string]float64)}
	program := &Program{}

	for lineNo, raw := range strings.Split(source, "\n") {
		toks, err := lexLine(raw, lineNo+1)
		if err != nil {
			return nil, core.WrapError(core.ErrConfigInvalid, err)
		}
		if toks[0].kind == tokEOL {
			continue
		}
		rule, isRule, err := p.parseLine(toks)
		if err != nil {
			return nil, core.WrapError(core.ErrConfigInvalid, err)
		}
		if isRule {
			program.Rules = append(program.Rules, rule)
		}
	}

	if len(program.Rules) == 0 {
		return nil, core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("strategy defines no rules"))
	}
	if maxRules > 0 && len(program.Rules) > maxRules {
		return nil, core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("strategy defines %d rules, limit is %d", len(program.Rules), maxRules))
	}
	return program, nil
}

type parser struct {
	denied map[string]struct{}
	params map[string]float64

	toks []token
	pos  int
}

type parseError struct {
	line int
	msg  string
}

func (e parseError) Error() string { return fmt.Sprintf("line %d: %s", e.line, e.msg) }

func (p *parser) errf(format string, args ...any) error {
	return parseError{p.cur().line, fmt.Sprintf(format, args...)}
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) advance()    { p.pos++ }
func (p *parser) atEOL() bool { return p.cur().kind == tokEOL }

func (p *parser) acceptOp(text string) bool {
	if p.cur().kind == tokOp && p.cur().text == text {
		p.advance()
		return true
	}
	return false
}

func (p *parser) acceptIdent(text string) bool {
	if p.cur().kind == tokIdent && p.cur().text == text {
		p.advance()
		return true
	}
	return false
}

func (p *parser) parseLine(toks []token) (Rule, bool, error) {
	p.toks, p.pos = toks, 0

	head := p.cur()
	if head.kind != tokIdent {
		return Rule{}, false, p.errf("statement must start with 'param' or 'when'")
	}

	switch head.text {
	case "param":
		p.advance()
		return Rule{}, false, p.parseParam()
	case "when":
		p.advance()
		rule, err := p.parseRule(head.line)
		return rule, err == nil, err
	}

	if _, bad := p.denied[head.text]; bad {
		// Hostile statement line ("import os", "exec(...)"): keep the run
		// compilable and surface the violation on every bar.
		return Rule{
			Line:      head.line,
			Condition: violationExpr{construct: head.text},
		}, true, nil
	}
	return Rule{}, false, p.errf("unknown statement %q", head.text)
}

func (p *parser) parseParam() error {
	if p.cur().kind != tokIdent {
		return p.errf("param needs a name")
	}
	name := p.cur().text
	if _, clash := knownIdents[name]; clash {
		return p.errf("param %q shadows a built-in", name)
	}
	if _, clash := knownFuncs[name]; clash {
		return p.errf("param %q shadows a built-in", name)
	}
	p.advance()
	if !p.acceptOp("=") {
		return p.errf("param %q needs '= <number>'", name)
	}
	if p.cur().kind != tokNumber {
		return p.errf("param %q value must be a number", name)
	}
	p.params[name] = p.cur().num
	p.advance()
	if !p.atEOL() {
		return p.errf("unexpected trailing tokens after param")
	}
	return nil
}

func (p *parser) parseRule(line int) (Rule, error) {
	cond, err := p.parseExpr()
	if err != nil {
		return Rule{}, err
	}
	if !p.acceptOp(":") {
		return Rule{}, p.errf("expected ':' between condition and action")
	}
	action, err := p.parseAction()
	if err != nil {
		return Rule{}, err
	}
	if !p.atEOL() {
		return Rule{}, p.errf("unexpected trailing tokens after action")
	}
	return Rule{Line: line, Condition: cond, Action: action}, nil
}

// parseExpr handles: or > and > not > comparison > sum > product > factor.
func (p *parser) parseExpr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptIdent("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptIdent("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (expr, error) {
	if p.acceptIdent("not") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (expr, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if p.cur().kind == tokOp && isComparison(p.cur().text) {
		op := p.cur().text
		p.advance()
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		return binaryExpr{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseSum() (expr, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOp && (p.cur().text == "+" || p.cur().text == "-") {
		op := p.cur().text
		p.advance()
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseProduct() (expr, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOp && (p.cur().text == "*" || p.cur().text == "/") {
		op := p.cur().text
		p.advance()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseFactor() (expr, error) {
	tok := p.cur()
	switch {
	case tok.kind == tokNumber:
		p.advance()
		return numberExpr{n: tok.num}, nil
	case tok.kind == tokOp && tok.text == "(":
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if !p.acceptOp(")") {
			return nil, p.errf("missing ')'")
		}
		return inner, nil
	case tok.kind == tokIdent:
		p.advance()
		name := tok.text
		if p.acceptOp("(") {
			return p.parseCall(name)
		}
		if n, ok := p.params[name]; ok {
			return numberExpr{n: n}, nil
		}
		if _, ok := knownIdents[name]; ok {
			return identExpr{name: name}, nil
		}
		if _, bad := p.denied[name]; bad {
			return violationExpr{construct: name}, nil
		}
		return nil, p.errf("unknown identifier %q", name)
	}
	return nil, p.errf("unexpected token %q", tok.text)
}

func (p *parser) parseCall(name string) (expr, error) {
	if _, ok := knownFuncs[name]; !ok {
		if _, bad := p.denied[name]; bad {
			// consume the argument list so the rest of the line still parses
			if err := p.skipCallArgs(); err != nil {
				return nil, err
			}
			return violationExpr{construct: name}, nil
		}
		return nil, p.errf("unknown function %q", name)
	}

	var args []expr
	if !p.acceptOp(")") {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.acceptOp(",") {
				continue
			}
			if p.acceptOp(")") {
				break
			}
			return nil, p.errf("missing ')' in %s(...)", name)
		}
	}
	return callExpr{name: name, args: args}, nil
}

func (p *parser) skipCallArgs() error {
	depth := 1
	for depth > 0 {
		if p.atEOL() {
			return p.errf("missing ')'")
		}
		if p.cur().kind == tokOp {
			switch p.cur().text {
			case "(":
				depth++
			case ")":
				depth--
			}
		}
		p.advance()
	}
	return nil
}

func (p *parser) parseAction() (Action, error) {
	tok := p.cur()
	if tok.kind != tokIdent {
		return Action{}, p.errf("expected an action")
	}

	var action Action
	switch tok.text {
	case "buy":
		p.advance()
		frac, err := p.parseFraction("buy")
		if err != nil {
			return Action{}, err
		}
		action = Action{Side: core.SideBuy, Fraction: frac}
	case "sell":
		p.advance()
		if p.acceptIdent("all") {
			action = Action{Side: core.SideSell, Fraction: decimal.NewFromInt(1)}
		} else {
			frac, err := p.parseFraction("sell")
			if err != nil {
				return Action{}, err
			}
			action = Action{Side: core.SideSell, Fraction: frac}
		}
	case "hold":
		p.advance()
		return Action{Side: core.SideHold}, nil
	default:
		if _, bad := p.denied[tok.text]; bad {
			p.advance()
			// swallow the rest of the line; the violation fires at runtime
			for !p.atEOL() {
				p.advance()
			}
			return Action{violation: tok.text}, nil
		}
		return Action{}, p.errf("unknown action %q", tok.text)
	}

	// optional trailing brackets, in any order
	for !p.atEOL() {
		switch {
		case p.acceptIdent("stop"):
			pct, err := p.parsePercent("stop")
			if err != nil {
				return Action{}, err
			}
			action.StopPct = pct
		case p.acceptIdent("target"):
			pct, err := p.parsePercent("target")
			if err != nil {
				return Action{}, err
			}
			action.TargetPct = pct
		default:
			return Action{}, p.errf("unexpected token %q after action", p.cur().text)
		}
	}
	return action, nil
}

// parseFraction reads "50%" or "0.5" into a (0,1] decimal.
func (p *parser) parseFraction(verb string) (decimal.Decimal, error) {
	if p.cur().kind != tokNumber {
		return decimal.Zero, p.errf("%s needs a size", verb)
	}
	n := p.cur().num
	p.advance()
	if p.acceptOp("%") {
		n /= 100
	}
	if n <= 0 || n > 1 {
		return decimal.Zero, p.errf("%s size must be in (0%%, 100%%]", verb)
	}
	return decimal.NewFromFloat(n), nil
}

// parsePercent reads "2%" (or "2") into a (0,1) decimal distance.
func (p *parser) parsePercent(name string) (decimal.Decimal, error) {
	if p.cur().kind != tokNumber {
		return decimal.Zero, p.errf("%s needs a percentage", name)
	}
	n := p.cur().num
	p.advance()
	p.acceptOp("%") // the sign is optional; the unit is always percent
	if n <= 0 || n >= 100 {
		return decimal.Zero, p.errf("%s must be in (0%%, 100%%)", name)
	}
	return decimal.NewFromFloat(n / 100), nil
}
