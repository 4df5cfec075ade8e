package cond

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/BaSui01/stateflow/types"
)

// ErrNotHandled is returned by a custom evaluator to decline an expression
// so the caller falls through to the next evaluator in the chain.
var ErrNotHandled = errors.New("cond: expression not handled")

// Context supplies identifier bindings for expression evaluation.
// Values are limited to bool, string, and float64.
type Context interface {
	Lookup(key string) (any, bool)
}

// MapContext is a map-backed Context, mostly useful in tests and
// custom evaluators.
type MapContext map[string]any

func (m MapContext) Lookup(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// Evaluator parses and evaluates transition condition expressions.
// Supported grammar: identifiers, quoted strings, true/false, NOT/AND/OR
// (also !, &&, ||), == and != equality, parentheses. Identifiers resolve
// against a Context; unknown identifiers evaluate to false.
// Parsed expressions are cached by their source text, so repeated
// evaluation skips the parse.
type Evaluator struct {
	logger *zap.Logger

	// OnUnknown fires when an expression references only unknown
	// identifiers. Such an expression evaluates to false regardless of
	// structure; the hook surfaces the configuration warning to the caller.
	OnUnknown func(expr string, keys []string)

	mu    sync.RWMutex
	cache map[string]exprNode
}

// NewEvaluator creates an expression evaluator.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		logger: logger.With(zap.String("component", "cond_evaluator")),
		cache:  make(map[string]exprNode),
	}
}

// Evaluate parses expr (cached) and evaluates it against ctx.
// An empty expression is always false. Syntax errors carry CONDITION_ERROR.
func (e *Evaluator) Evaluate(expr string, ctx Context) (bool, error) {
	node, err := e.compile(expr)
	if err != nil {
		return false, err
	}
	if node == nil {
		return false, nil
	}

	st := &evalState{ctx: ctx}
	v := node.eval(st)

	// An expression whose identifiers are all unknown must never select a
	// transition, so it is forced to false even when the structure (e.g. a
	// negation) would evaluate true.
	if st.idents > 0 && st.known == 0 {
		e.logger.Warn("condition references only unknown identifiers",
			zap.String("expr", expr),
			zap.Strings("keys", st.unknownKeys))
		if e.OnUnknown != nil {
			e.OnUnknown(expr, st.unknownKeys)
		}
		return false, nil
	}
	return toBool(v), nil
}

// Validate parses expr without evaluating it, reporting syntax errors.
func (e *Evaluator) Validate(expr string) error {
	_, err := e.compile(expr)
	return err
}

// Validate checks expression syntax without an Evaluator instance.
// Definition loading uses it to reject bad expressions up front.
func Validate(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return types.NewError(types.ErrCondition, "empty condition expression")
	}
	_, err := parse(expr)
	return err
}

func (e *Evaluator) compile(expr string) (exprNode, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	e.mu.RLock()
	node, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return node, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if node, ok := e.cache[expr]; ok {
		return node, nil
	}
	node, err := parse(expr)
	if err != nil {
		return nil, err
	}
	e.cache[expr] = node
	return node, nil
}

func parse(expr string) (exprNode, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &exprParser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, types.NewErrorf(types.ErrCondition,
			"unexpected token %q after expression", p.tokens[p.pos].value)
	}
	return node, nil
}

// --- Token types ---

type tokenKind int

const (
	tkString tokenKind = iota // "final"
	tkIdent                   // identifier or true/false
	tkOp                      // ==, !=, &&, ||, !
	tkLParen                  // (
	tkRParen                  // )
)

type token struct {
	kind  tokenKind
	value string
}

// tokenize splits an expression into tokens. The keywords NOT/AND/OR fold
// to their operator forms case-insensitively.
func tokenize(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		ch := runes[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "("})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")"})
			i++
		case ch == '\'' || ch == '"':
			str, next, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, str})
			i = next
		case isIdentStart(ch):
			ident, next := readIdent(runes, i)
			switch strings.ToLower(ident) {
			case "not":
				tokens = append(tokens, token{tkOp, "!"})
			case "and":
				tokens = append(tokens, token{tkOp, "&&"})
			case "or":
				tokens = append(tokens, token{tkOp, "||"})
			default:
				tokens = append(tokens, token{tkIdent, ident})
			}
			i = next
		case ch == '=' || ch == '!' || ch == '&' || ch == '|':
			op, next, err := readOp(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkOp, op})
			i = next
		default:
			return nil, types.NewErrorf(types.ErrCondition,
				"unexpected character %q at position %d", string(ch), i)
		}
	}
	return tokens, nil
}

func readString(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var sb strings.Builder
	i := start + 1
	for i < len(runes) {
		ch := runes[i]
		if ch == '\\' && i+1 < len(runes) {
			sb.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if ch == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(ch)
		i++
	}
	return "", 0, types.NewErrorf(types.ErrCondition,
		"unterminated string literal at position %d", start)
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isIdentPart(runes[i]) {
		i++
	}
	return string(runes[start:i]), i
}

func readOp(runes []rune, start int) (string, int, error) {
	if start+1 < len(runes) {
		switch string(runes[start : start+2]) {
		case "==", "!=", "&&", "||":
			return string(runes[start : start+2]), start + 2, nil
		}
	}
	if runes[start] == '!' {
		return "!", start + 1, nil
	}
	return "", 0, types.NewErrorf(types.ErrCondition,
		"invalid operator at position %d", start)
}

func isIdentStart(ch rune) bool {
	return unicode.IsLetter(ch) || ch == '_'
}

func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// --- Parser ---

// exprParser is a recursive-descent parser producing an AST:
// or := and ("||" and)* ; and := eq ("&&" eq)* ; eq := unary (("=="|"!=") unary)?
// unary := "!" unary | primary ; primary := "(" or ")" | string | ident | true | false
type exprParser struct {
	tokens []token
	pos    int
}

func (p *exprParser) peek() (token, bool) {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos], true
	}
	return token{}, false
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != tkOp || tok.value != "||" {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != tkOp || tok.value != "&&" {
			return left, nil
		}
		p.pos++
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
}

func (p *exprParser) parseEquality() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	tok, ok := p.peek()
	if !ok || tok.kind != tkOp || (tok.value != "==" && tok.value != "!=") {
		return left, nil
	}
	p.pos++
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &cmpNode{left: left, right: right, negate: tok.value == "!="}, nil
}

func (p *exprParser) parseUnary() (exprNode, error) {
	tok, ok := p.peek()
	if ok && tok.kind == tkOp && tok.value == "!" {
		p.pos++
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, types.NewError(types.ErrCondition, "unexpected end of expression")
	}
	switch tok.kind {
	case tkLParen:
		p.pos++
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		next, ok := p.peek()
		if !ok || next.kind != tkRParen {
			return nil, types.NewError(types.ErrCondition, "missing closing parenthesis")
		}
		p.pos++
		return node, nil
	case tkString:
		p.pos++
		return &litNode{val: tok.value}, nil
	case tkIdent:
		p.pos++
		switch tok.value {
		case "true":
			return &litNode{val: true}, nil
		case "false":
			return &litNode{val: false}, nil
		}
		return &identNode{name: tok.value}, nil
	default:
		return nil, types.NewErrorf(types.ErrCondition, "unexpected token %q", tok.value)
	}
}

// --- AST evaluation ---

// evalState tracks identifier resolution during a single evaluation so the
// all-unknown case can be detected after the walk.
type evalState struct {
	ctx         Context
	idents      int
	known       int
	unknownKeys []string
}

type exprNode interface {
	eval(st *evalState) any
}

type litNode struct{ val any }

func (n *litNode) eval(_ *evalState) any { return n.val }

type identNode struct{ name string }

func (n *identNode) eval(st *evalState) any {
	st.idents++
	v, ok := st.ctx.Lookup(n.name)
	if !ok {
		st.unknownKeys = append(st.unknownKeys, n.name)
		return nil
	}
	st.known++
	return v
}

type notNode struct{ operand exprNode }

func (n *notNode) eval(st *evalState) any { return !toBool(n.operand.eval(st)) }

type andNode struct{ left, right exprNode }

// Both sides always evaluate: evaluation is side-effect free, and unknown
// identifier accounting needs the full tree walked.
func (n *andNode) eval(st *evalState) any {
	l := toBool(n.left.eval(st))
	r := toBool(n.right.eval(st))
	return l && r
}

type orNode struct{ left, right exprNode }

func (n *orNode) eval(st *evalState) any {
	l := toBool(n.left.eval(st))
	r := toBool(n.right.eval(st))
	return l || r
}

type cmpNode struct {
	left, right exprNode
	negate      bool
}

func (n *cmpNode) eval(st *evalState) any {
	eq := looseEqual(n.left.eval(st), n.right.eval(st))
	if n.negate {
		return !eq
	}
	return eq
}

// looseEqual compares two values, trying numeric equality before falling
// back to the string form. nil only equals nil.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toBool(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
