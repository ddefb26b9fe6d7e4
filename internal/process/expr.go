package process

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// ErrBadExpression indicates a condition that does not parse or
// evaluate under the restricted grammar.
var ErrBadExpression = errors.New("bad condition expression")

// Gateway conditions use a restricted boolean grammar rather than an
// embedded scripting runtime: comparisons (==, !=, <, <=, >, >=),
// boolean operators (&&, ||, !), parentheses, number/string/bool
// literals, and dotted variable references into the instance
// variables. Anything else is a parse error.

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenOp
	tokenLParen
	tokenRParen
)

type token struct {
	kind tokenKind
	text string
}

func lexCondition(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := rune(input[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			tokens = append(tokens, token{tokenLParen, "("})
			i++
		case c == ')':
			tokens = append(tokens, token{tokenRParen, ")"})
			i++
		case c == '\'' || c == '"':
			quote := input[i]
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("%w: unterminated string", ErrBadExpression)
			}
			tokens = append(tokens, token{tokenString, input[i+1 : j]})
			i = j + 1
		case unicode.IsDigit(c) || (c == '-' && i+1 < len(input) && unicode.IsDigit(rune(input[i+1]))):
			j := i + 1
			for j < len(input) && (unicode.IsDigit(rune(input[j])) || input[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokenNumber, input[i:j]})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i + 1
			for j < len(input) {
				r := rune(input[j])
				if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' {
					j++
					continue
				}
				break
			}
			tokens = append(tokens, token{tokenIdent, input[i:j]})
			i = j
		default:
			matched := false
			for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "!"} {
				if strings.HasPrefix(input[i:], op) {
					tokens = append(tokens, token{tokenOp, op})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("%w: unexpected character %q", ErrBadExpression, c)
			}
		}
	}
	return append(tokens, token{tokenEOF, ""}), nil
}

// exprNode is a parsed condition ready for evaluation against
// instance variables.
type exprNode interface {
	eval(vars map[string]any) (any, error)
}

type literalNode struct{ value any }

func (n literalNode) eval(map[string]any) (any, error) { return n.value, nil }

type varNode struct{ path []string }

func (n varNode) eval(vars map[string]any) (any, error) {
	var current any = vars
	for _, part := range n.path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, nil
		}
		current = m[part]
	}
	return current, nil
}

type notNode struct{ inner exprNode }

func (n notNode) eval(vars map[string]any) (any, error) {
	v, err := n.inner.eval(vars)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type binaryNode struct {
	op          string
	left, right exprNode
}

func (n binaryNode) eval(vars map[string]any) (any, error) {
	left, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&":
		if !truthy(left) {
			return false, nil
		}
		right, err := n.right.eval(vars)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case "||":
		if truthy(left) {
			return true, nil
		}
		right, err := n.right.eval(vars)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	right, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	}

	lf, lok := asNumber(left)
	rf, rok := asNumber(right)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: %s needs numeric operands", ErrBadExpression, n.op)
	}
	switch n.op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("%w: unknown operator %s", ErrBadExpression, n.op)
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token  { return p.tokens[p.pos] }
func (p *parser) next() token  { t := p.tokens[p.pos]; p.pos++; return t }
func (p *parser) accept(op string) bool {
	if p.peek().kind == tokenOp && p.peek().text == op {
		p.pos++
		return true
	}
	return false
}

// ParseCondition compiles a condition string. The zero-cost path for
// definitions is to parse once at load time and reuse the node.
func ParseCondition(input string) (exprNode, error) {
	tokens, err := lexCondition(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokenEOF {
		return nil, fmt.Errorf("%w: trailing input at %q", ErrBadExpression, p.peek().text)
	}
	return node, nil
}

// EvalCondition parses and evaluates a condition as a boolean.
func EvalCondition(input string, vars map[string]any) (bool, error) {
	node, err := ParseCondition(input)
	if err != nil {
		return false, err
	}
	v, err := node.eval(vars)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.accept("&&") {
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if p.accept(op) {
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return binaryNode{op: op, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (exprNode, error) {
	if p.accept("!") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (exprNode, error) {
	switch t := p.next(); t.kind {
	case tokenNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrBadExpression, t.text)
		}
		return literalNode{value: f}, nil
	case tokenString:
		return literalNode{value: t.text}, nil
	case tokenIdent:
		switch t.text {
		case "true":
			return literalNode{value: true}, nil
		case "false":
			return literalNode{value: false}, nil
		case "null", "nil":
			return literalNode{value: nil}, nil
		}
		return varNode{path: strings.Split(t.text, ".")}, nil
	case tokenLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokenRParen {
			return nil, fmt.Errorf("%w: missing closing parenthesis", ErrBadExpression)
		}
		return inner, nil
	default:
		return nil, fmt.Errorf("%w: unexpected token %q", ErrBadExpression, t.text)
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	default:
		if f, ok := asNumber(v); ok {
			return f != 0
		}
		return true
	}
}

// looseEqual compares numbers numerically regardless of underlying
// integer or float type. Other values compare structurally so that
// map- or slice-valued variables never trip an uncomparable-type
// panic.
func looseEqual(a, b any) bool {
	if af, ok := asNumber(a); ok {
		if bf, ok := asNumber(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
