// Package logic parses and evaluates the boolean eligibility expressions attached to reward
// programs, e.g. `[survey_complete] = "2" and ([age] >= 18 or [guardian_consent(1)] = '1')`.
package logic

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrEmpty is returned when an expression has no content
var ErrEmpty = errors.New("logic: empty expression")

// SyntaxError describes an expression that cannot be parsed
type SyntaxError struct {
	Expression string
	Err        error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("logic: cannot parse %q: %v", e.Expression, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Expression is a parsed eligibility expression. It is immutable and safe for concurrent use.
type Expression struct {
	src  string
	root node
}

// Parse compiles src into an Expression.
func Parse(src string) (*Expression, error) {
	if strings.TrimSpace(src) == "" {
		return nil, ErrEmpty
	}
	tokens, err := lex(src)
	if err != nil {
		return nil, &SyntaxError{Expression: src, Err: err}
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err == nil && p.peek().kind != tokEOF {
		err = fmt.Errorf("unexpected %s", p.peek())
	}
	if err != nil {
		return nil, &SyntaxError{Expression: src, Err: err}
	}
	return &Expression{src: src, root: root}, nil
}

// Validate reports whether src parses.
func Validate(src string) error {
	_, err := Parse(src)
	return err
}

// String returns the source text.
func (e *Expression) String() string {
	return e.src
}

// Evaluate runs the expression against a record's field values. Missing fields read as "".
func (e *Expression) Evaluate(fields map[string]string) (bool, error) {
	v := e.root.eval(fields)
	return v.truthy(), nil
}

// Fields lists the field names the expression reads, sorted.
func (e *Expression) Fields() []string {
	set := map[string]struct{}{}
	e.root.fields(set)
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type value struct {
	text    string
	boolean *bool
}

func (v value) truthy() bool {
	if v.boolean != nil {
		return *v.boolean
	}
	t := strings.TrimSpace(v.text)
	if t == "" || t == "0" || strings.EqualFold(t, "false") {
		return false
	}
	return true
}

func (v value) asText() string {
	if v.boolean != nil {
		if *v.boolean {
			return "1"
		}
		return "0"
	}
	return strings.TrimSpace(v.text)
}

func boolValue(b bool) value {
	return value{boolean: &b}
}

type node interface {
	eval(fields map[string]string) value
	fields(set map[string]struct{})
}

type fieldNode struct{ name string }

func (n fieldNode) eval(fields map[string]string) value { return value{text: fields[n.name]} }
func (n fieldNode) fields(set map[string]struct{})      { set[n.name] = struct{}{} }

type literalNode struct{ v value }

func (n literalNode) eval(map[string]string) value { return n.v }
func (n literalNode) fields(map[string]struct{})   {}

type logicalNode struct {
	and         bool
	left, right node
}

func (n logicalNode) eval(fields map[string]string) value {
	l := n.left.eval(fields).truthy()
	if n.and && !l {
		return boolValue(false)
	}
	if !n.and && l {
		return boolValue(true)
	}
	return boolValue(n.right.eval(fields).truthy())
}

func (n logicalNode) fields(set map[string]struct{}) {
	n.left.fields(set)
	n.right.fields(set)
}

type compareNode struct {
	op          string
	left, right node
}

func (n compareNode) fields(set map[string]struct{}) {
	n.left.fields(set)
	n.right.fields(set)
}

func (n compareNode) eval(fields map[string]string) value {
	l := n.left.eval(fields).asText()
	r := n.right.eval(fields).asText()

	lf, lerr := strconv.ParseFloat(l, 64)
	rf, rerr := strconv.ParseFloat(r, 64)
	numeric := lerr == nil && rerr == nil

	var cmp int
	if numeric {
		switch {
		case lf < rf:
			cmp = -1
		case lf > rf:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(l, r)
	}

	switch n.op {
	case "=", "==":
		return boolValue(cmp == 0)
	case "<>", "!=":
		return boolValue(cmp != 0)
	}

	// ordering against a blank value is never true
	if l == "" || r == "" {
		return boolValue(false)
	}
	switch n.op {
	case "<":
		return boolValue(cmp < 0)
	case "<=":
		return boolValue(cmp <= 0)
	case ">":
		return boolValue(cmp > 0)
	default:
		return boolValue(cmp >= 0)
	}
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalNode{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = logicalNode{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokOp {
		return left, nil
	}
	op := p.next().text
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return compareNode{op: op, left: left, right: right}, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ) but found %s", closing)
		}
		return inner, nil
	case tokField:
		return fieldNode{name: t.text}, nil
	case tokString, tokNumber:
		return literalNode{v: value{text: t.text}}, nil
	case tokTrue:
		return literalNode{v: boolValue(true)}, nil
	case tokFalse:
		return literalNode{v: boolValue(false)}, nil
	}
	return nil, fmt.Errorf("unexpected %s", t)
}
