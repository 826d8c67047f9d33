// Package expr parses and evaluates the arithmetic expressions behind
// calculated members and calculated measures.
//
// Grammar:
//
//	expr   = term { ("+" | "-") term }
//	term   = unary { ("*" | "/") unary }
//	unary  = "-" unary | primary
//	primary = number | ref | "(" expr ")"
//	ref    = "[" name "]" { "." "[" name "]" }
//
// A single bracketed name refers to a measure ("[Revenue]"); a dotted path
// refers to a member by unique name ("[Product].[Toys]").
package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrSyntax = errors.New("expression syntax error")
)

// Env resolves references against the cell an expression is evaluated for.
// A false ok means the referenced cell has no value, which is not an error.
type Env interface {
	Measure(name string) (value float64, ok bool, err error)
	Member(uniqueName string) (value float64, ok bool, err error)
}

// Node is a compiled expression.
type Node interface {
	Eval(env Env) (float64, bool, error)
	String() string
}

type number float64

func (n number) Eval(Env) (float64, bool, error) { return float64(n), true, nil }
func (n number) String() string                  { return strconv.FormatFloat(float64(n), 'g', -1, 64) }

// MeasureRef evaluates the same cell under another measure.
type MeasureRef struct{ Name string }

func (r MeasureRef) Eval(env Env) (float64, bool, error) { return env.Measure(r.Name) }
func (r MeasureRef) String() string                      { return "[" + r.Name + "]" }

// MemberRef evaluates the same cell with one member substituted.
type MemberRef struct{ UniqueName string }

func (r MemberRef) Eval(env Env) (float64, bool, error) { return env.Member(r.UniqueName) }
func (r MemberRef) String() string                      { return r.UniqueName }

type unaryMinus struct{ x Node }

func (u unaryMinus) Eval(env Env) (float64, bool, error) {
	v, ok, err := u.x.Eval(env)
	return -v, ok, err
}

func (u unaryMinus) String() string { return "-" + u.x.String() }

type binary struct {
	op   byte
	l, r Node
}

func (b binary) Eval(env Env) (float64, bool, error) {
	l, lok, err := b.l.Eval(env)
	if err != nil {
		return 0, false, err
	}
	r, rok, err := b.r.Eval(env)
	if err != nil {
		return 0, false, err
	}
	switch b.op {
	case '+', '-':
		// A missing operand counts as zero for additive operators so that
		// "[A] - [B]" still yields A when B has no data.
		if !lok && !rok {
			return 0, false, nil
		}
		if b.op == '+' {
			return l + r, true, nil
		}
		return l - r, true, nil
	case '*':
		if !lok || !rok {
			return 0, false, nil
		}
		return l * r, true, nil
	case '/':
		if !lok || !rok || r == 0 {
			return 0, false, nil
		}
		return l / r, true, nil
	}
	return 0, false, fmt.Errorf("%w: unknown operator %q", ErrSyntax, b.op)
}

func (b binary) String() string {
	return "(" + b.l.String() + " " + string(b.op) + " " + b.r.String() + ")"
}

// References lists every measure and member reference in n.
func References(n Node) (measures, members []string) {
	var walk func(Node)
	walk = func(n Node) {
		switch t := n.(type) {
		case MeasureRef:
			measures = append(measures, t.Name)
		case MemberRef:
			members = append(members, t.UniqueName)
		case unaryMinus:
			walk(t.x)
		case binary:
			walk(t.l)
			walk(t.r)
		}
	}
	walk(n)
	return measures, members
}

// Parse compiles src.
func Parse(src string) (Node, error) {
	p := &parser{src: src}
	n, err := p.expr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected %q", p.src[p.pos:])
	}
	return n, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\n') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) expr() (Node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, l: left, r: right}
	}
}

func (p *parser) term() (Node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, l: left, r: right}
	}
}

func (p *parser) unary() (Node, error) {
	if p.peek() == '-' {
		p.pos++
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return unaryMinus{x: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Node, error) {
	switch c := p.peek(); {
	case c == 0:
		return nil, p.errorf("unexpected end of expression")
	case c == '(':
		p.pos++
		n, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, p.errorf("missing ')'")
		}
		p.pos++
		return n, nil
	case c == '[':
		return p.ref()
	case c == '.' || (c >= '0' && c <= '9'):
		start := p.pos
		for p.pos < len(p.src) && (p.src[p.pos] == '.' || (p.src[p.pos] >= '0' && p.src[p.pos] <= '9')) {
			p.pos++
		}
		f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
		if err != nil {
			return nil, p.errorf("bad number %q", p.src[start:p.pos])
		}
		return number(f), nil
	default:
		return nil, p.errorf("unexpected %q", c)
	}
}

func (p *parser) ref() (Node, error) {
	var parts []string
	for {
		if p.peek() != '[' {
			return nil, p.errorf("expected '['")
		}
		end := strings.IndexByte(p.src[p.pos:], ']')
		if end < 0 {
			return nil, p.errorf("unterminated reference")
		}
		name := p.src[p.pos+1 : p.pos+end]
		if name == "" {
			return nil, p.errorf("empty reference")
		}
		parts = append(parts, name)
		p.pos += end + 1
		// Member paths continue with ".[" without whitespace.
		if p.pos+1 < len(p.src) && p.src[p.pos] == '.' && p.src[p.pos+1] == '[' {
			p.pos++
			continue
		}
		break
	}
	if len(parts) == 1 {
		return MeasureRef{Name: parts[0]}, nil
	}
	return MemberRef{UniqueName: "[" + strings.Join(parts, "].[") + "]"}, nil
}
