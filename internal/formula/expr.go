package formula

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Evaluation errors.
var (
	ErrDivisionByZero = errors.New("formula: division by zero")
	ErrNonFinite      = errors.New("formula: non-finite result")
	ErrUnboundOperand = errors.New("formula: unbound operand")
)

// Kind is the node type of an expression tree.
type Kind uint8

// Node kinds.
const (
	KindNumber Kind = iota + 1
	KindOperand
	KindNeg
	KindBinary
)

// Op is a binary arithmetic operator.
type Op byte

// Operators.
const (
	OpAdd Op = '+'
	OpSub Op = '-'
	OpMul Op = '*'
	OpDiv Op = '/'
)

// Expr is a node of a parsed formula. Trees are never mutated after Parse;
// Rename returns a copy.
type Expr struct {
	Kind Kind
	Op   Op
	Num  float64
	// Name is the operand reference. FreeText marks a label written in braces
	// that still has to be resolved to a metric id.
	Name     string
	FreeText bool
	Left     *Expr
	Right    *Expr
}

// Operands returns the distinct operand names in order of first appearance.
func (e *Expr) Operands() []string {
	var out []string
	seen := make(map[string]bool)
	e.walk(func(n *Expr) {
		if n.Kind == KindOperand && !seen[n.Name] {
			seen[n.Name] = true
			out = append(out, n.Name)
		}
	})
	return out
}

// FreeTextOperands returns the distinct free-text operand labels.
func (e *Expr) FreeTextOperands() []string {
	var out []string
	seen := make(map[string]bool)
	e.walk(func(n *Expr) {
		if n.Kind == KindOperand && n.FreeText && !seen[n.Name] {
			seen[n.Name] = true
			out = append(out, n.Name)
		}
	})
	return out
}

func (e *Expr) walk(fn func(*Expr)) {
	if e == nil {
		return
	}
	e.Left.walk(fn)
	fn(e)
	e.Right.walk(fn)
}

// Rename returns a copy of e with every operand passed through fn. Operands
// renamed to a valid identifier lose their free-text marker.
func (e *Expr) Rename(fn func(name string, freeText bool) string) *Expr {
	if e == nil {
		return nil
	}
	c := *e
	if c.Kind == KindOperand {
		c.Name = fn(e.Name, e.FreeText)
		c.FreeText = !IsIdent(c.Name)
	}
	c.Left = e.Left.Rename(fn)
	c.Right = e.Right.Rename(fn)
	return &c
}

// Eval computes the expression with operand values from env. Division by zero
// and non-finite intermediate results are errors.
func (e *Expr) Eval(env map[string]float64) (float64, error) {
	switch e.Kind {
	case KindNumber:
		return e.Num, nil
	case KindOperand:
		v, ok := env[e.Name]
		if !ok {
			return 0, eris.Wrapf(ErrUnboundOperand, "%s", e.Name)
		}
		return v, nil
	case KindNeg:
		v, err := e.Left.Eval(env)
		if err != nil {
			return 0, err
		}
		return -v, nil
	}

	l, err := e.Left.Eval(env)
	if err != nil {
		return 0, err
	}
	r, err := e.Right.Eval(env)
	if err != nil {
		return 0, err
	}
	var v float64
	switch e.Op {
	case OpAdd:
		v = l + r
	case OpSub:
		v = l - r
	case OpMul:
		v = l * r
	case OpDiv:
		if r == 0 {
			return 0, eris.Wrapf(ErrDivisionByZero, "%s", e)
		}
		v = l / r
	default:
		return 0, eris.Errorf("formula: unknown operator %q", e.Op)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, eris.Wrapf(ErrNonFinite, "%s", e)
	}
	return v, nil
}

// String renders the canonical form of the expression. Parsing the result
// yields a structurally identical tree.
func (e *Expr) String() string {
	var sb strings.Builder
	e.format(&sb, func(n *Expr) string {
		if n.FreeText || !IsIdent(n.Name) {
			return "{" + n.Name + "}"
		}
		return n.Name
	})
	return sb.String()
}

// Substitute renders the expression with operands replaced by their values,
// e.g. "1000 - 600". Unbound operands keep their name.
func (e *Expr) Substitute(env map[string]float64) string {
	var sb strings.Builder
	e.format(&sb, func(n *Expr) string {
		v, ok := env[n.Name]
		if !ok {
			return n.Name
		}
		if v < 0 {
			return "(" + FormatNumber(v) + ")"
		}
		return FormatNumber(v)
	})
	return sb.String()
}

// FormatNumber renders v in the shortest form that round-trips.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func precedence(e *Expr) int {
	switch e.Kind {
	case KindBinary:
		if e.Op == OpAdd || e.Op == OpSub {
			return 1
		}
		return 2
	case KindNeg:
		return 3
	default:
		return 4
	}
}

func (e *Expr) format(sb *strings.Builder, operand func(*Expr) string) {
	switch e.Kind {
	case KindNumber:
		sb.WriteString(FormatNumber(e.Num))
	case KindOperand:
		sb.WriteString(operand(e))
	case KindNeg:
		sb.WriteByte('-')
		wrap(sb, e.Left, precedence(e.Left) < 3, operand)
	case KindBinary:
		p := precedence(e)
		wrap(sb, e.Left, precedence(e.Left) < p, operand)
		sb.WriteByte(' ')
		sb.WriteByte(byte(e.Op))
		sb.WriteByte(' ')
		// Right operands at equal precedence keep their parentheses so that
		// a - (b - c) survives a round trip.
		wrap(sb, e.Right, precedence(e.Right) <= p, operand)
	}
}

func wrap(sb *strings.Builder, e *Expr, paren bool, operand func(*Expr) string) {
	if paren {
		sb.WriteByte('(')
	}
	e.format(sb, operand)
	if paren {
		sb.WriteByte(')')
	}
}
