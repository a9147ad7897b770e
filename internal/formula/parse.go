// Package formula parses and evaluates the arithmetic expressions that define
// derived metrics. Operands are canonical metric ids (revenue, cogs) or
// free-text labels in braces ({Total Revenue}) that are resolved to ids later.
package formula

import (
	"errors"
	"strconv"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
)

// ErrSyntax is wrapped by every parse failure.
var ErrSyntax = errors.New("formula: syntax error")

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokText
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '+' || c == '-' || c == '*' || c == '/':
			toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '{':
			end := strings.IndexByte(src[i+1:], '}')
			if end < 0 {
				return nil, eris.Wrapf(ErrSyntax, "unterminated operand at %d", i)
			}
			text := strings.TrimSpace(src[i+1 : i+1+end])
			if text == "" {
				return nil, eris.Wrapf(ErrSyntax, "empty operand at %d", i)
			}
			toks = append(toks, token{kind: tokText, text: text, pos: i})
			i += end + 2
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			v, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, eris.Wrapf(ErrSyntax, "bad number %q at %d", src[i:j], i)
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], num: v, pos: i})
			i = j
		case isIdentStart(rune(c)):
			j := i
			for j < len(src) && isIdentPart(rune(src[j])) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: i})
			i = j
		default:
			return nil, eris.Wrapf(ErrSyntax, "unexpected %q at %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func isIdentStart(r rune) bool {
	return r == '_' || r < unicode.MaxASCII && unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || r >= '0' && r <= '9'
}

// IsIdent reports whether s can be written as a bare operand.
func IsIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !isIdentStart(r) || !isIdentPart(r) {
			return false
		}
	}
	return true
}

type parser struct {
	toks []token
	pos  int
}

// Parse builds an expression tree from src. Precedence is the usual one:
// unary minus binds tightest, then * and /, then + and -, all left
// associative. A formula must reference at least one operand.
func Parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, eris.Wrapf(ErrSyntax, "unexpected %q at %d", t.text, t.pos)
	}
	if len(e.Operands()) == 0 {
		return nil, eris.Wrapf(ErrSyntax, "%q references no metrics", src)
	}
	return e, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expr() (*Expr, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.kind == tokOp && (t.text == "+" || t.text == "-"); t = p.peek() {
		p.next()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: KindBinary, Op: Op(t.text[0]), Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) term() (*Expr, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.kind == tokOp && (t.text == "*" || t.text == "/"); t = p.peek() {
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: KindBinary, Op: Op(t.text[0]), Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) unary() (*Expr, error) {
	if t := p.peek(); t.kind == tokOp && t.text == "-" {
		p.next()
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: KindNeg, Left: inner}, nil
	}
	return p.primary()
}

func (p *parser) primary() (*Expr, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &Expr{Kind: KindNumber, Num: t.num}, nil
	case tokIdent:
		return &Expr{Kind: KindOperand, Name: t.text}, nil
	case tokText:
		return &Expr{Kind: KindOperand, Name: t.text, FreeText: true}, nil
	case tokLParen:
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, eris.Wrapf(ErrSyntax, "expected ) at %d", c.pos)
		}
		return e, nil
	case tokEOF:
		return nil, eris.Wrap(ErrSyntax, "unexpected end of formula")
	default:
		return nil, eris.Wrapf(ErrSyntax, "unexpected %q at %d", t.text, t.pos)
	}
}
