package strategy

import (
	"fmt"
	"strconv"
	"strings"
)

// ExprSyntaxError reports a malformed expression and the byte offset of the
// offending token.
type ExprSyntaxError struct {
	Offset  int
	Message string
}

// Error implements the error interface
func (e *ExprSyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Offset, e.Message)
}

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokParam
	tokRule
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// binding powers for infix operators; unary operators bind tighter than all of them
var infixPrecedence = map[string]int{
	OpOr:  1,
	OpAnd: 2,
	OpEQ:  3,
	OpNE:  3,
	OpLT:  4,
	OpLE:  4,
	OpGT:  4,
	OpGE:  4,
	OpAdd: 5,
	OpSub: 5,
	OpMul: 6,
	OpDiv: 6,
}

const prefixPrecedence = 7

// ParseExpr parses expression source text into an Expr tree.
func ParseExpr(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, &ExprSyntaxError{Offset: 0, Message: "empty expression"}
	}
	e, err := p.parse(0)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &ExprSyntaxError{Offset: t.pos, Message: fmt.Sprintf("unexpected %q", t.text)}
	}
	return e, nil
}

// MustParseExpr is like ParseExpr but panics on error. Intended for tests and
// package-level fixtures.
func MustParseExpr(src string) *Expr {
	e, err := ParseExpr(src)
	if err != nil {
		panic(err)
	}
	return e
}

type exprParser struct {
	toks []token
	pos  int
}

func (p *exprParser) peek() token {
	return p.toks[p.pos]
}

func (p *exprParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) parse(minPrec int) (*Expr, error) {
	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}
		prec, ok := infixPrecedence[t.text]
		if !ok || prec <= minPrec {
			return left, nil
		}
		p.next()
		right, err := p.parse(prec)
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: ExprCall, Name: t.text, Args: []*Expr{left, right}, Offset: left.Offset}
	}
}

func (p *exprParser) parsePrefix() (*Expr, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := NumberFromString(t.text)
		if err != nil {
			return nil, &ExprSyntaxError{Offset: t.pos, Message: err.Error()}
		}
		return &Expr{Kind: ExprLiteral, Value: v, Offset: t.pos}, nil

	case tokString:
		s, err := strconv.Unquote(t.text)
		if err != nil {
			return nil, &ExprSyntaxError{Offset: t.pos, Message: "invalid string literal"}
		}
		return &Expr{Kind: ExprLiteral, Value: StringValue(s), Offset: t.pos}, nil

	case tokParam:
		return &Expr{Kind: ExprParam, Name: t.text, Offset: t.pos}, nil

	case tokRule:
		return &Expr{Kind: ExprRule, Name: t.text, Offset: t.pos}, nil

	case tokIdent:
		switch t.text {
		case "true":
			return &Expr{Kind: ExprLiteral, Value: Bool(true), Offset: t.pos}, nil
		case "false":
			return &Expr{Kind: ExprLiteral, Value: Bool(false), Offset: t.pos}, nil
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		return &Expr{Kind: ExprInput, Name: t.text, Offset: t.pos}, nil

	case tokOp:
		var op string
		switch t.text {
		case OpNot:
			op = OpNot
		case OpSub:
			op = OpNeg
		default:
			return nil, &ExprSyntaxError{Offset: t.pos, Message: fmt.Sprintf("unexpected operator %q", t.text)}
		}
		operand, err := p.parse(prefixPrecedence)
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprCall, Name: op, Args: []*Expr{operand}, Offset: t.pos}, nil

	case tokLParen:
		inner, err := p.parse(0)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, &ExprSyntaxError{Offset: closing.pos, Message: "expected )"}
		}
		return inner, nil

	case tokEOF:
		return nil, &ExprSyntaxError{Offset: t.pos, Message: "unexpected end of expression"}
	}
	return nil, &ExprSyntaxError{Offset: t.pos, Message: fmt.Sprintf("unexpected %q", t.text)}
}

func (p *exprParser) parseCall(name token) (*Expr, error) {
	if !IsBuiltin(name.text) {
		return nil, &ExprSyntaxError{Offset: name.pos, Message: fmt.Sprintf("unknown function %q", name.text)}
	}
	p.next() // (
	call := &Expr{Kind: ExprCall, Name: name.text, Offset: name.pos}
	if p.peek().kind == tokRParen {
		p.next()
		return call, nil
	}
	for {
		arg, err := p.parse(0)
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		t := p.next()
		switch t.kind {
		case tokComma:
			continue
		case tokRParen:
			return call, nil
		default:
			return nil, &ExprSyntaxError{Offset: t.pos, Message: "expected , or ) in argument list"}
		}
	}
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})

		case c == '"':
			start := i
			i++
			for i < len(src) && src[i] != '"' {
				if src[i] == '\\' {
					i++
				}
				i++
			}
			if i >= len(src) {
				return nil, &ExprSyntaxError{Offset: start, Message: "unterminated string literal"}
			}
			i++
			toks = append(toks, token{kind: tokString, text: src[start:i], pos: start})

		case c == '$' || c == '@':
			start := i
			i++
			end := scanIdent(src, i)
			if end == i {
				return nil, &ExprSyntaxError{Offset: start, Message: fmt.Sprintf("expected name after %q", string(c))}
			}
			kind := tokParam
			if c == '@' {
				kind = tokRule
			}
			toks = append(toks, token{kind: kind, text: src[i:end], pos: start})
			i = end

		case isIdentStart(c):
			end := scanIdent(src, i)
			toks = append(toks, token{kind: tokIdent, text: src[i:end], pos: i})
			i = end

		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++

		default:
			op := matchOperator(src[i:])
			if op == "" {
				return nil, &ExprSyntaxError{Offset: i, Message: fmt.Sprintf("unexpected character %q", string(c))}
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func matchOperator(s string) string {
	for _, op := range []string{OpLE, OpGE, OpEQ, OpNE, OpAnd, OpOr} {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	switch s[0] {
	case '+', '-', '*', '/', '<', '>', '!':
		return s[:1]
	}
	return ""
}

func scanIdent(src string, i int) int {
	if i >= len(src) || !isIdentStart(src[i]) {
		return i
	}
	for i < len(src) && (isIdentStart(src[i]) || isDigit(src[i]) || src[i] == '.') {
		i++
	}
	return i
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
