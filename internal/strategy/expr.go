package strategy

import (
	"strings"
)

// ExprKind discriminates the variants of Expr.
type ExprKind uint8

const (
	// ExprLiteral is a constant number, bool or string.
	ExprLiteral ExprKind = iota + 1
	// ExprParam references a spec parameter ($name).
	ExprParam
	// ExprRule references another rule (@name); true when that rule fired.
	ExprRule
	// ExprInput references a declared market input series (bare identifier).
	ExprInput
	// ExprCall applies an operator or builtin function to its arguments.
	ExprCall
)

// String returns the string representation of the expression kind.
func (k ExprKind) String() string {
	switch k {
	case ExprLiteral:
		return "literal"
	case ExprParam:
		return "param"
	case ExprRule:
		return "rule"
	case ExprInput:
		return "input"
	case ExprCall:
		return "call"
	}
	return "unknown"
}

// Operator and builtin names used by ExprCall.
const (
	OpAdd = "+"
	OpSub = "-"
	OpMul = "*"
	OpDiv = "/"
	OpLT  = "<"
	OpLE  = "<="
	OpGT  = ">"
	OpGE  = ">="
	OpEQ  = "=="
	OpNE  = "!="
	OpAnd = "&&"
	OpOr  = "||"
	OpNot = "!"
	OpNeg = "neg"

	FnMin = "min"
	FnMax = "max"
	FnAbs = "abs"
)

// Expr is a parsed expression. Exactly the fields relevant to Kind are set:
// Value for literals, Name for references, Name (the operator) and Args for calls.
type Expr struct {
	Kind  ExprKind
	Value Value
	Name  string
	Args  []*Expr

	// Offset is the byte offset of the expression in its source text.
	Offset int
}

// Lit returns a literal expression.
func Lit(v Value) *Expr {
	return &Expr{Kind: ExprLiteral, Value: v}
}

// Param returns a parameter reference.
func Param(name string) *Expr {
	return &Expr{Kind: ExprParam, Name: name}
}

// RuleRef returns a rule reference.
func RuleRef(name string) *Expr {
	return &Expr{Kind: ExprRule, Name: name}
}

// Input returns an input reference.
func Input(name string) *Expr {
	return &Expr{Kind: ExprInput, Name: name}
}

// Call returns an operator or function application.
func Call(op string, args ...*Expr) *Expr {
	return &Expr{Kind: ExprCall, Name: op, Args: args}
}

// IsBinaryOp reports whether op is an infix operator.
func IsBinaryOp(op string) bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpLT, OpLE, OpGT, OpGE, OpEQ, OpNE, OpAnd, OpOr:
		return true
	}
	return false
}

// IsBuiltin reports whether name is a builtin function.
func IsBuiltin(name string) bool {
	switch name {
	case FnMin, FnMax, FnAbs:
		return true
	}
	return false
}

// String returns the canonical text of the expression. Every binary operation is
// fully parenthesized, so two expressions are structurally equal exactly when
// their canonical text is equal.
func (e *Expr) String() string {
	var sb strings.Builder
	e.write(&sb)
	return sb.String()
}

func (e *Expr) write(sb *strings.Builder) {
	if e == nil {
		sb.WriteString("<nil>")
		return
	}
	switch e.Kind {
	case ExprLiteral:
		sb.WriteString(e.Value.Canonical())
	case ExprParam:
		sb.WriteString("$" + e.Name)
	case ExprRule:
		sb.WriteString("@" + e.Name)
	case ExprInput:
		sb.WriteString(e.Name)
	case ExprCall:
		switch {
		case e.Name == OpNot && len(e.Args) == 1:
			sb.WriteString("!")
			e.Args[0].write(sb)
		case e.Name == OpNeg && len(e.Args) == 1:
			sb.WriteString("-")
			e.Args[0].write(sb)
		case IsBinaryOp(e.Name) && len(e.Args) == 2:
			sb.WriteString("(")
			e.Args[0].write(sb)
			sb.WriteString(" " + e.Name + " ")
			e.Args[1].write(sb)
			sb.WriteString(")")
		default:
			sb.WriteString(e.Name + "(")
			for i, arg := range e.Args {
				if i > 0 {
					sb.WriteString(", ")
				}
				arg.write(sb)
			}
			sb.WriteString(")")
		}
	default:
		sb.WriteString("<invalid>")
	}
}

// Walk calls fn for e and every sub-expression in depth-first pre-order.
// Returning false from fn skips the children of that node.
func (e *Expr) Walk(fn func(*Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	for _, arg := range e.Args {
		arg.Walk(fn)
	}
}
