package compiler

import (
	"github.com/zero-day-ai/stratagem/internal/strategy"
)

// fold evaluates every operator whose operands are all constants. Nothing else is
// rewritten: a non-constant operand keeps its whole operator in the plan.
func (u *unit) fold() {
	for _, r := range u.rules {
		if r.cond != nil {
			r.cond = u.foldNode(r, rulePath(r.index, "when"), r.cond)
		}
		if r.sizeNode != nil {
			r.sizeNode = u.foldNode(r, rulePath(r.index, "then.size"), r.sizeNode)
		}
	}
}

func (u *unit) foldNode(r *rule, path string, n *strategy.Node) *strategy.Node {
	if n.Kind != strategy.NodeApply {
		return n
	}

	args := make([]*strategy.Node, len(n.Args))
	allConst := true
	for i, a := range n.Args {
		args[i] = u.foldNode(r, path, a)
		if !args[i].IsConst() {
			allConst = false
		}
	}
	folded := &strategy.Node{Kind: n.Kind, Type: n.Type, Op: n.Op, Args: args}

	if n.Op == strategy.OpDiv && len(args) == 2 && args[1].IsConst() && args[1].Value.Num.IsZero() {
		u.diags.Errorf(u.loc(path), strategy.CodeDivisionByZero, "rule %q divides by zero", r.name)
		return folded
	}
	if !allConst {
		return folded
	}

	v, ok := evaluate(n.Op, args)
	if !ok {
		return folded
	}
	return strategy.ConstNode(v)
}

// evaluate applies op to constant, already type-checked arguments.
func evaluate(op string, args []*strategy.Node) (strategy.Value, bool) {
	vals := make([]strategy.Value, len(args))
	for i, a := range args {
		vals[i] = *a.Value
	}

	switch op {
	case strategy.OpAdd:
		return strategy.Number(vals[0].Num.Add(vals[1].Num)), true
	case strategy.OpSub:
		return strategy.Number(vals[0].Num.Sub(vals[1].Num)), true
	case strategy.OpMul:
		return strategy.Number(vals[0].Num.Mul(vals[1].Num)), true
	case strategy.OpDiv:
		if vals[1].Num.IsZero() {
			return strategy.Value{}, false
		}
		return strategy.Number(vals[0].Num.Div(vals[1].Num)), true
	case strategy.OpLT:
		return strategy.Bool(vals[0].Num.LessThan(vals[1].Num)), true
	case strategy.OpLE:
		return strategy.Bool(vals[0].Num.LessThanOrEqual(vals[1].Num)), true
	case strategy.OpGT:
		return strategy.Bool(vals[0].Num.GreaterThan(vals[1].Num)), true
	case strategy.OpGE:
		return strategy.Bool(vals[0].Num.GreaterThanOrEqual(vals[1].Num)), true
	case strategy.OpEQ:
		return strategy.Bool(vals[0].Equal(vals[1])), true
	case strategy.OpNE:
		return strategy.Bool(!vals[0].Equal(vals[1])), true
	case strategy.OpAnd:
		return strategy.Bool(vals[0].Bool && vals[1].Bool), true
	case strategy.OpOr:
		return strategy.Bool(vals[0].Bool || vals[1].Bool), true
	case strategy.OpNot:
		return strategy.Bool(!vals[0].Bool), true
	case strategy.OpNeg:
		return strategy.Number(vals[0].Num.Neg()), true
	case strategy.FnAbs:
		return strategy.Number(vals[0].Num.Abs()), true
	case strategy.FnMin, strategy.FnMax:
		best := vals[0].Num
		for _, v := range vals[1:] {
			if (op == strategy.FnMin && v.Num.LessThan(best)) || (op == strategy.FnMax && v.Num.GreaterThan(best)) {
				best = v.Num
			}
		}
		return strategy.Number(best), true
	}
	return strategy.Value{}, false
}
