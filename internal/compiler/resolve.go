package compiler

import (
	"fmt"
	"strings"

	"github.com/zero-day-ai/stratagem/internal/strategy"
)

// resolve replaces parameter references by constants, checks every reference and
// statically types each expression. It then looks for rule cycles.
func (u *unit) resolve() {
	for _, r := range u.rules {
		r.resolveOK = true
		r.cond = u.resolveExpr(r, rulePath(r.index, "when"), r.when)
		if r.cond == nil {
			r.resolveOK = false
		} else if r.cond.Type != strategy.TypeBool {
			u.diags.Errorf(u.loc(rulePath(r.index, "when")), strategy.CodeTypeMismatch,
				"condition of rule %q must be bool, got %s", r.name, r.cond.Type)
			r.resolveOK = false
		}

		if r.size != nil {
			r.sizeNode = u.resolveExpr(r, rulePath(r.index, "then.size"), r.size)
			if r.sizeNode == nil {
				r.resolveOK = false
			} else if r.sizeNode.Type != strategy.TypeNumber {
				u.diags.Errorf(u.loc(rulePath(r.index, "then.size")), strategy.CodeTypeMismatch,
					"size of rule %q must be a number, got %s", r.name, r.sizeNode.Type)
				r.resolveOK = false
			}
		}
	}

	u.detectCycles()
}

// resolveExpr returns the resolved node, or nil after reporting a diagnostic.
// Type errors are not reported for operators whose operands already failed, so a
// single bad reference yields a single diagnostic.
func (u *unit) resolveExpr(r *rule, path string, e *strategy.Expr) *strategy.Node {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case strategy.ExprLiteral:
		return strategy.ConstNode(e.Value)

	case strategy.ExprParam:
		v, ok := u.params[e.Name]
		if !ok {
			u.diags.Errorf(u.locAt(path, e.Offset), strategy.CodeUnresolvedReference,
				"rule %q references unknown parameter $%s", r.name, e.Name)
			return nil
		}
		u.usedParams[e.Name] = true
		return strategy.ConstNode(v)

	case strategy.ExprInput:
		if _, ok := u.inputIndex[e.Name]; !ok {
			u.diags.Errorf(u.locAt(path, e.Offset), strategy.CodeUnresolvedReference,
				"rule %q reads undeclared input %q", r.name, e.Name)
			return nil
		}
		u.usedInputs[e.Name] = true
		return &strategy.Node{Kind: strategy.NodeInput, Type: strategy.TypeNumber, Input: e.Name}

	case strategy.ExprRule:
		if e.Name == r.name {
			u.diags.Errorf(u.locAt(path, e.Offset), strategy.CodeRuleCycle,
				"rule %q references itself", r.name)
			return nil
		}
		if _, ok := u.ruleByName[e.Name]; !ok {
			u.diags.Errorf(u.locAt(path, e.Offset), strategy.CodeUnresolvedReference,
				"rule %q references unknown rule @%s", r.name, e.Name)
			return nil
		}
		r.addDep(e.Name)
		return &strategy.Node{Kind: strategy.NodeFired, Type: strategy.TypeBool, Rule: e.Name}

	case strategy.ExprCall:
		args := make([]*strategy.Node, len(e.Args))
		failed := false
		for i, a := range e.Args {
			args[i] = u.resolveExpr(r, path, a)
			if args[i] == nil {
				failed = true
			}
		}
		if failed {
			return nil
		}
		typ, err := typeOf(e.Name, args)
		if err != nil {
			u.diags.Errorf(u.locAt(path, e.Offset), strategy.CodeTypeMismatch, "%s", err)
			return nil
		}
		return &strategy.Node{Kind: strategy.NodeApply, Type: typ, Op: e.Name, Args: args}
	}

	u.diags.Errorf(u.locAt(path, e.Offset), strategy.CodeStructural, "unsupported expression kind %s", e.Kind)
	return nil
}

func (r *rule) addDep(name string) {
	for _, d := range r.deps {
		if d == name {
			return
		}
	}
	r.deps = append(r.deps, name)
}

// typeOf returns the result type of applying op to args.
func typeOf(op string, args []*strategy.Node) (strategy.ValueType, error) {
	argTypes := func() string {
		names := make([]string, len(args))
		for i, a := range args {
			names[i] = string(a.Type)
		}
		return strings.Join(names, ", ")
	}
	allOf := func(t strategy.ValueType) bool {
		for _, a := range args {
			if a.Type != t {
				return false
			}
		}
		return true
	}

	switch op {
	case strategy.OpAdd, strategy.OpSub, strategy.OpMul, strategy.OpDiv:
		if len(args) == 2 && allOf(strategy.TypeNumber) {
			return strategy.TypeNumber, nil
		}
	case strategy.OpLT, strategy.OpLE, strategy.OpGT, strategy.OpGE:
		if len(args) == 2 && allOf(strategy.TypeNumber) {
			return strategy.TypeBool, nil
		}
	case strategy.OpEQ, strategy.OpNE:
		if len(args) == 2 && args[0].Type == args[1].Type {
			return strategy.TypeBool, nil
		}
	case strategy.OpAnd, strategy.OpOr:
		if len(args) == 2 && allOf(strategy.TypeBool) {
			return strategy.TypeBool, nil
		}
	case strategy.OpNot:
		if len(args) == 1 && allOf(strategy.TypeBool) {
			return strategy.TypeBool, nil
		}
	case strategy.OpNeg, strategy.FnAbs:
		if len(args) == 1 && allOf(strategy.TypeNumber) {
			return strategy.TypeNumber, nil
		}
	case strategy.FnMin, strategy.FnMax:
		if len(args) >= 2 && allOf(strategy.TypeNumber) {
			return strategy.TypeNumber, nil
		}
		if len(args) < 2 {
			return "", fmt.Errorf("%s takes at least 2 arguments, got %d", op, len(args))
		}
	default:
		return "", fmt.Errorf("unknown operator %q", op)
	}
	return "", fmt.Errorf("operator %s cannot be applied to (%s)", displayOp(op), argTypes())
}

func displayOp(op string) string {
	if op == strategy.OpNeg {
		return "unary -"
	}
	return op
}

// detectCycles uses depth-first search with color marking over the rule
// reference graph. Each cycle is reported once, at the rule where it was entered.
// Colors: white (0) = unvisited, gray (1) = in-progress, black (2) = done.
func (u *unit) detectCycles() {
	color := make(map[string]int, len(u.rules))
	parent := make(map[string]string, len(u.rules))

	var dfs func(r *rule) []string
	dfs = func(r *rule) []string {
		color[r.name] = 1
		for _, dep := range r.deps {
			next := u.ruleByName[dep]
			switch color[dep] {
			case 0:
				parent[dep] = r.name
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			case 1:
				// back edge: walk parents from r up to dep
				cycle := []string{dep}
				for cur := r.name; cur != dep; cur = parent[cur] {
					cycle = append([]string{cur}, cycle...)
				}
				return append([]string{dep}, cycle...)
			}
		}
		color[r.name] = 2
		return nil
	}

	for _, r := range u.rules {
		if color[r.name] != 0 || r.name == "" {
			continue
		}
		if cycle := dfs(r); cycle != nil {
			first := u.ruleByName[cycle[0]]
			u.diags.Errorf(u.loc(rulePath(first.index, "when")), strategy.CodeRuleCycle,
				"rules form a cycle: @%s", strings.Join(cycle, " -> @"))
			for _, name := range cycle {
				u.ruleByName[name].resolveOK = false
			}
			// the traversal was abandoned; close it so the cycle is reported once
			for name, c := range color {
				if c == 1 {
					color[name] = 2
				}
			}
		}
	}
}
