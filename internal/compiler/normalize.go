package compiler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zero-day-ai/stratagem/internal/strategy"
)

// unit carries one spec through the compilation stages.
type unit struct {
	spec  *strategy.StrategySpec
	src   *strategy.SourceMap
	diags strategy.Diagnostics

	// normalize
	rules       []*rule
	ruleByName  map[string]*rule
	params      map[string]strategy.Value
	paramNames  []string
	inputs      []string
	inputIndex  map[string]int
	requires    []string
	constraints []constraint

	// resolve
	usedParams map[string]bool
	usedInputs map[string]bool

	// emit
	plan *strategy.ExecutionPlan
}

// rule is a normalized rule. index is its declaration position and stays the
// tie-break for instruction ordering.
type rule struct {
	index  int
	name   string
	when   *strategy.Expr
	action strategy.Action
	size   *strategy.Expr

	cond      *strategy.Node
	sizeNode  *strategy.Node
	deps      []string
	resolveOK bool
}

type constraint struct {
	strategy.RiskConstraint
	index int
}

func newUnit(spec *strategy.StrategySpec) *unit {
	u := &unit{
		ruleByName: make(map[string]*rule),
		params:     make(map[string]strategy.Value),
		inputIndex: make(map[string]int),
		usedParams: make(map[string]bool),
		usedInputs: make(map[string]bool),
	}
	if spec != nil {
		u.spec = spec
		u.src = spec.Source
	}
	return u
}

func (u *unit) loc(path string) strategy.Location {
	return u.src.Locate(path, 0)
}

func (u *unit) locAt(path string, offset int) strategy.Location {
	return u.src.Locate(path, offset)
}

func rulePath(index int, field string) string {
	return fmt.Sprintf("rules[%d].%s", index, field)
}

// normalize trims names, parses expressions, sorts the unordered collections and
// reports structural problems.
func (u *unit) normalize() {
	spec := u.spec

	if strings.TrimSpace(spec.ID) == "" {
		u.diags.Errorf(u.loc("id"), strategy.CodeStructural, "strategy id is required")
	}
	if spec.Version < 1 {
		u.diags.Errorf(u.loc("version"), strategy.CodeStructural, "version must be at least 1, got %d", spec.Version)
	}

	u.normalizeParameters()
	u.normalizeInputs()
	u.normalizeRequires()
	u.normalizeRules()
	u.normalizeConstraints()
}

func (u *unit) normalizeParameters() {
	names := make([]string, 0, len(u.spec.Parameters))
	for raw := range u.spec.Parameters {
		names = append(names, raw)
	}
	sort.Strings(names)

	for _, raw := range names {
		name := strings.TrimSpace(raw)
		path := "parameters." + raw
		v := u.spec.Parameters[raw]
		switch {
		case name == "":
			u.diags.Errorf(u.loc(path), strategy.CodeStructural, "parameter name must not be empty")
			continue
		case v.IsZero():
			u.diags.Errorf(u.loc(path), strategy.CodeStructural, "parameter %q has no value", name)
			continue
		}
		if _, dup := u.params[name]; dup {
			u.diags.Errorf(u.loc(path), strategy.CodeStructural, "parameter %q is declared more than once", name)
			continue
		}
		u.params[name] = v
		u.paramNames = append(u.paramNames, name)
	}
	sort.Strings(u.paramNames)
}

func (u *unit) normalizeInputs() {
	for i, raw := range u.spec.Inputs {
		name := strings.TrimSpace(raw)
		if name == "" {
			u.diags.Errorf(u.loc(fmt.Sprintf("inputs[%d]", i)), strategy.CodeStructural, "input name must not be empty")
			continue
		}
		if _, dup := u.inputIndex[name]; dup {
			continue
		}
		u.inputIndex[name] = i
		u.inputs = append(u.inputs, name)
	}
	sort.Strings(u.inputs)
}

func (u *unit) normalizeRequires() {
	seen := make(map[string]bool)
	for _, raw := range u.spec.Requires {
		tag := strings.TrimSpace(raw)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		u.requires = append(u.requires, tag)
	}
	sort.Strings(u.requires)
}

func (u *unit) normalizeRules() {
	for i, raw := range u.spec.Rules {
		r := &rule{
			index: i,
			name:  strings.TrimSpace(raw.Name),
			action: strategy.Action{
				Kind:   strategy.ActionKind(strings.TrimSpace(string(raw.Then.Kind))),
				Symbol: strings.TrimSpace(raw.Then.Symbol),
			},
		}

		switch {
		case r.name == "":
			u.diags.Errorf(u.loc(rulePath(i, "name")), strategy.CodeStructural, "rule name is required")
		case u.ruleByName[r.name] != nil:
			u.diags.Errorf(u.loc(rulePath(i, "name")), strategy.CodeStructural,
				"rule name %q is already used by rules[%d]", r.name, u.ruleByName[r.name].index)
		default:
			u.ruleByName[r.name] = r
		}

		r.when = u.parseExpr(rulePath(i, "when"), raw.When, "condition")

		switch {
		case r.action.Kind == "":
			u.diags.Errorf(u.loc(rulePath(i, "then")), strategy.CodeStructural, "rule %q has no action kind", r.name)
		case !r.action.Kind.IsValid():
			u.diags.Errorf(u.loc(rulePath(i, "then.kind")), strategy.CodeStructural, "unknown action kind %q", r.action.Kind)
		}

		size := strings.TrimSpace(raw.Then.Size)
		switch {
		case size != "":
			r.size = u.parseExpr(rulePath(i, "then.size"), raw.Then.Size, "size")
		case r.action.Kind.RequiresSize():
			u.diags.Errorf(u.loc(rulePath(i, "then")), strategy.CodeStructural, "%s action requires a size", r.action.Kind)
		}

		u.rules = append(u.rules, r)
	}
}

func (u *unit) parseExpr(path, src, what string) *strategy.Expr {
	if strings.TrimSpace(src) == "" {
		u.diags.Errorf(u.loc(path), strategy.CodeStructural, "%s expression is required", what)
		return nil
	}
	e, err := strategy.ParseExpr(src)
	if err != nil {
		var syntaxErr *strategy.ExprSyntaxError
		if errors.As(err, &syntaxErr) {
			u.diags.Errorf(u.locAt(path, syntaxErr.Offset), strategy.CodeSyntax, "invalid %s: %s", what, syntaxErr.Message)
		} else {
			u.diags.Errorf(u.loc(path), strategy.CodeSyntax, "invalid %s: %v", what, err)
		}
		return nil
	}
	return e
}

func (u *unit) normalizeConstraints() {
	for i, raw := range u.spec.Constraints {
		path := fmt.Sprintf("constraints[%d]", i)
		c := constraint{
			RiskConstraint: strategy.RiskConstraint{
				Kind:   strategy.ConstraintKind(strings.TrimSpace(string(raw.Kind))),
				Symbol: strings.TrimSpace(raw.Symbol),
				Min:    raw.Min,
				Max:    raw.Max,
			},
			index: i,
		}
		if !c.Kind.IsValid() {
			u.diags.Errorf(u.loc(path+".kind"), strategy.CodeStructural, "unknown constraint kind %q", raw.Kind)
			continue
		}
		if c.Min == nil && c.Max == nil {
			u.diags.Errorf(u.loc(path), strategy.CodeStructural, "%s constraint needs a min or a max", c.Kind)
			continue
		}
		u.constraints = append(u.constraints, c)
	}
	sort.SliceStable(u.constraints, func(i, j int) bool {
		a, b := u.constraints[i], u.constraints[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Symbol < b.Symbol
	})
}
