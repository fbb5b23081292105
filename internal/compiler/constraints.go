package compiler

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/zero-day-ai/stratagem/internal/strategy"
)

var one = decimal.NewFromInt(1)

// validateConstraints checks risk bounds for consistency and reports
// unusual-but-legal settings as warnings. It also reports specs without rules and
// unused parameters and inputs.
func (u *unit) validateConstraints(tightRatio, leverageCeiling decimal.Decimal) {
	if len(u.rules) == 0 {
		u.diags.Errorf(u.loc("rules"), strategy.CodeNoRules, "strategy has no rules")
	}

	seen := make(map[string]int)
	for _, c := range u.constraints {
		path := fmt.Sprintf("constraints[%d]", c.index)
		if prev, dup := seen[c.Key()]; dup {
			u.diags.Errorf(u.loc(path), strategy.CodeConstraintDuplicate,
				"%s constraint duplicates constraints[%d]", describe(c.RiskConstraint), prev)
			continue
		}
		seen[c.Key()] = c.index

		u.checkBounds(c, path)

		if c.Min != nil && c.Max != nil {
			if c.Min.GreaterThan(*c.Max) {
				u.diags.Errorf(u.loc(path), strategy.CodeConstraintInconsistent,
					"%s constraint has min %s greater than max %s", describe(c.RiskConstraint), c.Min, c.Max)
				continue
			}
			if c.Max.IsPositive() {
				ratio := c.Max.Sub(*c.Min).Div(*c.Max)
				if ratio.LessThan(tightRatio) {
					u.diags.Warnf(u.loc(path), strategy.CodeConstraintTight,
						"%s constraint bounds [%s, %s] are very tight", describe(c.RiskConstraint), c.Min, c.Max)
				}
			}
		}

		if c.Kind == strategy.ConstraintLeverage && c.Max != nil && c.Max.GreaterThan(leverageCeiling) {
			u.diags.Warnf(u.loc(path+".max"), strategy.CodeHighLeverage,
				"leverage limit %s is above %s", c.Max, leverageCeiling)
		}
	}

	for _, name := range u.paramNames {
		if !u.usedParams[name] {
			u.diags.Warnf(u.loc("parameters."+name), strategy.CodeUnusedParameter, "parameter %q is never referenced", name)
		}
	}
	for _, name := range u.inputs {
		if !u.usedInputs[name] {
			u.diags.Warnf(u.loc(fmt.Sprintf("inputs[%d]", u.inputIndex[name])), strategy.CodeUnusedInput,
				"input %q is never read", name)
		}
	}
}

func (u *unit) checkBounds(c constraint, path string) {
	for _, b := range []struct {
		field string
		value *decimal.Decimal
	}{
		{"min", c.Min},
		{"max", c.Max},
	} {
		if b.value == nil {
			continue
		}
		switch c.Kind {
		case strategy.ConstraintDrawdown:
			if b.value.IsNegative() || b.value.GreaterThan(one) {
				u.diags.Errorf(u.loc(path+"."+b.field), strategy.CodeConstraintRange,
					"drawdown %s %s must be a fraction between 0 and 1", b.field, b.value)
			}
		default:
			if b.value.IsNegative() {
				u.diags.Errorf(u.loc(path+"."+b.field), strategy.CodeConstraintNegative,
					"%s %s must not be negative, got %s", describe(c.RiskConstraint), b.field, b.value)
			}
		}
	}
}

// checkSizes warns about literal action sizes that exceed the applicable
// position bound. It runs after folding so that constant size expressions count
// as literals.
func (u *unit) checkSizes() {
	env := u.riskEnvelope()
	for _, r := range u.rules {
		if !r.sizeNode.IsConst() || r.sizeNode.Type != strategy.TypeNumber {
			continue
		}
		bound, ok := env.Lookup(strategy.ConstraintPosition, r.action.Symbol)
		if !ok || bound.Max == nil {
			continue
		}
		size := r.sizeNode.Value.Num.Abs()
		if size.GreaterThan(*bound.Max) {
			u.diags.Warnf(u.loc(rulePath(r.index, "then.size")), strategy.CodeSizeExceedsPosition,
				"size %s of rule %q exceeds the position limit %s", size, r.name, bound.Max)
		}
	}
}

func (u *unit) riskEnvelope() strategy.RiskEnvelope {
	env := strategy.RiskEnvelope{Bounds: make([]strategy.Bound, 0, len(u.constraints))}
	for _, c := range u.constraints {
		env.Bounds = append(env.Bounds, strategy.Bound{
			Kind:   c.Kind,
			Symbol: c.Symbol,
			Min:    copyDecimal(c.Min),
			Max:    copyDecimal(c.Max),
		})
	}
	return env
}

func describe(c strategy.RiskConstraint) string {
	if c.Symbol == "" {
		return string(c.Kind)
	}
	return fmt.Sprintf("%s (%s)", c.Kind, c.Symbol)
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
