package compiler

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/stratagem/internal/strategy"
	"github.com/zero-day-ai/stratagem/internal/types"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func num(s string) strategy.Value {
	return strategy.Number(decimal.RequireFromString(s))
}

// baseSpec returns a small valid spec that compiles without warnings.
func baseSpec() *strategy.StrategySpec {
	return &strategy.StrategySpec{
		ID:      "btc-momentum",
		Version: 1,
		Author:  "alice",
		Inputs:  []string{"close", "sma_fast"},
		Parameters: map[string]strategy.Value{
			"threshold": num("1.5"),
			"size":      num("0.25"),
		},
		Rules: []strategy.Rule{
			{Name: "trend", When: "close > sma_fast * $threshold", Then: strategy.Action{Kind: strategy.ActionHold}},
			{Name: "enter", When: "@trend", Then: strategy.Action{Kind: strategy.ActionEnterLong, Symbol: "BTC-USD", Size: "$size * 2"}},
		},
		Constraints: []strategy.RiskConstraint{
			{Kind: strategy.ConstraintPosition, Symbol: "BTC-USD", Max: dec("1")},
			{Kind: strategy.ConstraintLeverage, Max: dec("3")},
		},
		Requires: []string{"spot"},
	}
}

func compile(t *testing.T, spec *strategy.StrategySpec) *Result {
	t.Helper()
	return New().Compile(context.Background(), spec)
}

func TestCompile_Valid(t *testing.T) {
	result := compile(t, baseSpec())
	require.True(t, result.OK(), "diagnostics: %v", result.Diagnostics)
	assert.Empty(t, result.Diagnostics)
	assert.NoError(t, result.Err())

	plan := result.Plan
	require.Len(t, plan.Instructions, 2)
	assert.Equal(t, "trend", plan.Instructions[0].Rule)
	assert.Equal(t, "(close > (sma_fast * 1.5))", plan.Instructions[0].Condition.String())
	assert.Equal(t, []int{0}, plan.Instructions[1].DependsOn)
	assert.Equal(t, "0.5", plan.Instructions[1].Action.Size.String(), "constant size is folded")
	assert.Equal(t, []string{"close", "sma_fast"}, plan.Inputs)
	assert.Equal(t, []string{"spot"}, plan.Requires)
	require.Len(t, plan.Risk.Bounds, 2)
	assert.Equal(t, strategy.ConstraintLeverage, plan.Risk.Bounds[0].Kind, "bounds are sorted by kind")
	assert.NoError(t, plan.Verify())
}

func TestCompile_Deterministic(t *testing.T) {
	c := New()
	first := c.Compile(context.Background(), baseSpec())
	second := c.Compile(context.Background(), baseSpec())
	require.True(t, first.OK())
	require.True(t, second.OK())

	assert.Equal(t, first.Plan.Fingerprint, second.Plan.Fingerprint)
	assert.Equal(t, first.Plan.Canonical, second.Plan.Canonical)
}

func TestCompile_EquivalentSpecsShareFingerprint(t *testing.T) {
	base := compile(t, baseSpec())
	require.True(t, base.OK())

	tests := []struct {
		name   string
		mutate func(s *strategy.StrategySpec)
	}{
		{"metadata only", func(s *strategy.StrategySpec) {
			s.ID = "renamed"
			s.Version = 7
			s.Author = "bob"
			s.Description = "same logic, new words"
		}},
		{"redundant parentheses and spacing", func(s *strategy.StrategySpec) {
			s.Rules[0].When = "((close)) >   (sma_fast*$threshold)"
		}},
		{"trailing zeros", func(s *strategy.StrategySpec) {
			s.Parameters["threshold"] = num("1.50")
			s.Constraints[1].Max = dec("3.000")
		}},
		{"collection order", func(s *strategy.StrategySpec) {
			s.Inputs = []string{"sma_fast", "close"}
			s.Constraints[0], s.Constraints[1] = s.Constraints[1], s.Constraints[0]
			s.Requires = []string{" spot ", "spot"}
		}},
		{"equivalent constant size", func(s *strategy.StrategySpec) {
			s.Rules[1].Then.Size = "0.5"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := baseSpec()
			tt.mutate(spec)
			result := compile(t, spec)
			require.True(t, result.OK(), "diagnostics: %v", result.Diagnostics)
			assert.Equal(t, base.Plan.Fingerprint, result.Plan.Fingerprint)
		})
	}
}

func TestCompile_SemanticChangesChangeFingerprint(t *testing.T) {
	base := compile(t, baseSpec())
	require.True(t, base.OK())

	spec := baseSpec()
	spec.Parameters["threshold"] = num("1.6")
	changed := compile(t, spec)
	require.True(t, changed.OK())
	assert.NotEqual(t, base.Plan.Fingerprint, changed.Plan.Fingerprint)

	other := New(WithCompilerVersion("another-format")).Compile(context.Background(), baseSpec())
	require.True(t, other.OK())
	assert.NotEqual(t, base.Plan.Fingerprint, other.Plan.Fingerprint)
}

func TestCompile_DoesNotMutateSpec(t *testing.T) {
	spec := baseSpec()
	spec.Rules[0].Name = "  trend  "
	spec.Rules[1].When = "@trend"
	snapshot := spec.Clone()

	compile(t, spec)
	assert.Equal(t, snapshot, spec)
}

func TestCompile_UndefinedParameter(t *testing.T) {
	spec := baseSpec()
	spec.Rules[0].When = "close > $missing"
	delete(spec.Parameters, "threshold")

	result := compile(t, spec)
	assert.False(t, result.OK())
	assert.Nil(t, result.Plan)

	errs := result.Diagnostics.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, strategy.CodeUnresolvedReference, errs[0].Code)
	assert.Equal(t, "rules[0].when", errs[0].Location.Path)
	assert.Contains(t, errs[0].Message, "$missing")

	err := result.Err()
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.COMPILATION_FAILED))
}

func TestCompile_ResolveErrors(t *testing.T) {
	tests := []struct {
		name  string
		rules []strategy.Rule
		code  string
	}{
		{
			name:  "undeclared input",
			rules: []strategy.Rule{{Name: "a", When: "volume > 1", Then: strategy.Action{Kind: strategy.ActionHold}}},
			code:  strategy.CodeUnresolvedReference,
		},
		{
			name:  "unknown rule",
			rules: []strategy.Rule{{Name: "a", When: "@nope", Then: strategy.Action{Kind: strategy.ActionHold}}},
			code:  strategy.CodeUnresolvedReference,
		},
		{
			name:  "self reference",
			rules: []strategy.Rule{{Name: "a", When: "@a && close > 1", Then: strategy.Action{Kind: strategy.ActionHold}}},
			code:  strategy.CodeRuleCycle,
		},
		{
			name: "two rule cycle",
			rules: []strategy.Rule{
				{Name: "a", When: "@b", Then: strategy.Action{Kind: strategy.ActionHold}},
				{Name: "b", When: "@a || close > 1", Then: strategy.Action{Kind: strategy.ActionHold}},
			},
			code: strategy.CodeRuleCycle,
		},
		{
			name:  "numeric condition",
			rules: []strategy.Rule{{Name: "a", When: "close + 1", Then: strategy.Action{Kind: strategy.ActionHold}}},
			code:  strategy.CodeTypeMismatch,
		},
		{
			name:  "bool arithmetic",
			rules: []strategy.Rule{{Name: "a", When: "(close > 1) + 1 > 2", Then: strategy.Action{Kind: strategy.ActionHold}}},
			code:  strategy.CodeTypeMismatch,
		},
		{
			name: "bool size",
			rules: []strategy.Rule{{Name: "a", When: "close > 1",
				Then: strategy.Action{Kind: strategy.ActionEnterLong, Size: "close > 2"}}},
			code: strategy.CodeTypeMismatch,
		},
		{
			name: "string compared with number",
			rules: []strategy.Rule{{Name: "a", When: `close == "high"`,
				Then: strategy.Action{Kind: strategy.ActionHold}}},
			code: strategy.CodeTypeMismatch,
		},
		{
			name:  "min with one argument",
			rules: []strategy.Rule{{Name: "a", When: "min(close) > 1", Then: strategy.Action{Kind: strategy.ActionHold}}},
			code:  strategy.CodeTypeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := baseSpec()
			spec.Parameters = nil
			spec.Inputs = []string{"close"}
			spec.Rules = tt.rules

			result := compile(t, spec)
			assert.Nil(t, result.Plan)
			errs := result.Diagnostics.Errors()
			require.Len(t, errs, 1, "diagnostics: %v", result.Diagnostics)
			assert.Equal(t, tt.code, errs[0].Code)
		})
	}
}

func TestCompile_StructuralErrorsStopPipeline(t *testing.T) {
	spec := baseSpec()
	spec.ID = "  "
	spec.Rules = append(spec.Rules,
		strategy.Rule{Name: "trend", When: "close > 1", Then: strategy.Action{Kind: strategy.ActionHold}},
		strategy.Rule{Name: "broken", When: "close >", Then: strategy.Action{Kind: strategy.ActionHold}},
		strategy.Rule{Name: "nokind", When: "$undefined > 1"},
		strategy.Rule{Name: "sizeless", When: "close > 1", Then: strategy.Action{Kind: strategy.ActionScale}},
	)

	result := compile(t, spec)
	assert.Nil(t, result.Plan)

	codes := make(map[string]int)
	for _, d := range result.Diagnostics.Errors() {
		codes[d.Code]++
	}
	assert.Equal(t, map[string]int{
		strategy.CodeStructural: 4,
		strategy.CodeSyntax:     1,
	}, codes, "reference resolution never ran: %v", result.Diagnostics)
}

func TestCompile_Constraints(t *testing.T) {
	tests := []struct {
		name        string
		constraints []strategy.RiskConstraint
		size        string
		errCode     string
		warnCode    string
	}{
		{
			name:        "min greater than max",
			constraints: []strategy.RiskConstraint{{Kind: strategy.ConstraintExposure, Min: dec("5"), Max: dec("2")}},
			errCode:     strategy.CodeConstraintInconsistent,
		},
		{
			name:        "negative exposure",
			constraints: []strategy.RiskConstraint{{Kind: strategy.ConstraintExposure, Max: dec("-1")}},
			errCode:     strategy.CodeConstraintNegative,
		},
		{
			name:        "negative order rate",
			constraints: []strategy.RiskConstraint{{Kind: strategy.ConstraintOrderRate, Min: dec("-3")}},
			errCode:     strategy.CodeConstraintNegative,
		},
		{
			name:        "drawdown above one",
			constraints: []strategy.RiskConstraint{{Kind: strategy.ConstraintDrawdown, Max: dec("1.5")}},
			errCode:     strategy.CodeConstraintRange,
		},
		{
			name: "duplicate kind and symbol",
			constraints: []strategy.RiskConstraint{
				{Kind: strategy.ConstraintPosition, Symbol: "BTC-USD", Max: dec("1")},
				{Kind: strategy.ConstraintPosition, Symbol: "BTC-USD", Max: dec("2")},
			},
			errCode: strategy.CodeConstraintDuplicate,
		},
		{
			name:        "tight bounds",
			constraints: []strategy.RiskConstraint{{Kind: strategy.ConstraintExposure, Min: dec("0.995"), Max: dec("1")}},
			warnCode:    strategy.CodeConstraintTight,
		},
		{
			name:        "high leverage",
			constraints: []strategy.RiskConstraint{{Kind: strategy.ConstraintLeverage, Max: dec("25")}},
			warnCode:    strategy.CodeHighLeverage,
		},
		{
			name:        "literal size above position limit",
			constraints: []strategy.RiskConstraint{{Kind: strategy.ConstraintPosition, Max: dec("0.1")}},
			size:        "0.5",
			warnCode:    strategy.CodeSizeExceedsPosition,
		},
		{
			name:        "same kind for different symbols",
			constraints: []strategy.RiskConstraint{{Kind: strategy.ConstraintPosition, Max: dec("2")}, {Kind: strategy.ConstraintPosition, Symbol: "BTC-USD", Max: dec("1")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := baseSpec()
			spec.Constraints = tt.constraints
			if tt.size != "" {
				spec.Rules[1].Then.Size = tt.size
				delete(spec.Parameters, "size")
			}

			result := compile(t, spec)
			if tt.errCode != "" {
				assert.Nil(t, result.Plan)
				errs := result.Diagnostics.Errors()
				require.Len(t, errs, 1, "diagnostics: %v", result.Diagnostics)
				assert.Equal(t, tt.errCode, errs[0].Code)
				return
			}

			require.True(t, result.OK(), "diagnostics: %v", result.Diagnostics)
			if tt.warnCode == "" {
				assert.Empty(t, result.Diagnostics.Warnings())
				return
			}
			warnings := result.Diagnostics.Warnings()
			require.Len(t, warnings, 1, "diagnostics: %v", result.Diagnostics)
			assert.Equal(t, tt.warnCode, warnings[0].Code)
		})
	}
}

func TestCompile_ConfigurableThresholds(t *testing.T) {
	spec := baseSpec()
	spec.Constraints = []strategy.RiskConstraint{
		{Kind: strategy.ConstraintLeverage, Max: dec("5")},
		{Kind: strategy.ConstraintExposure, Min: dec("0.9"), Max: dec("1")},
	}

	result := New(WithMaxLeverageWarning(4), WithTightBoundRatio(0.2)).Compile(context.Background(), spec)
	require.True(t, result.OK())
	assert.Len(t, result.Diagnostics.WithCode(strategy.CodeHighLeverage), 1)
	assert.Len(t, result.Diagnostics.WithCode(strategy.CodeConstraintTight), 1)
}

func TestCompile_NoRulesAndUnusedDeclarations(t *testing.T) {
	spec := baseSpec()
	spec.Rules = nil

	result := compile(t, spec)
	assert.Nil(t, result.Plan)
	assert.Len(t, result.Diagnostics.WithCode(strategy.CodeNoRules), 1)
	assert.Len(t, result.Diagnostics.WithCode(strategy.CodeUnusedParameter), 2)
	assert.Len(t, result.Diagnostics.WithCode(strategy.CodeUnusedInput), 2)
}

func TestCompile_DivisionByZero(t *testing.T) {
	for _, size := range []string{"close / 0", "close / (2 - 2)", "1 / 0.0"} {
		t.Run(size, func(t *testing.T) {
			spec := baseSpec()
			spec.Rules[1].Then.Size = size
			delete(spec.Parameters, "size")

			result := compile(t, spec)
			assert.Nil(t, result.Plan)
			errs := result.Diagnostics.Errors()
			require.Len(t, errs, 1)
			assert.Equal(t, strategy.CodeDivisionByZero, errs[0].Code)
		})
	}
}

func TestCompile_ConstantFolding(t *testing.T) {
	spec := baseSpec()
	spec.Rules[0].When = "close > sma_fast * (1 + 0.5) && !(2 < 1)"
	spec.Rules[1].Then.Size = "max(0.1, abs(-0.2), min($size, 3)) / 2"

	result := compile(t, spec)
	require.True(t, result.OK(), "diagnostics: %v", result.Diagnostics)
	assert.Equal(t, "((close > (sma_fast * 1.5)) && true)", result.Plan.Instructions[0].Condition.String())
	assert.Equal(t, "0.125", result.Plan.Instructions[1].Action.Size.String())
}

func TestCompile_InstructionOrder(t *testing.T) {
	spec := baseSpec()
	spec.Parameters = nil
	spec.Constraints = nil
	spec.Inputs = []string{"close"}
	spec.Rules = []strategy.Rule{
		{Name: "confirm", When: "@signal && @filter", Then: strategy.Action{Kind: strategy.ActionEnterShort, Size: "1"}},
		{Name: "standalone", When: "close < 10", Then: strategy.Action{Kind: strategy.ActionExit}},
		{Name: "signal", When: "close > 100", Then: strategy.Action{Kind: strategy.ActionHold}},
		{Name: "filter", When: "@signal || close > 50", Then: strategy.Action{Kind: strategy.ActionHold}},
	}

	result := compile(t, spec)
	require.True(t, result.OK(), "diagnostics: %v", result.Diagnostics)

	var names []string
	for _, in := range result.Plan.Instructions {
		names = append(names, in.Rule)
	}
	assert.Equal(t, []string{"standalone", "signal", "filter", "confirm"}, names)
	assert.Equal(t, []int{1}, result.Plan.Instructions[2].DependsOn)
	assert.Equal(t, []int{1, 2}, result.Plan.Instructions[3].DependsOn)
}

func TestCompile_DiagnosticPositions(t *testing.T) {
	yaml := `id: pos
version: 1
inputs: [close]
rules:
  - name: a
    when: close > $nope
    then: {kind: hold}
`
	spec, err := strategy.ParseSpec([]byte(yaml), "pos.yaml")
	require.NoError(t, err)

	result := compile(t, spec)
	errs := result.Diagnostics.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, 6, errs[0].Location.Line)
	assert.Equal(t, 19, errs[0].Location.Column)
}

func TestCompile_NilSpec(t *testing.T) {
	result := compile(t, nil)
	assert.False(t, result.OK())
	assert.True(t, result.Diagnostics.HasErrors())
}

func TestCompileAll(t *testing.T) {
	bad := baseSpec()
	bad.ID = "bad"
	bad.Rules[0].When = "close >"

	specs := []*strategy.StrategySpec{baseSpec(), bad, baseSpec()}
	specs[2].ID = "third"

	results, err := New(WithParallelism(2)).CompileAll(context.Background(), specs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "btc-momentum", results[0].StrategyID)
	assert.True(t, results[0].OK())
	assert.Equal(t, "bad", results[1].StrategyID)
	assert.False(t, results[1].OK())
	assert.Equal(t, "third", results[2].StrategyID)
	assert.Equal(t, results[0].Plan.Fingerprint, results[2].Plan.Fingerprint)
}

func TestCompileAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().CompileAll(ctx, []*strategy.StrategySpec{baseSpec()})
	assert.ErrorIs(t, err, context.Canceled)
}
