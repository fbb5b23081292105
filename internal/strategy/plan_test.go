package strategy

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePlan() *ExecutionPlan {
	limit := decimal.RequireFromString("2.5")
	return &ExecutionPlan{
		CompilerVersion: "test",
		Instructions: []Instruction{
			{
				Index: 0,
				Rule:  "trend",
				Condition: &Node{Kind: NodeApply, Type: TypeBool, Op: OpGT, Args: []*Node{
					{Kind: NodeInput, Type: TypeNumber, Input: "close"},
					ConstNode(Number(decimal.NewFromInt(100))),
				}},
				Action: ResolvedAction{Kind: ActionHold},
			},
			{
				Index:     1,
				Rule:      "enter",
				Condition: &Node{Kind: NodeFired, Type: TypeBool, Rule: "trend"},
				Action: ResolvedAction{
					Kind:   ActionEnterLong,
					Symbol: "BTC-USD",
					Size:   ConstNode(Number(decimal.RequireFromString("0.5"))),
				},
				DependsOn: []int{0},
			},
		},
		Risk:     RiskEnvelope{Bounds: []Bound{{Kind: ConstraintLeverage, Max: &limit}}},
		Requires: []string{"spot"},
		Inputs:   []string{"close"},
	}
}

func TestExecutionPlan_Seal(t *testing.T) {
	plan := samplePlan()
	require.NoError(t, plan.Seal())

	assert.True(t, strings.HasPrefix(plan.Fingerprint, FingerprintPrefix))
	assert.Len(t, plan.Fingerprint, len(FingerprintPrefix)+64)
	assert.NotEmpty(t, plan.Canonical)
	assert.NoError(t, plan.Verify())

	again := samplePlan()
	require.NoError(t, again.Seal())
	assert.Equal(t, plan.Fingerprint, again.Fingerprint)
	assert.Equal(t, plan.Canonical, again.Canonical)
}

func TestExecutionPlan_VerifyDetectsTampering(t *testing.T) {
	plan := samplePlan()
	require.NoError(t, plan.Seal())

	plan.Requires = append(plan.Requires, "margin")
	assert.Error(t, plan.Verify())
}

func TestDecodePlan(t *testing.T) {
	plan := samplePlan()
	require.NoError(t, plan.Seal())

	decoded, err := DecodePlan(plan.Fingerprint, plan.Canonical)
	require.NoError(t, err)
	assert.Equal(t, plan.Fingerprint, decoded.Fingerprint)
	assert.Equal(t, plan.Canonical, decoded.Canonical)
	assert.Equal(t, "(close > 100)", decoded.Instructions[0].Condition.String())
	assert.Equal(t, []string{"trend"}, decoded.Instructions[1].Condition.FiredRules())

	_, err = DecodePlan("sha256:0000", plan.Canonical)
	assert.Error(t, err)
}

func TestRiskEnvelope_Lookup(t *testing.T) {
	one := decimal.NewFromInt(1)
	two := decimal.NewFromInt(2)
	env := RiskEnvelope{Bounds: []Bound{
		{Kind: ConstraintPosition, Max: &two},
		{Kind: ConstraintPosition, Symbol: "BTC-USD", Max: &one},
	}}

	b, ok := env.Lookup(ConstraintPosition, "BTC-USD")
	require.True(t, ok)
	assert.True(t, b.Max.Equal(one))

	b, ok = env.Lookup(ConstraintPosition, "ETH-USD")
	require.True(t, ok)
	assert.True(t, b.Max.Equal(two))

	_, ok = env.Lookup(ConstraintLeverage, "")
	assert.False(t, ok)
}
