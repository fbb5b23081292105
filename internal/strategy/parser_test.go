package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpecFile(t *testing.T) {
	spec, err := ParseSpecFile("testdata/momentum.yaml")
	require.NoError(t, err)

	assert.Equal(t, "btc-momentum", spec.ID)
	assert.Equal(t, int64(3), spec.Version)
	assert.Equal(t, "quant-desk", spec.Author)
	assert.Equal(t, []string{"close", "sma_fast", "sma_slow"}, spec.Inputs)
	assert.Equal(t, []string{"spot", "binance"}, spec.Requires)

	require.Len(t, spec.Rules, 3)
	assert.Equal(t, "enter", spec.Rules[1].Name)
	assert.Equal(t, "@trend_up && close > sma_fast", spec.Rules[1].When)
	assert.Equal(t, ActionEnterLong, spec.Rules[1].Then.Kind)
	assert.Equal(t, "$base_size * 2", spec.Rules[1].Then.Size)

	require.Contains(t, spec.Parameters, "entry_threshold")
	assert.Equal(t, TypeNumber, spec.Parameters["entry_threshold"].Type)
	assert.Equal(t, "1.02", spec.Parameters["entry_threshold"].Canonical())
	assert.Equal(t, Bool(true), spec.Parameters["scale_in"])

	require.Len(t, spec.Constraints, 3)
	assert.Equal(t, ConstraintPosition, spec.Constraints[0].Kind)
	require.NotNil(t, spec.Constraints[0].Max)
	assert.Equal(t, "1", spec.Constraints[0].Max.String())
	assert.Nil(t, spec.Constraints[0].Min)
}

func TestParseSpec_SourcePositions(t *testing.T) {
	spec, err := ParseSpecFile("testdata/momentum.yaml")
	require.NoError(t, err)

	pos, ok := spec.Source.Lookup("rules[1].when")
	require.True(t, ok)
	assert.Equal(t, 17, pos.Line)
	assert.Equal(t, 11, pos.Column)
	assert.True(t, pos.Quoted)

	// "close" starts 13 bytes into the quoted scalar
	loc := spec.Source.Locate("rules[1].when", 13)
	assert.Equal(t, 17, loc.Line)
	assert.Equal(t, 25, loc.Column)

	pos, ok = spec.Source.Lookup("parameters.base_size")
	require.True(t, ok)
	assert.Equal(t, 9, pos.Line)

	assert.Equal(t, Location{Path: "missing"}, spec.Source.Locate("missing", 4))
}

func TestParseSpec_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		line int
	}{
		{
			name: "invalid syntax",
			yaml: "id: [unterminated",
		},
		{
			name: "not a mapping",
			yaml: "- a\n- b\n",
			line: 1,
		},
		{
			name: "unknown field",
			yaml: "id: x\nrulez: []\n",
		},
		{
			name: "null parameter",
			yaml: "id: x\nparameters:\n  size: ~\n",
			line: 3,
		},
		{
			name: "non-numeric bound",
			yaml: "id: x\nconstraints:\n  - kind: leverage\n    max: high\n",
			line: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSpec([]byte(tt.yaml), "spec.yaml")
			require.Error(t, err)
			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, "spec.yaml", parseErr.File)
			if tt.line > 0 {
				assert.Equal(t, tt.line, parseErr.Line)
			}
		})
	}
}

func TestStrategySpec_Clone(t *testing.T) {
	spec, err := ParseSpecFile("testdata/momentum.yaml")
	require.NoError(t, err)

	clone := spec.Clone()
	clone.Rules[0].Name = "changed"
	clone.Parameters["base_size"] = Bool(false)
	*clone.Constraints[0].Max = clone.Constraints[0].Max.Neg()

	assert.Equal(t, "trend_up", spec.Rules[0].Name)
	assert.Equal(t, TypeNumber, spec.Parameters["base_size"].Type)
	assert.Equal(t, "1", spec.Constraints[0].Max.String())
}
