package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExpr_Canonical(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"close > sma_fast", "(close > sma_fast)"},
		{"a + b * c", "(a + (b * c))"},
		{"(a + b) * c", "((a + b) * c)"},
		{"((a))", "a"},
		{"a - b - c", "((a - b) - c)"},
		{"!@cooldown && $enabled", "(!@cooldown && $enabled)"},
		{"a || b && c", "(a || (b && c))"},
		{"-x * 2", "(-x * 2)"},
		{"min(a, max(b, 1.50))", "min(a, max(b, 1.5))"},
		{"abs(btc.close - 3)", "abs((btc.close - 3))"},
		{`symbol == "BTC-USD"`, `(symbol == "BTC-USD")`},
		{"true != false", "(true != false)"},
		{"a <= b", "(a <= b)"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := ParseExpr(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.String())
		})
	}
}

func TestParseExpr_FormattingDoesNotMatter(t *testing.T) {
	a := MustParseExpr("sma_fast>sma_slow*$k")
	b := MustParseExpr("  (sma_fast)  >  ( sma_slow * $k )  ")
	assert.Equal(t, a.String(), b.String())
}

func TestParseExpr_Kinds(t *testing.T) {
	e := MustParseExpr("@trend && close > $threshold")
	require.Equal(t, ExprCall, e.Kind)
	assert.Equal(t, OpAnd, e.Name)
	assert.Equal(t, ExprRule, e.Args[0].Kind)
	assert.Equal(t, "trend", e.Args[0].Name)

	cmp := e.Args[1]
	assert.Equal(t, ExprInput, cmp.Args[0].Kind)
	assert.Equal(t, ExprParam, cmp.Args[1].Kind)
	assert.Equal(t, 18, cmp.Args[1].Offset)
}

func TestParseExpr_Errors(t *testing.T) {
	tests := []struct {
		src    string
		offset int
	}{
		{"", 0},
		{"a +", 3},
		{"(a", 2},
		{"a b", 2},
		{"$", 0},
		{"sqrt(a)", 0},
		{`"open`, 0},
		{"a # b", 2},
		{"1.2.3", 0},
		{"min(a b)", 6},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := ParseExpr(tt.src)
			require.Error(t, err)
			var syntaxErr *ExprSyntaxError
			require.ErrorAs(t, err, &syntaxErr)
			assert.Equal(t, tt.offset, syntaxErr.Offset)
		})
	}
}

func TestExpr_Walk(t *testing.T) {
	e := MustParseExpr("max($a, b) > @r")
	var kinds []ExprKind
	e.Walk(func(x *Expr) bool {
		kinds = append(kinds, x.Kind)
		return true
	})
	assert.Equal(t, []ExprKind{ExprCall, ExprCall, ExprParam, ExprInput, ExprRule}, kinds)
}
