package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsExpression(t *testing.T) {
	e := NewFeelEvaluator()

	assert.True(t, e.IsExpression("=amount > 100"))
	assert.True(t, e.IsExpression("  = approved"))
	assert.True(t, e.IsExpression("${approved}"))
	assert.False(t, e.IsExpression("plain text"))
	assert.False(t, e.IsExpression("100"))
	assert.False(t, e.IsExpression("${unterminated"))
}

func TestEvaluatePassesLiteralsThrough(t *testing.T) {
	e := NewFeelEvaluator()

	out, err := e.Evaluate("just a value", map[string]any{"x": 1})

	require.NoError(t, err)
	assert.Equal(t, "just a value", out)
}

func TestEvaluateResolvesVariables(t *testing.T) {
	e := NewFeelEvaluator()
	variables := map[string]any{"name": "ada"}

	out, err := e.Evaluate("=name", variables)

	require.NoError(t, err)
	assert.Equal(t, "ada", out)

	out, err = e.Evaluate("${name}", variables)
	require.NoError(t, err)
	assert.Equal(t, "ada", out)
}

func TestEvaluateCondition(t *testing.T) {
	e := NewFeelEvaluator()
	variables := map[string]any{"amount": int64(1500), "approved": true}

	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"comparison holds", "=amount > 1000", true},
		{"comparison fails", "=amount > 2000", false},
		{"bare boolean variable", "=approved", true},
		{"conjunction", "=approved and amount > 1000", true},
		{"unmarked source is still evaluated", "amount > 1000", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateCondition(tt.raw, variables)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateConditionRejectsNonBoolean(t *testing.T) {
	e := NewFeelEvaluator()

	_, err := e.EvaluateCondition("=amount", map[string]any{"amount": int64(7)})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "non-boolean")
}

func TestEvaluateConditionReportsBadExpression(t *testing.T) {
	e := NewFeelEvaluator()

	_, err := e.EvaluateCondition("=amount >", map[string]any{"amount": int64(7)})

	assert.Error(t, err)
}

func TestEvaluateMapResolvesOnlyMarkedEntries(t *testing.T) {
	e := NewFeelEvaluator()
	variables := map[string]any{"user": "ada", "amount": int64(3)}

	out, err := e.EvaluateMap(map[string]any{
		"assignee": "=user",
		"label":    "fixed label",
		"count":    int64(9),
		"big":      "=amount > 1",
	}, variables)

	require.NoError(t, err)
	assert.Equal(t, "ada", out["assignee"])
	assert.Equal(t, "fixed label", out["label"])
	assert.Equal(t, int64(9), out["count"])
	assert.Equal(t, true, out["big"])
}
