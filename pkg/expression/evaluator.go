// Package expression resolves the FEEL expressions carried by process
// definitions: gateway conditions, variable mappings, and conditional
// event triggers.
package expression

import (
	"fmt"
	"strings"

	"github.com/pbinitiative/feel"
)

// Evaluator evaluates expression strings against a variable context.
type Evaluator interface {
	// IsExpression reports whether the raw string is an expression rather
	// than a literal value.
	IsExpression(raw string) bool
	// Evaluate resolves a single expression. Literal strings are returned
	// unchanged.
	Evaluate(raw string, variables map[string]any) (any, error)
	// EvaluateMap resolves every expression-valued entry of the input map.
	EvaluateMap(input map[string]any, variables map[string]any) (map[string]any, error)
	// EvaluateCondition resolves an expression that must yield a boolean.
	EvaluateCondition(raw string, variables map[string]any) (bool, error)
}

// FeelEvaluator evaluates expressions with the FEEL interpreter.
// Expressions are marked with a leading "=" or wrapped in "${...}".
type FeelEvaluator struct{}

func NewFeelEvaluator() *FeelEvaluator {
	return &FeelEvaluator{}
}

var _ Evaluator = &FeelEvaluator{}

func (e *FeelEvaluator) IsExpression(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "=") {
		return true
	}
	return strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}")
}

// unwrap strips the expression markers and returns the bare FEEL source.
func unwrap(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "=") {
		return strings.TrimSpace(strings.TrimPrefix(trimmed, "="))
	}
	if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
		return strings.TrimSpace(trimmed[2 : len(trimmed)-1])
	}
	return trimmed
}

func (e *FeelEvaluator) Evaluate(raw string, variables map[string]any) (any, error) {
	if !e.IsExpression(raw) {
		return raw, nil
	}
	src := unwrap(raw)
	res, err := feel.EvalStringWithScope(src, variables)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", src, err)
	}
	return res, nil
}

func (e *FeelEvaluator) EvaluateMap(input map[string]any, variables map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(input))
	for name, value := range input {
		str, ok := value.(string)
		if !ok || !e.IsExpression(str) {
			out[name] = value
			continue
		}
		resolved, err := e.Evaluate(str, variables)
		if err != nil {
			return nil, err
		}
		out[name] = resolved
	}
	return out, nil
}

func (e *FeelEvaluator) EvaluateCondition(raw string, variables map[string]any) (bool, error) {
	src := unwrap(raw)
	res, err := feel.EvalStringWithScope(src, variables)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", src, err)
	}
	b, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to non-boolean %T", src, res)
	}
	return b, nil
}
