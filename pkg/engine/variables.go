package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/leorces/leorces/pkg/runtime"
)

// GetScopedVariables fetches the variables visible to an activity and
// folds them into a flat map. A key defined at an inner scope shadows the
// same key at an outer scope.
func (engine *Engine) GetScopedVariables(ctx context.Context, activity *runtime.ActivityExecution) (map[string]any, error) {
	return engine.scopedVariables(ctx, activity.ProcessKey, activity.Scope())
}

// ProcessVariables returns the variables visible at the process root.
func (engine *Engine) ProcessVariables(ctx context.Context, process *runtime.Process) (map[string]any, error) {
	return engine.scopedVariables(ctx, process.Key, []string{process.DefinitionId})
}

func (engine *Engine) scopedVariables(ctx context.Context, processKey int64, scope []string) (map[string]any, error) {
	records, err := engine.persistence.FindVariablesByScope(ctx, processKey, scope)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load variables for process %d", processKey), err)
	}
	// scope position of every record; fold from innermost to outermost,
	// first writer wins
	position := make(map[string]int, len(scope))
	for i, s := range scope {
		position[s] = i
	}
	winners := make(map[string]runtime.Variable, len(records))
	for _, record := range records {
		current, exists := winners[record.Name]
		if exists && position[current.ExecutionDefinitionId] <= position[record.ExecutionDefinitionId] {
			continue
		}
		winners[record.Name] = record
	}
	result := make(map[string]any, len(winners))
	for name, record := range winners {
		value, err := record.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to decode variable %s of process %d: %w", name, processKey, err)
		}
		result[name] = value
	}
	return result, nil
}

// setVariables merges key/value pairs into the scope chain: existing keys
// are updated in place at the scope level that defines them, new keys are
// created at the process root. Newly visible variables can satisfy a
// waiting conditional catch event, so correlation re-runs afterwards.
func (engine *Engine) setVariables(ctx context.Context, process *runtime.Process, scope []string, variables map[string]any) error {
	if err := engine.writeVariables(ctx, process, scope, variables); err != nil {
		return err
	}
	return engine.correlateConditionals(ctx, process)
}

// writeVariables is setVariables without the conditional re-correlation,
// for callers that still have a token in flight and re-correlate once it
// has landed.
func (engine *Engine) writeVariables(ctx context.Context, process *runtime.Process, scope []string, variables map[string]any) error {
	if len(variables) == 0 {
		return nil
	}
	records, err := engine.persistence.FindVariablesByScope(ctx, process.Key, scope)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load variables for process %d", process.Key), err)
	}
	byName := make(map[string]runtime.Variable, len(records))
	for _, record := range records {
		existing, ok := byName[record.Name]
		if ok && scopeIndex(scope, existing.ExecutionDefinitionId) <= scopeIndex(scope, record.ExecutionDefinitionId) {
			continue
		}
		byName[record.Name] = record
	}
	for name, value := range variables {
		record, exists := byName[name]
		if !exists {
			record = runtime.Variable{
				Key:                   engine.generateKey(),
				ProcessKey:            process.Key,
				ExecutionKey:          process.Key,
				ExecutionDefinitionId: process.DefinitionId,
				Name:                  name,
			}
		}
		if err := engine.saveVariable(ctx, record, value); err != nil {
			return err
		}
	}
	return nil
}

// setVariablesLocal writes key/value pairs at exactly the target's own
// scope level, shadowing outer definitions rather than updating them.
func (engine *Engine) setVariablesLocal(ctx context.Context, process *runtime.Process, executionKey int64, definitionId string, variables map[string]any) error {
	if err := engine.writeVariablesLocal(ctx, process, executionKey, definitionId, variables); err != nil {
		return err
	}
	return engine.correlateConditionals(ctx, process)
}

func (engine *Engine) writeVariablesLocal(ctx context.Context, process *runtime.Process, executionKey int64, definitionId string, variables map[string]any) error {
	if len(variables) == 0 {
		return nil
	}
	records, err := engine.persistence.FindVariablesByExecution(ctx, process.Key, executionKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load variables for execution %d", executionKey), err)
	}
	byName := make(map[string]runtime.Variable, len(records))
	for _, record := range records {
		byName[record.Name] = record
	}
	for name, value := range variables {
		record, exists := byName[name]
		if !exists {
			record = runtime.Variable{
				Key:                   engine.generateKey(),
				ProcessKey:            process.Key,
				ExecutionKey:          executionKey,
				ExecutionDefinitionId: definitionId,
				Name:                  name,
			}
		}
		if err := engine.saveVariable(ctx, record, value); err != nil {
			return err
		}
	}
	return nil
}

func (engine *Engine) saveVariable(ctx context.Context, record runtime.Variable, value any) error {
	encoded, varType, err := runtime.EncodeValue(value)
	if err != nil {
		return fmt.Errorf("failed to encode variable %s: %w", record.Name, err)
	}
	record.Value = encoded
	record.Type = varType
	if err := engine.persistence.SaveVariable(ctx, record); err != nil {
		return errors.Join(newEngineErrorf("failed to persist variable %s of process %d", record.Name, record.ProcessKey), err)
	}
	return nil
}

// evaluateVariables resolves expression-valued entries of the raw input
// against the activity's currently visible scoped variables. Values that
// are not expressions pass through as literals.
func (engine *Engine) evaluateVariables(ctx context.Context, activity *runtime.ActivityExecution, raw map[string]any) (map[string]any, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	hasExpression := false
	for _, value := range raw {
		if str, ok := value.(string); ok && engine.evaluator.IsExpression(str) {
			hasExpression = true
			break
		}
	}
	if !hasExpression {
		return raw, nil
	}
	scopeVars, err := engine.GetScopedVariables(ctx, activity)
	if err != nil {
		return nil, err
	}
	return engine.evaluator.EvaluateMap(raw, scopeVars)
}

func scopeIndex(scope []string, definitionId string) int {
	for i, s := range scope {
		if s == definitionId {
			return i
		}
	}
	return len(scope)
}
