package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/runtime"
)

// callActivityBehavior spawns separate process instances of the called
// definition and completes once every spawned child reached a terminal
// state. Variables cross the process boundary only through the declared
// input and output mappings.
type callActivityBehavior struct {
	baseBehavior
}

func (b *callActivityBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	def, ok := activity.Definition().(model.CallActivity)
	if !ok {
		return newEngineErrorf("activity %s is not a call activity", activity.DefinitionId)
	}
	if err := b.activate(ctx, activity); err != nil {
		return err
	}
	if err := b.scheduleTimerBoundaries(ctx, activity); err != nil {
		return err
	}
	scopeVars, err := b.engine.GetScopedVariables(ctx, activity)
	if err != nil {
		return err
	}
	inputs, err := b.mapVariables(def.Inputs, scopeVars)
	if err != nil {
		return err
	}
	definitionId, err := b.resolveCalled(ctx, def)
	if err != nil {
		return err
	}
	if def.MultiInstance == nil {
		return b.spawn(ctx, activity, def, definitionId, inputs)
	}
	collection, err := b.engine.evaluator.Evaluate(def.MultiInstance.Collection, scopeVars)
	if err != nil {
		return err
	}
	items, ok := collection.([]any)
	if !ok {
		return newEngineErrorf("call activity %s: collection %q evaluated to %T, want a list",
			def.Id, def.MultiInstance.Collection, collection)
	}
	if len(items) == 0 {
		return b.completeAndContinue(ctx, activity, nil)
	}
	for _, item := range items {
		variables := maps.Clone(inputs)
		if variables == nil {
			variables = make(map[string]any, 1)
		}
		if def.MultiInstance.ElementVariable != "" {
			variables[def.MultiInstance.ElementVariable] = item
		}
		if err := b.spawn(ctx, activity, def, definitionId, variables); err != nil {
			return err
		}
	}
	return nil
}

// resolveCalled pins the definition version when the model asks for one.
// An empty result means the latest version is bound at start time.
func (b *callActivityBehavior) resolveCalled(ctx context.Context, def model.CallActivity) (string, error) {
	if def.Version == 0 {
		return "", nil
	}
	versions, err := b.engine.persistence.FindProcessDefinitionsByKey(ctx, def.CalledElement)
	if err != nil {
		return "", errors.Join(newEngineErrorf("failed to resolve called element %s", def.CalledElement), err)
	}
	for _, candidate := range versions {
		if candidate.Version == def.Version {
			return candidate.Id, nil
		}
	}
	return "", newEngineErrorf("called element %s has no version %d", def.CalledElement, def.Version)
}

func (b *callActivityBehavior) spawn(ctx context.Context, activity *runtime.ActivityExecution, def model.CallActivity, definitionId string, variables map[string]any) error {
	rootKey := activity.Process.RootKey
	if rootKey == 0 {
		rootKey = activity.Process.Key
	}
	cmd := startProcessCommand{
		definitionId:      definitionId,
		businessKey:       activity.Process.BusinessKey,
		variables:         variables,
		parentProcessKey:  activity.Process.Key,
		rootProcessKey:    rootKey,
		parentActivityKey: activity.Key,
	}
	if definitionId == "" {
		cmd.definitionKey = def.CalledElement
	}
	return b.engine.dispatcher.Dispatch(ctx, cmd)
}

// childEnded reacts to a spawned process reaching a terminal state. A
// terminated child cascades up and terminates the calling process; once
// the last child completed, the output mappings are applied and the
// token moves on.
func (b *callActivityBehavior) childEnded(ctx context.Context, activity *runtime.ActivityExecution, child *runtime.Process) error {
	if activity.State.IsTerminal() {
		return nil
	}
	if child.State == runtime.ProcessStateTerminated {
		return b.engine.dispatcher.Dispatch(ctx, terminateProcessCommand{processKey: activity.Process.Key})
	}
	children, err := b.engine.persistence.FindChildProcesses(ctx, activity.Key)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load child processes of activity %d", activity.Key), err)
	}
	for i := range children {
		if !children[i].State.IsTerminal() {
			return nil
		}
	}
	def, ok := activity.Definition().(model.CallActivity)
	if !ok {
		return newEngineErrorf("activity %s is not a call activity", activity.DefinitionId)
	}
	outputs := make(map[string]any)
	for i := range children {
		if children[i].State != runtime.ProcessStateCompleted {
			continue
		}
		definition, err := b.engine.definitionById(ctx, children[i].DefinitionId)
		if err != nil {
			return err
		}
		children[i].Definition = &definition
		childVars, err := b.engine.ProcessVariables(ctx, &children[i])
		if err != nil {
			return err
		}
		mapped, err := b.mapVariables(def.Outputs, childVars)
		if err != nil {
			return err
		}
		maps.Copy(outputs, mapped)
	}
	return swallowStaleTransition(ctx, b.completeAndContinue(ctx, activity, outputs))
}

func (b *callActivityBehavior) cancel(ctx context.Context, activity *runtime.ActivityExecution) error {
	children, err := b.engine.persistence.FindChildProcesses(ctx, activity.Key)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load child processes of activity %d", activity.Key), err)
	}
	if err := swallowStaleTransition(ctx, b.engine.transition(ctx, activity, runtime.ActivityStateTerminated)); err != nil {
		return err
	}
	for i := range children {
		if children[i].State.IsTerminal() {
			continue
		}
		if err := b.engine.dispatcher.Dispatch(ctx, terminateProcessCommand{processKey: children[i].Key}); err != nil {
			return err
		}
	}
	return b.cancelBoundaries(ctx, activity)
}

// mapVariables applies io mappings against a source variable context.
func (b *callActivityBehavior) mapVariables(mappings []model.IoMapping, source map[string]any) (map[string]any, error) {
	if len(mappings) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(mappings))
	for _, mapping := range mappings {
		switch {
		case mapping.All:
			maps.Copy(out, source)
		case mapping.Source != "":
			out[mapping.Target] = source[mapping.Source]
		case mapping.SourceExpression != "":
			value, err := b.engine.evaluator.Evaluate(mapping.SourceExpression, source)
			if err != nil {
				return nil, fmt.Errorf("failed to map variable %s: %w", mapping.Target, err)
			}
			out[mapping.Target] = value
		}
	}
	return out, nil
}
