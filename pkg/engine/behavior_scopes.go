package engine

import (
	"context"

	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/runtime"
)

// subProcessBehavior opens an embedded scope and runs its start event.
// The scope completes when completeScope observes that no child is left
// in a non-terminal state.
type subProcessBehavior struct {
	baseBehavior
}

func (b *subProcessBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	if err := b.activate(ctx, activity); err != nil {
		return err
	}
	if err := b.scheduleTimerBoundaries(ctx, activity); err != nil {
		return err
	}
	start, err := scopeStartEvent(activity.Process.Definition, activity.DefinitionId)
	if err != nil {
		return err
	}
	return b.engine.dispatcher.Dispatch(ctx, runActivityCommand{
		processKey:   activity.ProcessKey,
		definitionId: start.Id,
	})
}

func (b *subProcessBehavior) complete(ctx context.Context, activity *runtime.ActivityExecution, variables map[string]any) error {
	return b.completeAndContinue(ctx, activity, variables)
}

func (b *subProcessBehavior) cancel(ctx context.Context, activity *runtime.ActivityExecution) error {
	if err := b.cancelChildren(ctx, activity.Process, activity.DefinitionId); err != nil {
		return err
	}
	if err := swallowStaleTransition(ctx, b.engine.transition(ctx, activity, runtime.ActivityStateTerminated)); err != nil {
		return err
	}
	return b.cancelBoundaries(ctx, activity)
}

// scopeStartEvent returns the untriggered start event of the scope.
func scopeStartEvent(definition *model.ProcessDefinition, scopeId string) (model.StartEvent, error) {
	for _, child := range definition.ChildrenOf(scopeId) {
		if start, ok := child.(model.StartEvent); ok && start.IsNone() {
			return start, nil
		}
	}
	return model.StartEvent{}, newEngineErrorf("scope %s has no none start event", scopeId)
}

// eventSubProcessBehavior opens a scope only when one of its triggering
// start events is correlated. An error trigger interrupts the host scope;
// the other triggers run alongside it.
type eventSubProcessBehavior struct {
	baseBehavior
}

func (b *eventSubProcessBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	return newEngineErrorf("event subprocess %s cannot be started by sequential flow", activity.DefinitionId)
}

func (b *eventSubProcessBehavior) trigger(ctx context.Context, process *runtime.Process, startEventId string, variables map[string]any) error {
	start, ok := process.Definition.ActivityById(startEventId).(model.StartEvent)
	if !ok {
		return newEngineErrorf("activity %s is not a start event", startEventId)
	}
	scopeId := start.GetParentId()
	scope, err := b.newExecution(ctx, process, scopeId)
	if err != nil {
		return err
	}
	if err := b.activate(ctx, scope); err != nil {
		return err
	}
	if len(variables) > 0 {
		if err := b.engine.setVariablesLocal(ctx, process, scope.Key, scopeId, variables); err != nil {
			return err
		}
	}
	if start.ErrorCode != "" {
		esp := process.Definition.ActivityById(scopeId)
		if err := b.cancelChildrenExcept(ctx, process, esp.GetParentId(), scopeId); err != nil {
			return err
		}
	}
	return b.engine.dispatcher.Dispatch(ctx, runActivityCommand{
		processKey:   process.Key,
		definitionId: startEventId,
	})
}

func (b *eventSubProcessBehavior) complete(ctx context.Context, activity *runtime.ActivityExecution, variables map[string]any) error {
	return b.completeAndContinue(ctx, activity, variables)
}

func (b *eventSubProcessBehavior) cancel(ctx context.Context, activity *runtime.ActivityExecution) error {
	if err := b.cancelChildren(ctx, activity.Process, activity.DefinitionId); err != nil {
		return err
	}
	return swallowStaleTransition(ctx, b.engine.transition(ctx, activity, runtime.ActivityStateTerminated))
}
