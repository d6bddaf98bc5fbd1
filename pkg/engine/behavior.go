package engine

import (
	"context"
	"errors"
	"time"

	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/runtime"
	"github.com/leorces/leorces/pkg/storage"
)

// behavior executes the lifecycle of one activity type. Every type can be
// run; the optional capability interfaces below declare which external
// signals a type additionally reacts to.
type behavior interface {
	// run takes a freshly persisted SCHEDULED execution and drives it as
	// far as the type allows without external input. Wait-state types
	// stop at ACTIVE, pass-through types complete within the call.
	run(ctx context.Context, activity *runtime.ActivityExecution) error
}

// completable reacts to an external completion signal carrying result
// variables, such as a worker finishing an external task.
type completable interface {
	complete(ctx context.Context, activity *runtime.ActivityExecution, variables map[string]any) error
}

// failable reacts to an externally reported failure.
type failable interface {
	fail(ctx context.Context, activity *runtime.ActivityExecution, failure runtime.ActivityFailure) error
}

// cancellable is interrupted when its scope terminates or an interrupting
// boundary event fires on it.
type cancellable interface {
	cancel(ctx context.Context, activity *runtime.ActivityExecution) error
}

// triggerable is activated by a correlated signal rather than by
// sequential flow, such as an event subprocess start event.
type triggerable interface {
	trigger(ctx context.Context, process *runtime.Process, definitionId string, variables map[string]any) error
}

// retryable moves a FAILED execution back into play after an operator
// resolved the underlying incident.
type retryable interface {
	retry(ctx context.Context, activity *runtime.ActivityExecution, retries int32) error
}

// joining merges multiple inbound tokens into one waiting execution
// instead of creating an execution per token.
type joining interface {
	join(ctx context.Context, process *runtime.Process, definitionId string, flowId string) error
}

func (engine *Engine) registerBehaviors() {
	base := baseBehavior{engine: engine}
	engine.behaviors = map[model.ActivityType]behavior{
		model.ActivityTypeExternalTask:      &externalTaskBehavior{base},
		model.ActivityTypeReceiveTask:       &receiveTaskBehavior{base},
		model.ActivityTypeSendTask:          &sendTaskBehavior{base},
		model.ActivityTypeExclusiveGateway:  &exclusiveGatewayBehavior{base},
		model.ActivityTypeInclusiveGateway:  &inclusiveGatewayBehavior{base},
		model.ActivityTypeParallelGateway:   &parallelGatewayBehavior{base},
		model.ActivityTypeEventBasedGateway: &eventBasedGatewayBehavior{base},
		model.ActivityTypeStartEvent:        &startEventBehavior{base},
		model.ActivityTypeEndEvent:          &endEventBehavior{base},
		model.ActivityTypeIntermediateCatch: &intermediateCatchBehavior{base},
		model.ActivityTypeIntermediateThrow: &intermediateThrowBehavior{base},
		model.ActivityTypeBoundaryEvent:     &boundaryEventBehavior{base},
		model.ActivityTypeSubProcess:        &subProcessBehavior{base},
		model.ActivityTypeEventSubProcess:   &eventSubProcessBehavior{base},
		model.ActivityTypeCallActivity:      &callActivityBehavior{base},
	}
}

func (engine *Engine) behaviorFor(activityType model.ActivityType) (behavior, error) {
	b, ok := engine.behaviors[activityType]
	if !ok {
		return nil, newEngineErrorf("no behavior registered for activity type %s", activityType)
	}
	return b, nil
}

// baseBehavior carries the persistence and fan-out plumbing every
// concrete behavior shares.
type baseBehavior struct {
	engine *Engine
}

// newExecution persists a SCHEDULED execution of the given definition.
func (b *baseBehavior) newExecution(ctx context.Context, process *runtime.Process, definitionId string) (*runtime.ActivityExecution, error) {
	activity := &runtime.ActivityExecution{
		Key:          b.engine.generateKey(),
		ProcessKey:   process.Key,
		DefinitionId: definitionId,
		State:        runtime.ActivityStateScheduled,
		CreatedAt:    time.Now(),
		Process:      process,
	}
	if err := b.engine.persistence.SaveActivity(ctx, *activity); err != nil {
		return nil, errors.Join(newEngineErrorf("failed to persist execution of %s in process %d", definitionId, process.Key), err)
	}
	return activity, nil
}

func (b *baseBehavior) activate(ctx context.Context, activity *runtime.ActivityExecution) error {
	return b.engine.transition(ctx, activity, runtime.ActivityStateActive)
}

// completeAndContinue finishes the execution, resolves expression-valued
// results against the activity's scope, merges them into the surrounding
// scope and hands the token onward.
func (b *baseBehavior) completeAndContinue(ctx context.Context, activity *runtime.ActivityExecution, variables map[string]any) error {
	if err := b.engine.transition(ctx, activity, runtime.ActivityStateCompleted); err != nil {
		return err
	}
	if err := b.cancelBoundaries(ctx, activity); err != nil {
		return err
	}
	if len(variables) > 0 {
		evaluated, err := b.engine.evaluateVariables(ctx, activity, variables)
		if err != nil {
			return err
		}
		variables = evaluated
		scope := activity.Scope()[1:] // results belong to the enclosing scope
		if err := b.engine.writeVariables(ctx, activity.Process, scope, variables); err != nil {
			return err
		}
	}
	if err := b.continueFlow(ctx, activity); err != nil {
		return err
	}
	if len(variables) == 0 {
		return nil
	}
	// re-correlate only after the token has landed, so a conditional
	// trigger completing its scope cannot observe the token mid-flight
	return b.engine.correlateConditionals(ctx, activity.Process)
}

// continueFlow takes every outgoing sequence flow; with nowhere left to
// go, the enclosing scope is checked for completion instead.
func (b *baseBehavior) continueFlow(ctx context.Context, activity *runtime.ActivityExecution) error {
	def := activity.Definition()
	if def == nil {
		return newEngineErrorf("activity %d references unknown definition %s", activity.Key, activity.DefinitionId)
	}
	flows := activity.Process.Definition.OutgoingFlows(def)
	if len(flows) == 0 {
		return b.completeScope(ctx, activity, def.GetParentId())
	}
	return b.takeFlows(ctx, activity, flows)
}

func (b *baseBehavior) takeFlows(ctx context.Context, activity *runtime.ActivityExecution, flows []model.Flow) error {
	for _, flow := range flows {
		err := b.engine.dispatcher.Dispatch(ctx, runActivityCommand{
			processKey:   activity.ProcessKey,
			definitionId: flow.TargetRef,
			originFlowId: flow.Id,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// completeScope completes the enclosing subprocess once all of its
// children are done, or the whole process when the scope is the root.
// Executions under an event subprocess never complete the host scope
// through sequential flow; their own scope ends with the event subprocess
// itself.
func (b *baseBehavior) completeScope(ctx context.Context, activity *runtime.ActivityExecution, parentId string) error {
	process := activity.Process
	definition := process.Definition
	children := definition.ChildrenOf(parentId)
	ids := make([]string, 0, len(children))
	for _, child := range children {
		ids = append(ids, child.GetId())
	}
	done, err := b.engine.persistence.IsAllCompleted(ctx, process.Key, ids)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to check scope %s completion in process %d", parentId, process.Key), err)
	}
	if !done {
		return nil
	}
	if parentId == "" {
		return b.engine.completeProcess(ctx, process)
	}
	parent, err := b.engine.persistence.FindActivityByDefinitionId(ctx, process.Key, parentId)
	if err != nil {
		return errors.Join(newEngineErrorf("no execution of scope %s in process %d", parentId, process.Key), err)
	}
	parent.Process = process
	if parent.State.IsTerminal() {
		return nil
	}
	behavior, err := b.engine.behaviorFor(parent.Type())
	if err != nil {
		return err
	}
	c, ok := behavior.(completable)
	if !ok {
		return newEngineErrorf("scope %s of type %s cannot be completed", parentId, parent.Type())
	}
	return c.complete(ctx, &parent, nil)
}

// scheduleTimerBoundaries arms the timer boundary events attached to the
// host as waiting executions so the due-timer sweep can fire them. Other
// boundary triggers are resolved at correlation time and need no standing
// execution.
func (b *baseBehavior) scheduleTimerBoundaries(ctx context.Context, host *runtime.ActivityExecution) error {
	for _, boundary := range host.Process.Definition.BoundaryEvents(host.DefinitionId) {
		if boundary.Timer == nil {
			continue
		}
		activity, err := b.newExecution(ctx, host.Process, boundary.Id)
		if err != nil {
			return err
		}
		dueAt, err := boundary.Timer.DueAt(activity.CreatedAt)
		if err != nil {
			return err
		}
		activity.TimeoutAt = &dueAt
		if err := b.activate(ctx, activity); err != nil {
			return err
		}
	}
	return nil
}

// cancelBoundaries withdraws the boundary executions still observing a
// host that just ended.
func (b *baseBehavior) cancelBoundaries(ctx context.Context, host *runtime.ActivityExecution) error {
	boundaries := host.Process.Definition.BoundaryEvents(host.DefinitionId)
	if len(boundaries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(boundaries))
	for _, boundary := range boundaries {
		ids = append(ids, boundary.Id)
	}
	watching, err := b.engine.persistence.FindActiveActivities(ctx, host.ProcessKey, ids)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load boundary executions of %s", host.DefinitionId), err)
	}
	for i := range watching {
		watching[i].Process = host.Process
		if err := swallowStaleTransition(ctx, b.engine.transition(ctx, &watching[i], runtime.ActivityStateTerminated)); err != nil {
			return err
		}
	}
	return nil
}

// cancelChildren terminates every non-terminal execution nested under the
// given scope, cascading through child scopes and child processes.
func (b *baseBehavior) cancelChildren(ctx context.Context, process *runtime.Process, scopeId string) error {
	return b.cancelChildrenExcept(ctx, process, scopeId, "")
}

func (b *baseBehavior) cancelChildrenExcept(ctx context.Context, process *runtime.Process, scopeId string, exceptId string) error {
	children := process.Definition.ChildrenOf(scopeId)
	for _, child := range children {
		if child.GetId() == exceptId {
			continue
		}
		active, err := b.engine.persistence.FindActiveActivities(ctx, process.Key, []string{child.GetId()})
		if err != nil {
			return errors.Join(newEngineErrorf("failed to load executions of %s in process %d", child.GetId(), process.Key), err)
		}
		for i := range active {
			active[i].Process = process
			behavior, err := b.engine.behaviorFor(active[i].Type())
			if err != nil {
				return err
			}
			if c, ok := behavior.(cancellable); ok {
				if err := c.cancel(ctx, &active[i]); err != nil {
					return err
				}
				continue
			}
			if err := swallowStaleTransition(ctx, b.engine.transition(ctx, &active[i], runtime.ActivityStateTerminated)); err != nil {
				return err
			}
		}
	}
	return nil
}

// latestExecution returns the most recent execution of the definition, or
// nil when none exists yet.
func (b *baseBehavior) latestExecution(ctx context.Context, process *runtime.Process, definitionId string) (*runtime.ActivityExecution, error) {
	activity, err := b.engine.persistence.FindActivityByDefinitionId(ctx, process.Key, definitionId)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load execution of %s in process %d", definitionId, process.Key), err)
	}
	activity.Process = process
	return &activity, nil
}
