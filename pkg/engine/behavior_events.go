package engine

import (
	"context"

	"github.com/leorces/leorces/internal/log"
	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/runtime"
)

// startEventBehavior passes the token straight through. Triggered start
// events (message, timer, error and so on) are never run by sequential
// flow; correlation activates them through their event subprocess.
type startEventBehavior struct {
	baseBehavior
}

func (b *startEventBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	if err := b.activate(ctx, activity); err != nil {
		return err
	}
	return b.completeAndContinue(ctx, activity, nil)
}

func (b *startEventBehavior) cancel(ctx context.Context, activity *runtime.ActivityExecution) error {
	return swallowStaleTransition(ctx, b.engine.transition(ctx, activity, runtime.ActivityStateTerminated))
}

// endEventBehavior finishes its scope and, for typed end events, throws
// the declared signal before the token dies.
type endEventBehavior struct {
	baseBehavior
}

func (b *endEventBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	def, ok := activity.Definition().(model.EndEvent)
	if !ok {
		return newEngineErrorf("activity %s is not an end event", activity.DefinitionId)
	}
	if err := b.activate(ctx, activity); err != nil {
		return err
	}
	switch {
	case def.Terminate:
		return b.terminateScope(ctx, activity, def)
	case def.ErrorCode != "":
		if err := b.engine.transition(ctx, activity, runtime.ActivityStateCompleted); err != nil {
			return err
		}
		return b.engine.propagateError(ctx, activity, def.ErrorCode)
	case def.EscalationCode != "":
		if err := b.engine.transition(ctx, activity, runtime.ActivityStateCompleted); err != nil {
			return err
		}
		if err := b.engine.propagateEscalation(ctx, activity, def.EscalationCode); err != nil {
			return err
		}
		return b.continueFlow(ctx, activity)
	default:
		return b.completeAndContinue(ctx, activity, nil)
	}
}

// terminateScope kills every live execution in the enclosing scope. At
// the process root the whole instance is terminated; inside a subprocess
// the scope completes and the token moves on as usual.
func (b *endEventBehavior) terminateScope(ctx context.Context, activity *runtime.ActivityExecution, def model.EndEvent) error {
	if err := b.engine.transition(ctx, activity, runtime.ActivityStateCompleted); err != nil {
		return err
	}
	if err := b.cancelChildren(ctx, activity.Process, def.GetParentId()); err != nil {
		return err
	}
	if def.GetParentId() == "" {
		return b.engine.endProcess(ctx, activity.Process, runtime.ProcessStateTerminated)
	}
	return b.completeScope(ctx, activity, def.GetParentId())
}

// intermediateCatchBehavior holds the token until its trigger fires.
type intermediateCatchBehavior struct {
	baseBehavior
}

func (b *intermediateCatchBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	def, ok := activity.Definition().(model.IntermediateCatchEvent)
	if !ok {
		return newEngineErrorf("activity %s is not an intermediate catch event", activity.DefinitionId)
	}
	if def.Timer != nil {
		dueAt, err := def.Timer.DueAt(activity.CreatedAt)
		if err != nil {
			return err
		}
		activity.TimeoutAt = &dueAt
	}
	if err := b.activate(ctx, activity); err != nil {
		return err
	}
	if def.Condition == "" {
		return nil
	}
	// a condition that already holds fires immediately
	variables, err := b.engine.GetScopedVariables(ctx, activity)
	if err != nil {
		return err
	}
	holds, err := b.engine.evaluator.EvaluateCondition(def.Condition, variables)
	if err != nil {
		return err
	}
	if holds {
		return b.complete(ctx, activity, nil)
	}
	return nil
}

func (b *intermediateCatchBehavior) complete(ctx context.Context, activity *runtime.ActivityExecution, variables map[string]any) error {
	if err := b.engine.transition(ctx, activity, runtime.ActivityStateCompleted); err != nil {
		return err
	}
	if err := b.withdrawRace(ctx, activity); err != nil {
		return err
	}
	if len(variables) > 0 {
		if err := b.engine.writeVariables(ctx, activity.Process, activity.Scope()[1:], variables); err != nil {
			return err
		}
	}
	if err := b.continueFlow(ctx, activity); err != nil {
		return err
	}
	if len(variables) == 0 {
		return nil
	}
	return b.engine.correlateConditionals(ctx, activity.Process)
}

func (b *intermediateCatchBehavior) cancel(ctx context.Context, activity *runtime.ActivityExecution) error {
	return swallowStaleTransition(ctx, b.engine.transition(ctx, activity, runtime.ActivityStateTerminated))
}

// withdrawRace settles an event-based gateway race: when the completed
// event sits downstream of such a gateway, the gateway and every losing
// sibling event are terminated.
func (b *baseBehavior) withdrawRace(ctx context.Context, winner *runtime.ActivityExecution) error {
	definition := winner.Process.Definition
	def := winner.Definition()
	for _, flowId := range def.GetIncoming() {
		flow := definition.FlowById(flowId)
		if flow == nil {
			continue
		}
		source := definition.ActivityById(flow.SourceRef)
		if source == nil || source.GetType() != model.ActivityTypeEventBasedGateway {
			continue
		}
		gateway, err := b.latestExecution(ctx, winner.Process, source.GetId())
		if err != nil {
			return err
		}
		if gateway != nil {
			if err := swallowStaleTransition(ctx, b.engine.transition(ctx, gateway, runtime.ActivityStateTerminated)); err != nil {
				return err
			}
		}
		for _, raceFlow := range definition.OutgoingFlows(source) {
			if raceFlow.TargetRef == def.GetId() {
				continue
			}
			loser, err := b.latestExecution(ctx, winner.Process, raceFlow.TargetRef)
			if err != nil {
				return err
			}
			if loser == nil || loser.State.IsTerminal() {
				continue
			}
			if err := swallowStaleTransition(ctx, b.engine.transition(ctx, loser, runtime.ActivityStateTerminated)); err != nil {
				return err
			}
		}
	}
	return nil
}

// intermediateThrowBehavior emits its signal and continues immediately.
type intermediateThrowBehavior struct {
	baseBehavior
}

func (b *intermediateThrowBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	def, ok := activity.Definition().(model.IntermediateThrowEvent)
	if !ok {
		return newEngineErrorf("activity %s is not an intermediate throw event", activity.DefinitionId)
	}
	if err := b.activate(ctx, activity); err != nil {
		return err
	}
	if err := b.engine.transition(ctx, activity, runtime.ActivityStateCompleted); err != nil {
		return err
	}
	if def.Message != "" {
		// outbound messaging is the job of send tasks and their workers
		log.Infof(ctx, "throw event %s emitted message %q in process %d", def.Id, def.Message, activity.ProcessKey)
	}
	if err := b.continueFlow(ctx, activity); err != nil {
		return err
	}
	if def.EscalationCode != "" {
		// propagate only after the token has landed, so a handler scope
		// completing synchronously cannot complete this scope under it
		return b.engine.propagateEscalation(ctx, activity, def.EscalationCode)
	}
	return nil
}

// boundaryEventBehavior observes a host activity. It is never started by
// sequential flow; timer boundaries are armed when the host runs, the
// other triggers are resolved at correlation time.
type boundaryEventBehavior struct {
	baseBehavior
}

func (b *boundaryEventBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	return newEngineErrorf("boundary event %s cannot be started by sequential flow", activity.DefinitionId)
}

func (b *boundaryEventBehavior) complete(ctx context.Context, activity *runtime.ActivityExecution, variables map[string]any) error {
	def, ok := activity.Definition().(model.BoundaryEvent)
	if !ok {
		return newEngineErrorf("activity %s is not a boundary event", activity.DefinitionId)
	}
	if err := b.engine.transition(ctx, activity, runtime.ActivityStateCompleted); err != nil {
		return err
	}
	if def.CancelActivity {
		if err := b.cancelHost(ctx, activity.Process, def.AttachedToRef); err != nil {
			return err
		}
	}
	if len(variables) > 0 {
		if err := b.engine.writeVariables(ctx, activity.Process, activity.Scope()[1:], variables); err != nil {
			return err
		}
	}
	if err := b.continueFlow(ctx, activity); err != nil {
		return err
	}
	if len(variables) == 0 {
		return nil
	}
	return b.engine.correlateConditionals(ctx, activity.Process)
}

func (b *boundaryEventBehavior) cancel(ctx context.Context, activity *runtime.ActivityExecution) error {
	return swallowStaleTransition(ctx, b.engine.transition(ctx, activity, runtime.ActivityStateTerminated))
}

func (b *boundaryEventBehavior) cancelHost(ctx context.Context, process *runtime.Process, attachedToRef string) error {
	host, err := b.latestExecution(ctx, process, attachedToRef)
	if err != nil {
		return err
	}
	if host == nil || host.State.IsTerminal() {
		return nil
	}
	behavior, err := b.engine.behaviorFor(host.Type())
	if err != nil {
		return err
	}
	if c, ok := behavior.(cancellable); ok {
		return c.cancel(ctx, host)
	}
	return swallowStaleTransition(ctx, b.engine.transition(ctx, host, runtime.ActivityStateTerminated))
}
