package engine

import (
	"context"
	"slices"

	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/runtime"
)

// exclusiveGatewayBehavior routes the token along the first outgoing flow
// whose condition holds, falling back to the default flow.
type exclusiveGatewayBehavior struct {
	baseBehavior
}

func (b *exclusiveGatewayBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	if err := b.activate(ctx, activity); err != nil {
		return err
	}
	return b.decide(ctx, activity)
}

// retry re-decides after an incident, typically once an operator fixed
// the variables the conditions read.
func (b *exclusiveGatewayBehavior) retry(ctx context.Context, activity *runtime.ActivityExecution, _ int32) error {
	if err := b.engine.transition(ctx, activity, runtime.ActivityStateActive); err != nil {
		return err
	}
	return b.decide(ctx, activity)
}

func (b *exclusiveGatewayBehavior) decide(ctx context.Context, activity *runtime.ActivityExecution) error {
	def, ok := activity.Definition().(model.ExclusiveGateway)
	if !ok {
		return newEngineErrorf("activity %s is not an exclusive gateway", activity.DefinitionId)
	}
	variables, err := b.engine.GetScopedVariables(ctx, activity)
	if err != nil {
		return err
	}
	flows := activity.Process.Definition.OutgoingFlows(def)
	var chosen *model.Flow
	var fallback *model.Flow
	for i := range flows {
		flow := flows[i]
		if flow.Id == def.Default {
			fallback = &flows[i]
			continue
		}
		if flow.Condition == "" {
			continue
		}
		holds, err := b.engine.evaluator.EvaluateCondition(flow.Condition, variables)
		if err != nil {
			return err
		}
		if holds {
			chosen = &flows[i]
			break
		}
	}
	if chosen == nil {
		chosen = fallback
	}
	if chosen == nil {
		return b.deadEnd(ctx, activity, &GatewayError{DefinitionId: def.Id, Msg: "no outgoing condition holds and no default flow is set"})
	}
	if err := b.engine.transition(ctx, activity, runtime.ActivityStateCompleted); err != nil {
		return err
	}
	return b.takeFlows(ctx, activity, []model.Flow{*chosen})
}

// inclusiveGatewayBehavior activates every outgoing flow whose condition
// holds, or the default flow when none does.
type inclusiveGatewayBehavior struct {
	baseBehavior
}

func (b *inclusiveGatewayBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	if err := b.activate(ctx, activity); err != nil {
		return err
	}
	return b.decide(ctx, activity)
}

func (b *inclusiveGatewayBehavior) retry(ctx context.Context, activity *runtime.ActivityExecution, _ int32) error {
	if err := b.engine.transition(ctx, activity, runtime.ActivityStateActive); err != nil {
		return err
	}
	return b.decide(ctx, activity)
}

func (b *inclusiveGatewayBehavior) decide(ctx context.Context, activity *runtime.ActivityExecution) error {
	def, ok := activity.Definition().(model.InclusiveGateway)
	if !ok {
		return newEngineErrorf("activity %s is not an inclusive gateway", activity.DefinitionId)
	}
	variables, err := b.engine.GetScopedVariables(ctx, activity)
	if err != nil {
		return err
	}
	flows := activity.Process.Definition.OutgoingFlows(def)
	var taken []model.Flow
	var fallback *model.Flow
	for i := range flows {
		flow := flows[i]
		if flow.Id == def.Default {
			fallback = &flows[i]
			continue
		}
		if flow.Condition == "" {
			taken = append(taken, flow)
			continue
		}
		holds, err := b.engine.evaluator.EvaluateCondition(flow.Condition, variables)
		if err != nil {
			return err
		}
		if holds {
			taken = append(taken, flow)
		}
	}
	if len(taken) == 0 && fallback != nil {
		taken = append(taken, *fallback)
	}
	if len(taken) == 0 {
		return b.deadEnd(ctx, activity, &GatewayError{DefinitionId: def.Id, Msg: "no outgoing condition holds and no default flow is set"})
	}
	if err := b.engine.transition(ctx, activity, runtime.ActivityStateCompleted); err != nil {
		return err
	}
	return b.takeFlows(ctx, activity, taken)
}

// parallelGatewayBehavior fans out unconditionally and, when used as a
// join, holds one waiting execution until every incoming flow delivered
// its token.
type parallelGatewayBehavior struct {
	baseBehavior
}

func (b *parallelGatewayBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	if err := b.activate(ctx, activity); err != nil {
		return err
	}
	return b.completeAndContinue(ctx, activity, nil)
}

func (b *parallelGatewayBehavior) join(ctx context.Context, process *runtime.Process, definitionId string, flowId string) error {
	def := process.Definition.ActivityById(definitionId)
	if def == nil {
		return newEngineErrorf("unknown activity definition %s", definitionId)
	}
	activity, err := b.latestExecution(ctx, process, definitionId)
	if err != nil {
		return err
	}
	if activity == nil || activity.State.IsTerminal() {
		activity, err = b.newExecution(ctx, process, definitionId)
		if err != nil {
			return err
		}
		if err := b.activate(ctx, activity); err != nil {
			return err
		}
	}
	if !slices.Contains(activity.JoinedFlows, flowId) {
		activity.JoinedFlows = append(activity.JoinedFlows, flowId)
		if err := b.engine.persistence.SaveActivity(ctx, *activity); err != nil {
			return newEngineErrorf("failed to persist join state of %s in process %d", definitionId, process.Key)
		}
	}
	if len(activity.JoinedFlows) < len(def.GetIncoming()) {
		return nil
	}
	return b.completeAndContinue(ctx, activity, nil)
}

// eventBasedGatewayBehavior races its downstream catch events. The
// gateway stays ACTIVE while the race is open; the winning event
// withdraws it together with the losing events.
type eventBasedGatewayBehavior struct {
	baseBehavior
}

func (b *eventBasedGatewayBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	def := activity.Definition()
	flows := activity.Process.Definition.OutgoingFlows(def)
	if len(flows) == 0 {
		return b.deadEnd(ctx, activity, &GatewayError{DefinitionId: def.GetId(), Msg: "event-based gateway has no outgoing events"})
	}
	if err := b.activate(ctx, activity); err != nil {
		return err
	}
	return b.takeFlows(ctx, activity, flows)
}

func (b *eventBasedGatewayBehavior) cancel(ctx context.Context, activity *runtime.ActivityExecution) error {
	return swallowStaleTransition(ctx, b.engine.transition(ctx, activity, runtime.ActivityStateTerminated))
}

// deadEnd fails a gateway whose outgoing edges offer no path. The defect
// is in the model, so the process is flagged through an incident rather
// than the error bubbling to whoever delivered the token.
func (b *baseBehavior) deadEnd(ctx context.Context, activity *runtime.ActivityExecution, gatewayErr *GatewayError) error {
	activity.Failure = &runtime.ActivityFailure{Reason: gatewayErr.Error()}
	if err := b.engine.transition(ctx, activity, runtime.ActivityStateFailed); err != nil {
		return err
	}
	return b.engine.dispatcher.Dispatch(ctx, raiseIncidentCommand{
		activity: *activity,
		reason:   gatewayErr.Error(),
	})
}
