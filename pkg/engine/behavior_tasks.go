package engine

import (
	"context"
	"errors"
	"time"

	"github.com/leorces/leorces/internal/log"
	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/runtime"
)

// externalTaskBehavior hands work to polling workers. The execution stays
// ACTIVE until a worker completes or fails it, or the timeout sweep fails
// it for them.
type externalTaskBehavior struct {
	baseBehavior
}

func (b *externalTaskBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	def, ok := activity.Definition().(model.ExternalTask)
	if !ok {
		return newEngineErrorf("activity %s is not an external task", activity.DefinitionId)
	}
	if err := armTimeout(activity, def.Timeout, activity.CreatedAt); err != nil {
		return err
	}
	if err := b.activate(ctx, activity); err != nil {
		return err
	}
	return b.scheduleTimerBoundaries(ctx, activity)
}

func (b *externalTaskBehavior) complete(ctx context.Context, activity *runtime.ActivityExecution, variables map[string]any) error {
	b.engine.metrics.TasksCompleted.Add(ctx, 1)
	return b.completeAndContinue(ctx, activity, variables)
}

func (b *externalTaskBehavior) fail(ctx context.Context, activity *runtime.ActivityExecution, failure runtime.ActivityFailure) error {
	def, ok := activity.Definition().(model.ExternalTask)
	if !ok {
		return newEngineErrorf("activity %s is not an external task", activity.DefinitionId)
	}
	return b.failTask(ctx, activity, failure, def.Retries)
}

func (b *externalTaskBehavior) retry(ctx context.Context, activity *runtime.ActivityExecution, retries int32) error {
	def, ok := activity.Definition().(model.ExternalTask)
	if !ok {
		return newEngineErrorf("activity %s is not an external task", activity.DefinitionId)
	}
	return b.retryTask(ctx, activity, def.Retries, def.Timeout, retries)
}

func (b *externalTaskBehavior) cancel(ctx context.Context, activity *runtime.ActivityExecution) error {
	if err := swallowStaleTransition(ctx, b.engine.transition(ctx, activity, runtime.ActivityStateTerminated)); err != nil {
		return err
	}
	return b.cancelBoundaries(ctx, activity)
}

// failTask applies the retry budget shared by external and send tasks:
// below the budget the execution stays ACTIVE for the next poll, at the
// budget it fails for good and raises an incident.
func (b *baseBehavior) failTask(ctx context.Context, activity *runtime.ActivityExecution, failure runtime.ActivityFailure, retries int32) error {
	b.engine.metrics.TasksFailed.Add(ctx, 1)
	activity.Failure = &failure
	if activity.Retries < retries {
		activity.Retries++
		log.Infof(ctx, "task %s retry %d/%d in process %d: %s",
			activity.DefinitionId, activity.Retries, retries, activity.ProcessKey, failure.Reason)
		if err := b.engine.persistence.SaveActivity(ctx, *activity); err != nil {
			return errors.Join(newEngineErrorf("failed to persist retry of activity %d", activity.Key), err)
		}
		return nil
	}
	if err := b.engine.transition(ctx, activity, runtime.ActivityStateFailed); err != nil {
		return err
	}
	return b.engine.dispatcher.Dispatch(ctx, raiseIncidentCommand{
		activity: *activity,
		reason:   failure.Reason,
		trace:    failure.Trace,
	})
}

// armTimeout stamps the absolute timeout on an execution relative to from.
func armTimeout(activity *runtime.ActivityExecution, timeout string, from time.Time) error {
	if timeout == "" {
		return nil
	}
	dueAt, err := model.TimerDefinition{Duration: timeout}.DueAt(from)
	if err != nil {
		return err
	}
	activity.TimeoutAt = &dueAt
	return nil
}

// retryTask moves a FAILED task back to ACTIVE with a fresh failure
// budget. A positive retries grants that many further attempts, zero or
// negative resets the full budget.
func (b *baseBehavior) retryTask(ctx context.Context, activity *runtime.ActivityExecution, budget int32, timeout string, retries int32) error {
	if retries > 0 && retries <= budget {
		activity.Retries = budget - retries
	} else {
		activity.Retries = 0
	}
	activity.Failure = nil
	if err := armTimeout(activity, timeout, time.Now()); err != nil {
		return err
	}
	return b.engine.transition(ctx, activity, runtime.ActivityStateActive)
}

// receiveTaskBehavior waits for its referenced message to be correlated.
type receiveTaskBehavior struct {
	baseBehavior
}

func (b *receiveTaskBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	if err := b.activate(ctx, activity); err != nil {
		return err
	}
	return b.scheduleTimerBoundaries(ctx, activity)
}

func (b *receiveTaskBehavior) complete(ctx context.Context, activity *runtime.ActivityExecution, variables map[string]any) error {
	return b.completeAndContinue(ctx, activity, variables)
}

func (b *receiveTaskBehavior) cancel(ctx context.Context, activity *runtime.ActivityExecution) error {
	if err := swallowStaleTransition(ctx, b.engine.transition(ctx, activity, runtime.ActivityStateTerminated)); err != nil {
		return err
	}
	return b.cancelBoundaries(ctx, activity)
}

// sendTaskBehavior is delegated to workers exactly like an external task;
// the distinct type only signals intent in the model.
type sendTaskBehavior struct {
	baseBehavior
}

func (b *sendTaskBehavior) run(ctx context.Context, activity *runtime.ActivityExecution) error {
	def, ok := activity.Definition().(model.SendTask)
	if !ok {
		return newEngineErrorf("activity %s is not a send task", activity.DefinitionId)
	}
	if err := armTimeout(activity, def.Timeout, activity.CreatedAt); err != nil {
		return err
	}
	if err := b.activate(ctx, activity); err != nil {
		return err
	}
	return b.scheduleTimerBoundaries(ctx, activity)
}

func (b *sendTaskBehavior) complete(ctx context.Context, activity *runtime.ActivityExecution, variables map[string]any) error {
	b.engine.metrics.TasksCompleted.Add(ctx, 1)
	return b.completeAndContinue(ctx, activity, variables)
}

func (b *sendTaskBehavior) fail(ctx context.Context, activity *runtime.ActivityExecution, failure runtime.ActivityFailure) error {
	def, ok := activity.Definition().(model.SendTask)
	if !ok {
		return newEngineErrorf("activity %s is not a send task", activity.DefinitionId)
	}
	return b.failTask(ctx, activity, failure, def.Retries)
}

func (b *sendTaskBehavior) retry(ctx context.Context, activity *runtime.ActivityExecution, retries int32) error {
	def, ok := activity.Definition().(model.SendTask)
	if !ok {
		return newEngineErrorf("activity %s is not a send task", activity.DefinitionId)
	}
	return b.retryTask(ctx, activity, def.Retries, def.Timeout, retries)
}

func (b *sendTaskBehavior) cancel(ctx context.Context, activity *runtime.ActivityExecution) error {
	if err := swallowStaleTransition(ctx, b.engine.transition(ctx, activity, runtime.ActivityStateTerminated)); err != nil {
		return err
	}
	return b.cancelBoundaries(ctx, activity)
}
