package engine

import (
	"context"
	"errors"
	"time"

	"github.com/leorces/leorces/internal/log"
	"github.com/leorces/leorces/pkg/runtime"
)

// transition validates and persists a single activity lifecycle change.
// The transition-validity check is the sole arbiter when a cancel races a
// completion; the loser gets a TransitionError.
func (engine *Engine) transition(ctx context.Context, activity *runtime.ActivityExecution, target runtime.ActivityState) error {
	if !activity.State.CanTransition(target) {
		return &TransitionError{ActivityKey: activity.Key, From: activity.State, To: target}
	}
	now := time.Now()
	activity.State = target
	switch target {
	case runtime.ActivityStateActive:
		if activity.StartedAt == nil {
			activity.StartedAt = &now
		}
		activity.EndedAt = nil
	case runtime.ActivityStateCompleted, runtime.ActivityStateTerminated, runtime.ActivityStateFailed:
		activity.EndedAt = &now
	}
	if err := engine.persistence.SaveActivity(ctx, *activity); err != nil {
		return errors.Join(newEngineErrorf("failed to persist activity %d transition to %s", activity.Key, target), err)
	}
	return nil
}

// swallowStaleTransition logs and drops a TransitionError: the caller
// raced another transition and someone else already advanced the
// instance. Any other error propagates.
func swallowStaleTransition(ctx context.Context, err error) error {
	var te *TransitionError
	if errors.As(err, &te) {
		log.Debugf(ctx, "stale transition dropped: %s", te)
		return nil
	}
	return err
}

// completeProcess moves the process to COMPLETED and fans out the
// end-of-process notification.
func (engine *Engine) completeProcess(ctx context.Context, process *runtime.Process) error {
	return engine.endProcess(ctx, process, runtime.ProcessStateCompleted)
}

func (engine *Engine) endProcess(ctx context.Context, process *runtime.Process, state runtime.ProcessState) error {
	if process.State.IsTerminal() {
		return nil
	}
	now := time.Now()
	process.State = state
	process.EndedAt = &now
	if err := engine.persistence.SaveProcess(ctx, *process); err != nil {
		return errors.Join(newEngineErrorf("failed to persist process %d state %s", process.Key, state), err)
	}
	engine.metrics.ProcessesEnded.Add(ctx, 1)
	engine.dispatcher.DispatchAsync(context.WithoutCancel(ctx), processEndedCommand{
		processKey: process.Key,
		state:      state,
	})
	return nil
}

// flagIncident moves an ACTIVE process into the recoverable INCIDENT
// state.
func (engine *Engine) flagIncident(ctx context.Context, process *runtime.Process) error {
	if process.State != runtime.ProcessStateActive {
		return nil
	}
	process.State = runtime.ProcessStateIncident
	if err := engine.persistence.SaveProcess(ctx, *process); err != nil {
		return errors.Join(newEngineErrorf("failed to flag incident on process %d", process.Key), err)
	}
	return nil
}

// resumeProcess moves a process back from INCIDENT to ACTIVE once no
// failed activities remain.
func (engine *Engine) resumeProcess(ctx context.Context, process *runtime.Process) error {
	if process.State != runtime.ProcessStateIncident {
		return nil
	}
	anyFailed, err := engine.persistence.IsAnyFailed(ctx, process.Key)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to check failed activities of process %d", process.Key), err)
	}
	if anyFailed {
		return nil
	}
	process.State = runtime.ProcessStateActive
	if err := engine.persistence.SaveProcess(ctx, *process); err != nil {
		return errors.Join(newEngineErrorf("failed to resume process %d", process.Key), err)
	}
	return nil
}
