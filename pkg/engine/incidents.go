package engine

import (
	"context"
	"errors"
	"time"

	"github.com/leorces/leorces/internal/log"
	"github.com/leorces/leorces/pkg/runtime"
)

// raiseIncident records the incident and flags the owning process. The
// process stays in INCIDENT until every failed activity has been retried
// or terminated.
func (engine *Engine) raiseIncident(ctx context.Context, cmd raiseIncidentCommand) error {
	incident := runtime.Incident{
		Key:          engine.generateKey(),
		ProcessKey:   cmd.activity.ProcessKey,
		ActivityKey:  cmd.activity.Key,
		DefinitionId: cmd.activity.DefinitionId,
		Message:      cmd.reason,
		Trace:        cmd.trace,
		CreatedAt:    time.Now(),
	}
	if err := engine.persistence.SaveIncident(ctx, incident); err != nil {
		return errors.Join(newEngineErrorf("failed to persist incident for activity %d", cmd.activity.Key), err)
	}
	engine.metrics.IncidentsRaised.Add(ctx, 1)
	log.Errorf(ctx, "incident %d on activity %s in process %d: %s",
		incident.Key, cmd.activity.DefinitionId, cmd.activity.ProcessKey, cmd.reason)

	process := cmd.activity.Process
	if process == nil {
		loaded, err := engine.loadProcess(ctx, cmd.activity.ProcessKey)
		if err != nil {
			return err
		}
		process = &loaded
	}
	return engine.flagIncident(ctx, process)
}

// resolveIncident marks the incident handled and retries its activity.
// Resolving an already resolved incident is a no-op.
func (engine *Engine) resolveIncident(ctx context.Context, incidentKey int64, retries int32) error {
	incident, err := engine.persistence.FindIncidentByKey(ctx, incidentKey)
	if err != nil {
		return errors.Join(newEngineErrorf("no incident with key=%d was found", incidentKey), err)
	}
	if incident.ResolvedAt != nil {
		return nil
	}
	now := time.Now()
	incident.ResolvedAt = &now
	if err := engine.persistence.SaveIncident(ctx, incident); err != nil {
		return errors.Join(newEngineErrorf("failed to persist incident %d resolution", incidentKey), err)
	}
	return engine.dispatcher.Dispatch(ctx, retryActivityCommand{
		activityKey: incident.ActivityKey,
		retries:     retries,
	})
}

// retryActivity moves a FAILED execution back to ACTIVE and lifts the
// process out of INCIDENT once no failed activity remains.
func (engine *Engine) retryActivity(ctx context.Context, cmd retryActivityCommand) error {
	activity, err := engine.loadActivity(ctx, cmd.activityKey)
	if err != nil {
		return err
	}
	if activity.State != runtime.ActivityStateFailed {
		return &TransitionError{ActivityKey: activity.Key, From: activity.State, To: runtime.ActivityStateActive}
	}
	behavior, err := engine.behaviorFor(activity.Type())
	if err != nil {
		return err
	}
	if r, ok := behavior.(retryable); ok {
		if err := r.retry(ctx, &activity, cmd.retries); err != nil {
			return err
		}
	} else {
		activity.Failure = nil
		if err := engine.transition(ctx, &activity, runtime.ActivityStateActive); err != nil {
			return err
		}
	}
	return engine.resumeProcess(ctx, activity.Process)
}
