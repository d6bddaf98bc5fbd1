package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/leorces/leorces/pkg/engine/dispatch"
	"github.com/leorces/leorces/pkg/model"
	otelPkg "github.com/leorces/leorces/pkg/otel"
	"github.com/leorces/leorces/pkg/runtime"
	"github.com/leorces/leorces/pkg/storage"
)

// DeployDefinition validates and persists a new version of the
// definition. The version counter lives per logical key; the returned
// definition carries the assigned id and version.
func (engine *Engine) DeployDefinition(ctx context.Context, definition model.ProcessDefinition) (model.ProcessDefinition, error) {
	if err := definition.Validate(); err != nil {
		return model.ProcessDefinition{}, err
	}
	if definition.Key == "" {
		return model.ProcessDefinition{}, newEngineErrorf("process definition requires a key")
	}
	latest, err := engine.persistence.FindLatestProcessDefinitionByKey(ctx, definition.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		definition.Version = 1
	case err != nil:
		return model.ProcessDefinition{}, errors.Join(newEngineErrorf("failed to look up definition key %s", definition.Key), err)
	default:
		definition.Version = latest.Version + 1
	}
	definition.Id = fmt.Sprintf("%s:%d:%d", definition.Key, definition.Version, engine.generateKey())
	if err := engine.persistence.SaveProcessDefinition(ctx, definition); err != nil {
		return model.ProcessDefinition{}, errors.Join(newEngineErrorf("failed to persist definition %s", definition.Id), err)
	}
	engine.definitions.Add(definition.Id, definition)
	return definition, nil
}

// DefinitionById returns one deployed definition version.
func (engine *Engine) DefinitionById(ctx context.Context, id string) (model.ProcessDefinition, error) {
	return engine.definitionById(ctx, id)
}

// DefinitionsByKey returns every deployed version of a logical key,
// oldest first.
func (engine *Engine) DefinitionsByKey(ctx context.Context, key string) ([]model.ProcessDefinition, error) {
	return engine.persistence.FindProcessDefinitionsByKey(ctx, key)
}

// StartProcessById starts an instance of a pinned definition version.
func (engine *Engine) StartProcessById(ctx context.Context, definitionId string, businessKey string, variables map[string]any) (process runtime.Process, retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("start-process:%s", definitionId), trace.WithAttributes(
		attribute.String(otelPkg.AttributeProcessDefinitionId, definitionId),
	))
	defer endSpan(span, &retErr)
	return dispatch.Execute[runtime.Process](engine.dispatcher, ctx, startProcessCommand{
		definitionId: definitionId,
		businessKey:  businessKey,
		variables:    variables,
	})
}

// StartProcessByKey starts an instance of the latest version deployed
// under the logical key.
func (engine *Engine) StartProcessByKey(ctx context.Context, definitionKey string, businessKey string, variables map[string]any) (process runtime.Process, retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("start-process:%s", definitionKey), trace.WithAttributes(
		attribute.String(otelPkg.AttributeProcessDefinitionKey, definitionKey),
	))
	defer endSpan(span, &retErr)
	return dispatch.Execute[runtime.Process](engine.dispatcher, ctx, startProcessCommand{
		definitionKey: definitionKey,
		businessKey:   businessKey,
		variables:     variables,
	})
}

// ProcessByKey returns a process instance with its definition resolved.
func (engine *Engine) ProcessByKey(ctx context.Context, processKey int64) (runtime.Process, error) {
	return engine.loadProcess(ctx, processKey)
}

// TerminateProcess force-ends the instance and everything running
// inside it, including spawned child processes.
func (engine *Engine) TerminateProcess(ctx context.Context, processKey int64) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("terminate-process:%d", processKey), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessKey, processKey),
	))
	defer endSpan(span, &retErr)
	return engine.dispatcher.Dispatch(ctx, terminateProcessCommand{processKey: processKey})
}

// PollExternalTasks hands up to limit active external tasks for the
// topic to a worker. definitionKey optionally narrows polling to one
// process definition.
func (engine *Engine) PollExternalTasks(ctx context.Context, topic string, definitionKey string, limit int) ([]runtime.ActivityExecution, error) {
	tasks, err := engine.persistence.PollExternalTasks(ctx, topic, definitionKey, limit)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to poll tasks for topic %s", topic), err)
	}
	engine.metrics.TasksPolled.Add(ctx, int64(len(tasks)))
	return tasks, nil
}

// CompleteActivity finishes a waiting activity with the worker's result
// variables.
func (engine *Engine) CompleteActivity(ctx context.Context, activityKey int64, variables map[string]any) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("complete-activity:%d", activityKey), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeActivityKey, activityKey),
	))
	defer endSpan(span, &retErr)
	return engine.dispatcher.Dispatch(ctx, completeActivityCommand{activityKey: activityKey, variables: variables})
}

// CompleteActivityByDefinitionId resolves the live execution of the
// definition within a process and completes it.
func (engine *Engine) CompleteActivityByDefinitionId(ctx context.Context, processKey int64, definitionId string, variables map[string]any) error {
	activity, err := engine.persistence.FindActivityByDefinitionId(ctx, processKey, definitionId)
	if err != nil {
		return errors.Join(newEngineErrorf("no execution of %s in process %d", definitionId, processKey), err)
	}
	return engine.CompleteActivity(ctx, activity.Key, variables)
}

// FailActivity reports a worker-side failure. Below the retry budget the
// task stays available for polling, above it the task fails and an
// incident is raised.
func (engine *Engine) FailActivity(ctx context.Context, activityKey int64, reason string, errTrace string) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("fail-activity:%d", activityKey), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeActivityKey, activityKey),
	))
	defer endSpan(span, &retErr)
	return engine.dispatcher.Dispatch(ctx, failActivityCommand{activityKey: activityKey, reason: reason, trace: errTrace})
}

// TerminateActivity force-ends one activity execution without completion
// side effects.
func (engine *Engine) TerminateActivity(ctx context.Context, activityKey int64) error {
	return engine.dispatcher.Dispatch(ctx, terminateActivityCommand{activityKey: activityKey})
}

// RetryActivity moves a FAILED activity back to ACTIVE, granting it the
// given number of further attempts; zero grants the full budget again.
func (engine *Engine) RetryActivity(ctx context.Context, activityKey int64, retries int32) error {
	return engine.dispatcher.Dispatch(ctx, retryActivityCommand{activityKey: activityKey, retries: retries})
}

// ActivityByKey returns one activity execution with its process resolved.
func (engine *Engine) ActivityByKey(ctx context.Context, activityKey int64) (runtime.ActivityExecution, error) {
	return engine.loadActivity(ctx, activityKey)
}

// CorrelateMessage delivers a named message to the single live process
// carrying the business key. A CorrelationError reports zero or
// ambiguous matches.
func (engine *Engine) CorrelateMessage(ctx context.Context, name string, businessKey string, variables map[string]any) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("message:%s", name), trace.WithAttributes(
		attribute.String(otelPkg.AttributeMessageName, name),
	))
	defer endSpan(span, &retErr)
	return engine.correlate(ctx, name, businessKey, messageSpec(name), variables)
}

// ThrowError delivers an error code to the single live process carrying
// the business key, resolved against its error catchers.
func (engine *Engine) ThrowError(ctx context.Context, code string, businessKey string, variables map[string]any) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("error:%s", code), trace.WithAttributes(
		attribute.String(otelPkg.AttributeSignalCode, code),
	))
	defer endSpan(span, &retErr)
	return engine.correlate(ctx, code, businessKey, errorSpec(code), variables)
}

// ThrowEscalation delivers an escalation code to the single live process
// carrying the business key.
func (engine *Engine) ThrowEscalation(ctx context.Context, code string, businessKey string, variables map[string]any) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("escalation:%s", code), trace.WithAttributes(
		attribute.String(otelPkg.AttributeSignalCode, code),
	))
	defer endSpan(span, &retErr)
	return engine.correlate(ctx, code, businessKey, escalationSpec(code), variables)
}

// SetVariables merges variables into the process, updating existing keys
// at the scope level that defines them and creating new keys at the
// process root. definitionId optionally anchors the merge at an inner
// scope.
func (engine *Engine) SetVariables(ctx context.Context, processKey int64, definitionId string, variables map[string]any) error {
	process, err := engine.loadProcess(ctx, processKey)
	if err != nil {
		return err
	}
	scope := []string{process.Definition.Id}
	if definitionId != "" {
		scope = process.Definition.Scope(definitionId)
	}
	return engine.setVariables(ctx, &process, scope, variables)
}

// SetVariablesLocal writes variables at exactly the scope of the given
// activity definition, shadowing outer values. An empty definitionId
// targets the process root.
func (engine *Engine) SetVariablesLocal(ctx context.Context, processKey int64, definitionId string, variables map[string]any) error {
	process, err := engine.loadProcess(ctx, processKey)
	if err != nil {
		return err
	}
	if definitionId == "" {
		return engine.setVariablesLocal(ctx, &process, process.Key, process.Definition.Id, variables)
	}
	activity, err := engine.persistence.FindActivityByDefinitionId(ctx, processKey, definitionId)
	if err != nil {
		return errors.Join(newEngineErrorf("no execution of %s in process %d", definitionId, processKey), err)
	}
	return engine.setVariablesLocal(ctx, &process, activity.Key, definitionId, variables)
}

// Variables returns the flattened view of the variables visible at the
// given scope; an empty definitionId reads the process root.
func (engine *Engine) Variables(ctx context.Context, processKey int64, definitionId string) (map[string]any, error) {
	process, err := engine.loadProcess(ctx, processKey)
	if err != nil {
		return nil, err
	}
	scope := []string{process.Definition.Id}
	if definitionId != "" {
		scope = process.Definition.Scope(definitionId)
	}
	return engine.scopedVariables(ctx, processKey, scope)
}

// ResolveIncident marks the incident handled and retries the failed
// activity behind it.
func (engine *Engine) ResolveIncident(ctx context.Context, incidentKey int64, retries int32) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("resolve-incident:%d", incidentKey), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeIncidentKey, incidentKey),
	))
	defer endSpan(span, &retErr)
	return engine.resolveIncident(ctx, incidentKey, retries)
}

// OpenIncidents lists the unresolved incidents of a process.
func (engine *Engine) OpenIncidents(ctx context.Context, processKey int64) ([]runtime.Incident, error) {
	return engine.persistence.FindOpenIncidents(ctx, processKey)
}

// RunTimerSweep fires due timer events and fails timed-out tasks. It
// returns how many executions were acted on and is safe to run
// concurrently with regular traffic; stale transitions are dropped.
func (engine *Engine) RunTimerSweep(ctx context.Context, limit int) (int, error) {
	due, err := engine.persistence.FindDueTimers(ctx, time.Now(), limit)
	if err != nil {
		return 0, errors.Join(newEngineErrorf("failed to find due timers"), err)
	}
	acted := 0
	for i := range due {
		activity, err := engine.loadActivity(ctx, due[i].Key)
		if err != nil {
			return acted, err
		}
		switch activity.Type() {
		case model.ActivityTypeIntermediateCatch, model.ActivityTypeBoundaryEvent:
			err = engine.dispatcher.Dispatch(ctx, completeActivityCommand{activityKey: activity.Key})
		case model.ActivityTypeExternalTask, model.ActivityTypeSendTask:
			err = engine.dispatcher.Dispatch(ctx, failActivityCommand{
				activityKey: activity.Key,
				reason:      fmt.Sprintf("task timed out at %s", activity.TimeoutAt.Format(time.RFC3339)),
			})
		default:
			continue
		}
		if err = swallowStaleTransition(ctx, err); err != nil {
			return acted, err
		}
		acted++
	}
	return acted, nil
}

// CompactHistory removes terminal processes that ended before the cutoff
// together with their activities and variables, up to batchSize per call.
func (engine *Engine) CompactHistory(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	return engine.persistence.DeleteCompletedProcessesBefore(ctx, cutoff, batchSize)
}

func endSpan(span trace.Span, retErr *error) {
	if *retErr != nil {
		span.RecordError(*retErr)
		span.SetStatus(codes.Error, (*retErr).Error())
	}
	span.End()
}
