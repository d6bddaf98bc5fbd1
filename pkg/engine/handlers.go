package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/leorces/leorces/internal/appcontext"
	"github.com/leorces/leorces/internal/log"
	"github.com/leorces/leorces/pkg/engine/dispatch"
	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/runtime"
)

func (engine *Engine) registerHandlers() error {
	return errors.Join(
		dispatch.RegisterQuery(engine.dispatcher, engine.startProcess),
		dispatch.Register(engine.dispatcher, engine.runActivity),
		dispatch.Register(engine.dispatcher, engine.completeActivity),
		dispatch.Register(engine.dispatcher, engine.failActivity),
		dispatch.Register(engine.dispatcher, engine.terminateActivity),
		dispatch.Register(engine.dispatcher, engine.retryActivity),
		dispatch.Register(engine.dispatcher, engine.triggerActivity),
		dispatch.Register(engine.dispatcher, engine.terminateProcess),
		dispatch.Register(engine.dispatcher, engine.raiseIncident),
		dispatch.Register(engine.dispatcher, engine.processEnded),
	)
}

func (engine *Engine) startProcess(ctx context.Context, cmd startProcessCommand) (runtime.Process, error) {
	var definition model.ProcessDefinition
	var err error
	if cmd.definitionId != "" {
		definition, err = engine.definitionById(ctx, cmd.definitionId)
	} else {
		definition, err = engine.persistence.FindLatestProcessDefinitionByKey(ctx, cmd.definitionKey)
		if err != nil {
			err = errors.Join(newEngineErrorf("no process definition with key=%s was found", cmd.definitionKey), err)
		}
	}
	if err != nil {
		return runtime.Process{}, err
	}
	businessKey := cmd.businessKey
	if businessKey == "" && cmd.parentProcessKey == 0 {
		// child processes inherit the caller's business key instead
		businessKey = uuid.NewString()
	}
	process := runtime.Process{
		Key:               engine.generateKey(),
		ParentKey:         cmd.parentProcessKey,
		RootKey:           cmd.rootProcessKey,
		ParentActivityKey: cmd.parentActivityKey,
		BusinessKey:       businessKey,
		DefinitionId:      definition.Id,
		State:             runtime.ProcessStateActive,
		CreatedAt:         time.Now(),
		Definition:        &definition,
	}
	if err := engine.persistence.SaveProcess(ctx, process); err != nil {
		return runtime.Process{}, errors.Join(newEngineErrorf("failed to persist process of definition %s", definition.Id), err)
	}
	engine.metrics.ProcessesStarted.Add(ctx, 1)
	ctx = appcontext.WithProcessKey(ctx, process.Key)
	log.Infof(ctx, "started process %d of definition %s version %d", process.Key, definition.Key, definition.Version)
	if len(cmd.variables) > 0 {
		// conditional triggers wait until the start token has landed
		if err := engine.writeVariablesLocal(ctx, &process, process.Key, definition.Id, cmd.variables); err != nil {
			return runtime.Process{}, err
		}
	}
	start, err := definition.StartActivity()
	if err != nil {
		return runtime.Process{}, err
	}
	err = engine.dispatcher.Dispatch(ctx, runActivityCommand{
		processKey:   process.Key,
		definitionId: start.Id,
	})
	if err != nil {
		return runtime.Process{}, err
	}
	if err := engine.correlateConditionals(ctx, &process); err != nil {
		return runtime.Process{}, err
	}
	return process, nil
}

func (engine *Engine) runActivity(ctx context.Context, cmd runActivityCommand) error {
	ctx = appcontext.WithProcessKey(ctx, cmd.processKey)
	process, err := engine.loadProcess(ctx, cmd.processKey)
	if err != nil {
		return err
	}
	if process.State.IsTerminal() || process.Suspended {
		log.Debugf(ctx, "dropping token for %s, process %d is %s", cmd.definitionId, process.Key, process.State)
		return nil
	}
	def := process.Definition.ActivityById(cmd.definitionId)
	if def == nil {
		return newEngineErrorf("process %d has no activity definition %s", process.Key, cmd.definitionId)
	}
	behavior, err := engine.behaviorFor(def.GetType())
	if err != nil {
		return err
	}
	if j, ok := behavior.(joining); ok && len(def.GetIncoming()) > 1 && cmd.originFlowId != "" {
		return j.join(ctx, &process, cmd.definitionId, cmd.originFlowId)
	}
	base := baseBehavior{engine: engine}
	activity, err := base.newExecution(ctx, &process, cmd.definitionId)
	if err != nil {
		return err
	}
	return behavior.run(ctx, activity)
}

func (engine *Engine) completeActivity(ctx context.Context, cmd completeActivityCommand) error {
	activity, err := engine.loadActivity(ctx, cmd.activityKey)
	if err != nil {
		return err
	}
	ctx = appcontext.WithProcessKey(appcontext.WithActivityKey(ctx, activity.Key), activity.ProcessKey)
	behavior, err := engine.behaviorFor(activity.Type())
	if err != nil {
		return err
	}
	c, ok := behavior.(completable)
	if !ok {
		return newEngineErrorf("activity %s of type %s cannot be completed externally", activity.DefinitionId, activity.Type())
	}
	return c.complete(ctx, &activity, cmd.variables)
}

func (engine *Engine) failActivity(ctx context.Context, cmd failActivityCommand) error {
	activity, err := engine.loadActivity(ctx, cmd.activityKey)
	if err != nil {
		return err
	}
	ctx = appcontext.WithProcessKey(appcontext.WithActivityKey(ctx, activity.Key), activity.ProcessKey)
	behavior, err := engine.behaviorFor(activity.Type())
	if err != nil {
		return err
	}
	f, ok := behavior.(failable)
	if !ok {
		return newEngineErrorf("activity %s of type %s cannot be failed externally", activity.DefinitionId, activity.Type())
	}
	return f.fail(ctx, &activity, runtime.ActivityFailure{Reason: cmd.reason, Trace: cmd.trace})
}

func (engine *Engine) terminateActivity(ctx context.Context, cmd terminateActivityCommand) error {
	activity, err := engine.loadActivity(ctx, cmd.activityKey)
	if err != nil {
		return err
	}
	behavior, err := engine.behaviorFor(activity.Type())
	if err != nil {
		return err
	}
	if c, ok := behavior.(cancellable); ok {
		return c.cancel(ctx, &activity)
	}
	return engine.transition(ctx, &activity, runtime.ActivityStateTerminated)
}

func (engine *Engine) triggerActivity(ctx context.Context, cmd triggerActivityCommand) error {
	process, err := engine.loadProcess(ctx, cmd.processKey)
	if err != nil {
		return err
	}
	def := process.Definition.ActivityById(cmd.definitionId)
	if def == nil {
		return newEngineErrorf("process %d has no activity definition %s", process.Key, cmd.definitionId)
	}
	// start events are triggered through their event subprocess
	behaviorType := def.GetType()
	if behaviorType == model.ActivityTypeStartEvent {
		behaviorType = model.ActivityTypeEventSubProcess
	}
	behavior, err := engine.behaviorFor(behaviorType)
	if err != nil {
		return err
	}
	t, ok := behavior.(triggerable)
	if !ok {
		return newEngineErrorf("activity %s of type %s cannot be triggered", cmd.definitionId, def.GetType())
	}
	return t.trigger(ctx, &process, cmd.definitionId, cmd.variables)
}

func (engine *Engine) terminateProcess(ctx context.Context, cmd terminateProcessCommand) error {
	process, err := engine.loadProcess(ctx, cmd.processKey)
	if err != nil {
		return err
	}
	if process.State.IsTerminal() {
		return nil
	}
	base := baseBehavior{engine: engine}
	if err := base.cancelChildren(ctx, &process, ""); err != nil {
		return err
	}
	// failed executions hold no token but must not outlive the process
	failed, err := engine.persistence.FindFailedActivities(ctx, process.Key)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load failed executions of process %d", process.Key), err)
	}
	for i := range failed {
		failed[i].Process = &process
		if err := swallowStaleTransition(ctx, engine.transition(ctx, &failed[i], runtime.ActivityStateTerminated)); err != nil {
			return err
		}
	}
	return engine.endProcess(ctx, &process, runtime.ProcessStateTerminated)
}

// processEnded closes the loop from a spawned child process back to the
// call activity waiting on it.
func (engine *Engine) processEnded(ctx context.Context, cmd processEndedCommand) error {
	process, err := engine.loadProcess(ctx, cmd.processKey)
	if err != nil {
		return err
	}
	if process.ParentActivityKey == 0 {
		return nil
	}
	parent, err := engine.loadActivity(ctx, process.ParentActivityKey)
	if err != nil {
		return err
	}
	caller, ok := engine.behaviors[model.ActivityTypeCallActivity].(*callActivityBehavior)
	if !ok {
		return newEngineErrorf("call activity behavior is not registered")
	}
	return caller.childEnded(ctx, &parent, &process)
}
