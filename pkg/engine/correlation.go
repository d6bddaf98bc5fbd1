package engine

import (
	"context"
	"errors"

	"github.com/leorces/leorces/internal/log"
	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/runtime"
)

// CodeCatchAll in a boundary event or start event trigger matches every
// error or escalation code.
const CodeCatchAll = "*"

// catchSpec describes which definitions can receive one correlated
// signal: an already waiting execution, a boundary event on an active
// host, or an event subprocess start event.
type catchSpec struct {
	waiting  func(def model.Activity) bool
	boundary func(def model.BoundaryEvent) bool
	start    func(def model.StartEvent) bool
}

func messageSpec(name string) catchSpec {
	return catchSpec{
		waiting: func(def model.Activity) bool {
			switch d := def.(type) {
			case model.ReceiveTask:
				return d.MessageRef == name
			case model.IntermediateCatchEvent:
				return d.Message == name
			}
			return false
		},
		boundary: func(def model.BoundaryEvent) bool { return def.Message == name },
		start:    func(def model.StartEvent) bool { return def.Message == name },
	}
}

func errorSpec(code string) catchSpec {
	return catchSpec{
		boundary: func(def model.BoundaryEvent) bool {
			return def.ErrorCode == code || def.ErrorCode == CodeCatchAll
		},
		start: func(def model.StartEvent) bool {
			return def.ErrorCode == code || def.ErrorCode == CodeCatchAll
		},
	}
}

func escalationSpec(code string) catchSpec {
	return catchSpec{
		boundary: func(def model.BoundaryEvent) bool {
			return def.EscalationCode == code || def.EscalationCode == CodeCatchAll
		},
		start: func(def model.StartEvent) bool {
			return def.EscalationCode == code || def.EscalationCode == CodeCatchAll
		},
	}
}

// catchTarget is one resolved landing place for a correlated signal.
// Exactly one of the three fields is set.
type catchTarget struct {
	process *runtime.Process
	// waiting is an ACTIVE execution that consumes the signal directly.
	waiting *runtime.ActivityExecution
	// boundaryId instantiates and fires a boundary event.
	boundaryId string
	// startEventId triggers an event subprocess.
	startEventId string
}

// correlate resolves the signal across all live processes carrying the
// business key. Anything but exactly one matching process is a
// CorrelationError.
func (engine *Engine) correlate(ctx context.Context, name string, businessKey string, spec catchSpec, variables map[string]any) error {
	processes, err := engine.persistence.FindActiveProcessesByBusinessKey(ctx, businessKey, "")
	if err != nil {
		return errors.Join(newEngineErrorf("failed to look up processes for business key %q", businessKey), err)
	}
	var targets []catchTarget
	for i := range processes {
		definition, err := engine.definitionById(ctx, processes[i].DefinitionId)
		if err != nil {
			return err
		}
		processes[i].Definition = &definition
		target, err := engine.findTarget(ctx, &processes[i], spec)
		if err != nil {
			return err
		}
		if target != nil {
			targets = append(targets, *target)
		}
	}
	if len(targets) == 0 {
		return &CorrelationError{Name: name}
	}
	if len(targets) > 1 {
		return &CorrelationError{Name: name, Matches: len(targets), Ambiguous: true}
	}
	return engine.deliver(ctx, targets[0], variables)
}

// findTarget picks at most one landing place in a single process:
// a waiting execution beats instantiating a boundary event, which beats
// triggering an event subprocess.
func (engine *Engine) findTarget(ctx context.Context, process *runtime.Process, spec catchSpec) (*catchTarget, error) {
	active, err := engine.persistence.FindActiveActivities(ctx, process.Key, nil)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load active activities of process %d", process.Key), err)
	}
	for i := range active {
		active[i].Process = process
	}
	if spec.waiting != nil {
		for i := range active {
			def := active[i].Definition()
			if def != nil && active[i].State == runtime.ActivityStateActive && spec.waiting(def) {
				return &catchTarget{process: process, waiting: &active[i]}, nil
			}
		}
	}
	for i := range active {
		for _, boundary := range process.Definition.BoundaryEvents(active[i].DefinitionId) {
			if spec.boundary(boundary) {
				return &catchTarget{process: process, boundaryId: boundary.Id}, nil
			}
		}
	}
	for _, candidate := range process.Definition.Activities {
		start, ok := candidate.(model.StartEvent)
		if !ok || !spec.start(start) {
			continue
		}
		if !isEventSubProcessStart(process.Definition, start) {
			continue
		}
		eligible, err := engine.scopeIsLive(process, start, active)
		if err != nil {
			return nil, err
		}
		if eligible {
			return &catchTarget{process: process, startEventId: start.Id}, nil
		}
	}
	return nil, nil
}

func isEventSubProcessStart(definition *model.ProcessDefinition, start model.StartEvent) bool {
	parent := definition.ActivityById(start.GetParentId())
	return parent != nil && parent.GetType() == model.ActivityTypeEventSubProcess
}

// scopeIsLive reports whether the scope enclosing the event subprocess is
// currently open, so that the subprocess may still be triggered.
func (engine *Engine) scopeIsLive(process *runtime.Process, start model.StartEvent, active []runtime.ActivityExecution) (bool, error) {
	esp := process.Definition.ActivityById(start.GetParentId())
	hostScope := esp.GetParentId()
	if hostScope == "" {
		return !process.State.IsTerminal(), nil
	}
	for i := range active {
		if active[i].DefinitionId == hostScope {
			return true, nil
		}
	}
	return false, nil
}

func (engine *Engine) deliver(ctx context.Context, target catchTarget, variables map[string]any) error {
	switch {
	case target.waiting != nil:
		behavior, err := engine.behaviorFor(target.waiting.Type())
		if err != nil {
			return err
		}
		c, ok := behavior.(completable)
		if !ok {
			return newEngineErrorf("activity %s cannot consume a correlated signal", target.waiting.DefinitionId)
		}
		return c.complete(ctx, target.waiting, variables)
	case target.boundaryId != "":
		return engine.fireBoundary(ctx, target.process, target.boundaryId, variables)
	case target.startEventId != "":
		behavior, err := engine.behaviorFor(model.ActivityTypeEventSubProcess)
		if err != nil {
			return err
		}
		return behavior.(triggerable).trigger(ctx, target.process, target.startEventId, variables)
	}
	return nil
}

// fireBoundary instantiates a boundary event that has no standing
// execution and fires it in one go.
func (engine *Engine) fireBoundary(ctx context.Context, process *runtime.Process, boundaryId string, variables map[string]any) error {
	base := baseBehavior{engine: engine}
	activity, err := base.newExecution(ctx, process, boundaryId)
	if err != nil {
		return err
	}
	if err := base.activate(ctx, activity); err != nil {
		return err
	}
	behavior, err := engine.behaviorFor(model.ActivityTypeBoundaryEvent)
	if err != nil {
		return err
	}
	return behavior.(completable).complete(ctx, activity, variables)
}

// propagateError walks the thrower's scope chain inner to outer looking
// for a catcher. At each scope level a boundary event on the scope's
// border beats an event subprocess inside the scope, and an exact code
// match beats a catch-all within each kind. An uncaught error raises an
// incident.
func (engine *Engine) propagateError(ctx context.Context, thrower *runtime.ActivityExecution, code string) error {
	caught, err := engine.propagateSignal(ctx, thrower, errorSpec(code), map[string]any{"errorCode": code})
	if err != nil {
		return err
	}
	if caught {
		return nil
	}
	return engine.dispatcher.Dispatch(ctx, raiseIncidentCommand{
		activity: *thrower,
		reason:   "unhandled error " + code,
	})
}

// propagateEscalation walks like propagateError but an uncaught
// escalation is dropped, the throwing flow continues regardless.
func (engine *Engine) propagateEscalation(ctx context.Context, thrower *runtime.ActivityExecution, code string) error {
	caught, err := engine.propagateSignal(ctx, thrower, escalationSpec(code), map[string]any{"escalationCode": code})
	if err != nil {
		return err
	}
	if !caught {
		log.Infof(ctx, "escalation %s from %s in process %d had no catcher", code, thrower.DefinitionId, thrower.ProcessKey)
	}
	return nil
}

func (engine *Engine) propagateSignal(ctx context.Context, thrower *runtime.ActivityExecution, spec catchSpec, variables map[string]any) (bool, error) {
	process := thrower.Process
	definition := process.Definition
	scope := thrower.Scope()
	for _, scopeId := range scope[1:] {
		// boundary events on the scope border, exact match first
		if scopeId != definition.Id {
			for _, exact := range []bool{true, false} {
				for _, boundary := range definition.BoundaryEvents(scopeId) {
					if !spec.boundary(boundary) || exactCode(boundary) != exact {
						continue
					}
					if err := engine.fireBoundary(ctx, process, boundary.Id, variables); err != nil {
						return false, err
					}
					return true, nil
				}
			}
		}
		// event subprocesses inside this scope
		espScope := scopeId
		if scopeId == definition.Id {
			espScope = ""
		}
		for _, exact := range []bool{true, false} {
			for _, start := range definition.EventSubProcessStarts(espScope) {
				if !spec.start(start) || exactCode(start) != exact {
					continue
				}
				behavior, err := engine.behaviorFor(model.ActivityTypeEventSubProcess)
				if err != nil {
					return false, err
				}
				if err := behavior.(triggerable).trigger(ctx, process, start.Id, variables); err != nil {
					return false, err
				}
				return true, nil
			}
		}
	}
	return false, nil
}

// exactCode reports whether the catcher names a concrete code rather
// than the catch-all.
func exactCode(def model.Activity) bool {
	switch d := def.(type) {
	case model.BoundaryEvent:
		return d.ErrorCode != CodeCatchAll && d.EscalationCode != CodeCatchAll
	case model.StartEvent:
		return d.ErrorCode != CodeCatchAll && d.EscalationCode != CodeCatchAll
	}
	return true
}

// correlateConditionals re-evaluates the conditional catch events of a
// process after its variables changed.
func (engine *Engine) correlateConditionals(ctx context.Context, process *runtime.Process) error {
	if process.Definition == nil {
		definition, err := engine.definitionById(ctx, process.DefinitionId)
		if err != nil {
			return err
		}
		process.Definition = &definition
	}
	active, err := engine.persistence.FindActiveActivities(ctx, process.Key, nil)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load active activities of process %d", process.Key), err)
	}
	for i := range active {
		active[i].Process = process
		def, ok := active[i].Definition().(model.IntermediateCatchEvent)
		if !ok || def.Condition == "" || active[i].State != runtime.ActivityStateActive {
			continue
		}
		variables, err := engine.GetScopedVariables(ctx, &active[i])
		if err != nil {
			return err
		}
		holds, err := engine.evaluator.EvaluateCondition(def.Condition, variables)
		if err != nil {
			return err
		}
		if !holds {
			continue
		}
		behavior, err := engine.behaviorFor(model.ActivityTypeIntermediateCatch)
		if err != nil {
			return err
		}
		if err := behavior.(completable).complete(ctx, &active[i], nil); err != nil {
			return err
		}
	}
	return engine.triggerConditionalStarts(ctx, process, active)
}

// triggerConditionalStarts fires conditional event subprocess starts
// whose condition now holds. Each start fires at most once per process
// instance.
func (engine *Engine) triggerConditionalStarts(ctx context.Context, process *runtime.Process, active []runtime.ActivityExecution) error {
	for _, candidate := range process.Definition.Activities {
		start, ok := candidate.(model.StartEvent)
		if !ok || start.Condition == "" || !isEventSubProcessStart(process.Definition, start) {
			continue
		}
		eligible, err := engine.scopeIsLive(process, start, active)
		if err != nil {
			return err
		}
		if !eligible {
			continue
		}
		base := baseBehavior{engine: engine}
		prior, err := base.latestExecution(ctx, process, start.GetParentId())
		if err != nil {
			return err
		}
		if prior != nil {
			continue
		}
		variables, err := engine.ProcessVariables(ctx, process)
		if err != nil {
			return err
		}
		holds, err := engine.evaluator.EvaluateCondition(start.Condition, variables)
		if err != nil {
			return err
		}
		if !holds {
			continue
		}
		behavior, err := engine.behaviorFor(model.ActivityTypeEventSubProcess)
		if err != nil {
			return err
		}
		if err := behavior.(triggerable).trigger(ctx, process, start.Id, nil); err != nil {
			return err
		}
	}
	return nil
}
