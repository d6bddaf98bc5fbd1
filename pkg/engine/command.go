package engine

import "github.com/leorces/leorces/pkg/runtime"

// Commands are plain immutable data routed through the dispatcher. The
// engine registers exactly one handler per type at construction.

// startProcessCommand creates and runs a new process instance.
// DefinitionId pins a version; DefinitionKey binds to the latest one.
type startProcessCommand struct {
	definitionId  string
	definitionKey string
	businessKey   string
	variables     map[string]any
	// caller linkage, set when spawned by a call activity
	parentProcessKey  int64
	rootProcessKey    int64
	parentActivityKey int64
}

// runActivityCommand schedules and runs one activity definition within a
// process. originFlowId carries the sequence flow the token arrived on,
// which joining gateways need.
type runActivityCommand struct {
	processKey   int64
	definitionId string
	originFlowId string
}

// completeActivityCommand finishes an active activity, merging the given
// variables into its scope.
type completeActivityCommand struct {
	activityKey int64
	variables   map[string]any
}

// failActivityCommand reports an external failure of an activity.
type failActivityCommand struct {
	activityKey int64
	reason      string
	trace       string
}

// terminateActivityCommand force-ends an activity without completion side
// effects.
type terminateActivityCommand struct {
	activityKey int64
}

// retryActivityCommand re-activates a FAILED activity.
type retryActivityCommand struct {
	activityKey int64
	retries     int32
}

// triggerActivityCommand externally activates a triggerable definition,
// such as an event subprocess start event reacting to a correlated signal.
type triggerActivityCommand struct {
	processKey   int64
	definitionId string
	variables    map[string]any
}

// terminateProcessCommand ends a whole process instance.
type terminateProcessCommand struct {
	processKey int64
}

// raiseIncidentCommand flags the owning process after an activity
// exhausted its failure handling.
type raiseIncidentCommand struct {
	activity runtime.ActivityExecution
	reason   string
	trace    string
}

// processEndedCommand is the long-tail notification fanned out
// asynchronously when a process reaches a terminal state.
type processEndedCommand struct {
	processKey int64
	state      runtime.ProcessState
}
