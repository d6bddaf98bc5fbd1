package runtime

// ActivityState is the lifecycle state of a single activity execution.
//
//	SCHEDULED -> ACTIVE -> { COMPLETED | TERMINATED | FAILED }
//
// FAILED -> ACTIVE is permitted for retries; COMPLETED and TERMINATED are
// terminal.
type ActivityState string

const (
	ActivityStateScheduled  ActivityState = "SCHEDULED"
	ActivityStateActive     ActivityState = "ACTIVE"
	ActivityStateCompleted  ActivityState = "COMPLETED"
	ActivityStateTerminated ActivityState = "TERMINATED"
	ActivityStateFailed     ActivityState = "FAILED"
)

var activityTransitions = map[ActivityState][]ActivityState{
	ActivityStateScheduled: {ActivityStateActive, ActivityStateTerminated},
	ActivityStateActive:    {ActivityStateCompleted, ActivityStateTerminated, ActivityStateFailed},
	ActivityStateFailed:    {ActivityStateActive, ActivityStateTerminated},
}

// CanTransition reports whether moving from s to target is a legal
// lifecycle transition.
func (s ActivityState) CanTransition(target ActivityState) bool {
	for _, t := range activityTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s ActivityState) IsTerminal() bool {
	return s == ActivityStateCompleted || s == ActivityStateTerminated
}

// ProcessState is the lifecycle state of a process instance. All
// transitions are one-way except INCIDENT <-> ACTIVE.
type ProcessState string

const (
	ProcessStateActive     ProcessState = "ACTIVE"
	ProcessStateCompleted  ProcessState = "COMPLETED"
	ProcessStateTerminated ProcessState = "TERMINATED"
	ProcessStateIncident   ProcessState = "INCIDENT"
)

// IsTerminal reports whether the process has reached a final state.
func (s ProcessState) IsTerminal() bool {
	return s == ProcessStateCompleted || s == ProcessStateTerminated
}
