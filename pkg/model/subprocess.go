package model

// SubProcess is an embedded scope started through normal sequential flow.
// Its children reference it via their parentId.
type SubProcess struct {
	BaseActivity
}

func (s SubProcess) GetType() ActivityType {
	return ActivityTypeSubProcess
}

// EventSubProcess is a scope activated only by its triggering start event.
// Completing it never interrupts the host scope.
type EventSubProcess struct {
	BaseActivity
}

func (s EventSubProcess) GetType() ActivityType {
	return ActivityTypeEventSubProcess
}

// MultiInstance describes fan-out of a call activity over a collection.
// Collection is an expression that must evaluate to a list; each spawned
// instance sees the current element under ElementVariable.
type MultiInstance struct {
	Collection      string `json:"collection"`
	ElementVariable string `json:"elementVariable,omitempty"`
}

// CallActivity spawns a separate process instance of the called definition.
// Version pins a specific definition version; zero binds to the latest.
type CallActivity struct {
	BaseActivity
	CalledElement string         `json:"calledElement"`
	Version       int32          `json:"version,omitempty"`
	Inputs        []IoMapping    `json:"inputs,omitempty"`
	Outputs       []IoMapping    `json:"outputs,omitempty"`
	MultiInstance *MultiInstance `json:"multiInstance,omitempty"`
}

func (c CallActivity) GetType() ActivityType {
	return ActivityTypeCallActivity
}
