package model

// ExclusiveGateway activates the first outgoing flow whose condition holds,
// falling back to Default when no condition matches.
type ExclusiveGateway struct {
	BaseActivity
	// Default is the id of the flow taken when no condition evaluates true.
	Default string `json:"default,omitempty"`
}

func (g ExclusiveGateway) GetType() ActivityType {
	return ActivityTypeExclusiveGateway
}

// InclusiveGateway activates every outgoing flow whose condition holds.
type InclusiveGateway struct {
	BaseActivity
	Default string `json:"default,omitempty"`
}

func (g InclusiveGateway) GetType() ActivityType {
	return ActivityTypeInclusiveGateway
}

// ParallelGateway fans out to all outgoing flows and, on the joining side,
// waits until every incoming flow has produced a token.
type ParallelGateway struct {
	BaseActivity
}

func (g ParallelGateway) GetType() ActivityType {
	return ActivityTypeParallelGateway
}

// EventBasedGateway races its outgoing catch events; the first one to fire
// wins and the others are withdrawn.
type EventBasedGateway struct {
	BaseActivity
}

func (g EventBasedGateway) GetType() ActivityType {
	return ActivityTypeEventBasedGateway
}
