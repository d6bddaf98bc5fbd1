package model

// ActivityType is the closed set of node types a process definition may contain.
// Behaviors are dispatched on this tag.
type ActivityType string

const (
	ActivityTypeExternalTask      ActivityType = "EXTERNAL_TASK"
	ActivityTypeReceiveTask       ActivityType = "RECEIVE_TASK"
	ActivityTypeSendTask          ActivityType = "SEND_TASK"
	ActivityTypeExclusiveGateway  ActivityType = "EXCLUSIVE_GATEWAY"
	ActivityTypeInclusiveGateway  ActivityType = "INCLUSIVE_GATEWAY"
	ActivityTypeParallelGateway   ActivityType = "PARALLEL_GATEWAY"
	ActivityTypeEventBasedGateway ActivityType = "EVENT_BASED_GATEWAY"
	ActivityTypeStartEvent        ActivityType = "START_EVENT"
	ActivityTypeEndEvent          ActivityType = "END_EVENT"
	ActivityTypeIntermediateCatch ActivityType = "INTERMEDIATE_CATCH_EVENT"
	ActivityTypeIntermediateThrow ActivityType = "INTERMEDIATE_THROW_EVENT"
	ActivityTypeBoundaryEvent     ActivityType = "BOUNDARY_EVENT"
	ActivityTypeSubProcess        ActivityType = "SUB_PROCESS"
	ActivityTypeEventSubProcess   ActivityType = "EVENT_SUB_PROCESS"
	ActivityTypeCallActivity      ActivityType = "CALL_ACTIVITY"
)

// Activity is a single node in a process definition graph.
type Activity interface {
	GetId() string
	GetName() string
	// GetParentId returns the id of the enclosing (sub)process activity,
	// or the empty string for top-level activities.
	GetParentId() string
	GetType() ActivityType
	// GetIncoming returns the ids of inbound sequence flows.
	GetIncoming() []string
	// GetOutgoing returns the ids of outbound sequence flows.
	GetOutgoing() []string
}

// BaseActivity carries the attributes shared by every activity variant.
type BaseActivity struct {
	Id       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	ParentId string   `json:"parentId,omitempty"`
	Incoming []string `json:"incoming,omitempty"`
	Outgoing []string `json:"outgoing,omitempty"`
}

func (a BaseActivity) GetId() string {
	return a.Id
}

func (a BaseActivity) GetName() string {
	return a.Name
}

func (a BaseActivity) GetParentId() string {
	return a.ParentId
}

func (a BaseActivity) GetIncoming() []string {
	return a.Incoming
}

func (a BaseActivity) GetOutgoing() []string {
	return a.Outgoing
}

// Flow is a directed sequence flow between two activities.
// Condition, when set, is an expression evaluated against the instance
// variables to decide whether the flow is taken from a gateway.
type Flow struct {
	Id        string `json:"id"`
	SourceRef string `json:"sourceRef"`
	TargetRef string `json:"targetRef"`
	Condition string `json:"condition,omitempty"`
}

// IoMapping maps a single variable into or out of a call activity.
// Exactly one of Source, SourceExpression or All is expected to be set.
type IoMapping struct {
	// Source copies the named variable as-is.
	Source string `json:"source,omitempty"`
	// SourceExpression is evaluated against the caller's scoped variables.
	SourceExpression string `json:"sourceExpression,omitempty"`
	// Target is the variable name in the receiving scope.
	Target string `json:"target,omitempty"`
	// All passes every visible variable through, ignoring Target.
	All bool `json:"all,omitempty"`
}
