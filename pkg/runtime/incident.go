package runtime

import "time"

// Incident records an activity that exhausted its failure handling and
// needs operator attention. The owning process stays in INCIDENT state
// until every open incident is resolved.
type Incident struct {
	Key          int64      `json:"key"`
	ProcessKey   int64      `json:"processKey"`
	ActivityKey  int64      `json:"activityKey"`
	DefinitionId string     `json:"definitionId"`
	Message      string     `json:"message"`
	Trace        string     `json:"trace,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}
