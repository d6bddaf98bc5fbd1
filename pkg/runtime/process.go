package runtime

import (
	"time"

	"github.com/leorces/leorces/pkg/model"
)

// Process is a live instance of a ProcessDefinition.
type Process struct {
	Key int64 `json:"key"`
	// ParentKey and RootKey are set when the process was spawned by a call
	// activity: ParentKey is the direct caller, RootKey the top of the
	// call hierarchy.
	ParentKey int64 `json:"parentKey,omitempty"`
	RootKey   int64 `json:"rootKey,omitempty"`
	// ParentActivityKey is the call activity execution that spawned this
	// process, zero for top-level processes.
	ParentActivityKey int64        `json:"parentActivityKey,omitempty"`
	BusinessKey       string       `json:"businessKey,omitempty"`
	DefinitionId      string       `json:"definitionId"`
	State             ProcessState `json:"state"`
	Suspended         bool         `json:"suspended,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	EndedAt           *time.Time   `json:"endedAt,omitempty"`

	Definition *model.ProcessDefinition `json:"-"`
}

// ActivityFailure captures why an activity execution failed.
type ActivityFailure struct {
	Reason string `json:"reason"`
	Trace  string `json:"trace,omitempty"`
}

// ActivityExecution is one runtime instance of an activity definition
// within a process.
type ActivityExecution struct {
	Key          int64 `json:"key"`
	ProcessKey   int64 `json:"processKey"`
	// DefinitionId references the activity definition within the process
	// definition graph.
	DefinitionId string        `json:"definitionId"`
	State        ActivityState `json:"state"`
	Retries      int32         `json:"retries,omitempty"`
	// TimeoutAt is when a running external task is considered timed out,
	// nil for activities without a timeout.
	TimeoutAt *time.Time       `json:"timeoutAt,omitempty"`
	Failure   *ActivityFailure `json:"failure,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	StartedAt *time.Time       `json:"startedAt,omitempty"`
	EndedAt   *time.Time       `json:"endedAt,omitempty"`
	// JoinedFlows records which incoming flows have delivered a token,
	// used only by joining parallel gateways.
	JoinedFlows []string `json:"joinedFlows,omitempty"`

	Process *Process `json:"-"`
}

// Definition resolves the activity's definition from the owning process.
func (a *ActivityExecution) Definition() model.Activity {
	if a.Process == nil || a.Process.Definition == nil {
		return nil
	}
	return a.Process.Definition.ActivityById(a.DefinitionId)
}

// Type returns the definition type tag, or the empty string when the
// definition cannot be resolved.
func (a *ActivityExecution) Type() model.ActivityType {
	if def := a.Definition(); def != nil {
		return def.GetType()
	}
	return ""
}

// Scope returns the activity's ancestor chain within the process
// definition, innermost first, ending with the definition id.
func (a *ActivityExecution) Scope() []string {
	if a.Process == nil || a.Process.Definition == nil {
		return []string{a.DefinitionId}
	}
	return a.Process.Definition.Scope(a.DefinitionId)
}

// IsAsync reports whether the activity executes outside the main flow of
// its process, which is the case when any ancestor is an event subprocess.
func (a *ActivityExecution) IsAsync() bool {
	def := a.Definition()
	if def == nil {
		return false
	}
	d := a.Process.Definition
	for parentId := def.GetParentId(); parentId != ""; {
		parent := d.ActivityById(parentId)
		if parent == nil {
			return false
		}
		if parent.GetType() == model.ActivityTypeEventSubProcess {
			return true
		}
		parentId = parent.GetParentId()
	}
	return false
}
