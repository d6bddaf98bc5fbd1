// Package storage defines the persistence contract consumed by the engine.
// Implementations must give read-your-writes consistency: every find must
// reflect writes made by the immediately preceding call on the same store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/runtime"
)

// ErrNotFound is returned by every lookup that matches nothing.
var ErrNotFound = errors.New("not found")

// Storage aggregates the full persistence surface of the engine.
type Storage interface {
	ProcessDefinitionStorage
	ProcessStorage
	ActivityStorage
	VariableStorage
	IncidentStorage
	LeaseStorage
	HistoryStorage
}

type ProcessDefinitionStorage interface {
	// SaveProcessDefinition persists a definition version.
	SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error

	// FindProcessDefinitionById returns the definition version with the
	// given id.
	FindProcessDefinitionById(ctx context.Context, id string) (model.ProcessDefinition, error)

	// FindLatestProcessDefinitionByKey returns the highest version
	// deployed under the logical key.
	FindLatestProcessDefinitionByKey(ctx context.Context, key string) (model.ProcessDefinition, error)

	// FindProcessDefinitionsByKey returns all versions for the key,
	// ordered by version ascending.
	FindProcessDefinitionsByKey(ctx context.Context, key string) ([]model.ProcessDefinition, error)
}

type ProcessStorage interface {
	SaveProcess(ctx context.Context, process runtime.Process) error
	FindProcessByKey(ctx context.Context, key int64) (runtime.Process, error)

	// FindActiveProcessesByBusinessKey returns non-terminal processes
	// carrying the business key, optionally narrowed to a definition key.
	FindActiveProcessesByBusinessKey(ctx context.Context, businessKey string, definitionKey string) ([]runtime.Process, error)

	// FindChildProcesses returns processes spawned by the given call
	// activity execution.
	FindChildProcesses(ctx context.Context, parentActivityKey int64) ([]runtime.Process, error)
}

type ActivityStorage interface {
	SaveActivity(ctx context.Context, activity runtime.ActivityExecution) error
	FindActivityByKey(ctx context.Context, key int64) (runtime.ActivityExecution, error)

	// FindActivityByDefinitionId returns the most recent execution of the
	// given activity definition within a process.
	FindActivityByDefinitionId(ctx context.Context, processKey int64, definitionId string) (runtime.ActivityExecution, error)

	// FindActiveActivities returns the SCHEDULED and ACTIVE executions of
	// the given definition ids; empty definitionIds selects all.
	FindActiveActivities(ctx context.Context, processKey int64, definitionIds []string) ([]runtime.ActivityExecution, error)

	FindFailedActivities(ctx context.Context, processKey int64) ([]runtime.ActivityExecution, error)

	// IsAllCompleted reports whether no execution of the given definition
	// ids is still in a non-terminal state.
	IsAllCompleted(ctx context.Context, processKey int64, definitionIds []string) (bool, error)

	IsAnyFailed(ctx context.Context, processKey int64) (bool, error)

	// PollExternalTasks returns up to limit ACTIVE external task
	// executions for the topic, oldest first. definitionKey narrows
	// polling to processes of one definition key.
	PollExternalTasks(ctx context.Context, topic string, definitionKey string, limit int) ([]runtime.ActivityExecution, error)

	// FindTimedOutActivities returns ACTIVE executions whose timeout
	// passed before now.
	FindTimedOutActivities(ctx context.Context, now time.Time, limit int) ([]runtime.ActivityExecution, error)

	// FindDueTimers returns ACTIVE timer events due before now.
	FindDueTimers(ctx context.Context, now time.Time, limit int) ([]runtime.ActivityExecution, error)
}

type VariableStorage interface {
	// SaveVariable persists the record, replacing an existing variable
	// with the same ExecutionKey and Name.
	SaveVariable(ctx context.Context, variable runtime.Variable) error

	// FindVariablesByExecution returns the variables owned by one
	// execution (an activity or the process itself).
	FindVariablesByExecution(ctx context.Context, processKey int64, executionKey int64) ([]runtime.Variable, error)

	// FindVariablesByScope returns variables of the process whose
	// ExecutionDefinitionId is in the given scope chain.
	FindVariablesByScope(ctx context.Context, processKey int64, scope []string) ([]runtime.Variable, error)
}

type IncidentStorage interface {
	SaveIncident(ctx context.Context, incident runtime.Incident) error
	FindIncidentByKey(ctx context.Context, key int64) (runtime.Incident, error)
	FindOpenIncidents(ctx context.Context, processKey int64) ([]runtime.Incident, error)
}

// LeaseStorage is the distributed lease used to scope exclusive background
// work. A lease is held until released or until its expiry passes; a
// crashed holder's lease is reclaimed by the next acquisition attempt.
type LeaseStorage interface {
	TryAcquireLease(ctx context.Context, name string, until time.Time, owner string) (bool, error)
	ReleaseLease(ctx context.Context, name string, owner string) error
}

type HistoryStorage interface {
	// DeleteCompletedProcessesBefore removes up to batchSize terminal
	// processes that ended before the cutoff, including their activities
	// and variables, returning how many processes were removed.
	DeleteCompletedProcessesBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}
