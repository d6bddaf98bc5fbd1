// Package inmemory keeps all process state in maps. It backs the engine's
// tests and embedded single-node use.
package inmemory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/runtime"
	"github.com/leorces/leorces/pkg/storage"
)

// Storage keeps process information in memory,
// please use NewStorage to create a new object of this type.
type Storage struct {
	mu          sync.RWMutex
	definitions map[string]model.ProcessDefinition
	processes   map[int64]runtime.Process
	activities  map[int64]runtime.ActivityExecution
	variables   map[int64]runtime.Variable
	incidents   map[int64]runtime.Incident
	leases      map[string]lease
}

type lease struct {
	owner string
	until time.Time
}

func NewStorage() *Storage {
	return &Storage{
		definitions: make(map[string]model.ProcessDefinition),
		processes:   make(map[int64]runtime.Process),
		activities:  make(map[int64]runtime.ActivityExecution),
		variables:   make(map[int64]runtime.Variable),
		incidents:   make(map[int64]runtime.Incident),
		leases:      make(map[string]lease),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.definitions[definition.Id] = definition
	return nil
}

func (mem *Storage) FindProcessDefinitionById(ctx context.Context, id string) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	def, ok := mem.definitions[id]
	if !ok {
		return model.ProcessDefinition{}, storage.ErrNotFound
	}
	return def, nil
}

func (mem *Storage) FindLatestProcessDefinitionByKey(ctx context.Context, key string) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res model.ProcessDefinition
	found := false
	for _, def := range mem.definitions {
		if def.Key != key {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionsByKey(ctx context.Context, key string) ([]model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]model.ProcessDefinition, 0)
	for _, def := range mem.definitions {
		if def.Key == key {
			res = append(res, def)
		}
	}
	slices.SortFunc(res, func(a, b model.ProcessDefinition) int {
		return int(a.Version - b.Version)
	})
	return res, nil
}

func (mem *Storage) SaveProcess(ctx context.Context, process runtime.Process) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.processes[process.Key] = process
	return nil
}

func (mem *Storage) FindProcessByKey(ctx context.Context, key int64) (runtime.Process, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	p, ok := mem.processes[key]
	if !ok {
		return runtime.Process{}, storage.ErrNotFound
	}
	return p, nil
}

func (mem *Storage) FindActiveProcessesByBusinessKey(ctx context.Context, businessKey string, definitionKey string) ([]runtime.Process, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Process, 0)
	for _, p := range mem.processes {
		if p.BusinessKey != businessKey || p.State.IsTerminal() {
			continue
		}
		if definitionKey != "" {
			def, ok := mem.definitions[p.DefinitionId]
			if !ok || def.Key != definitionKey {
				continue
			}
		}
		res = append(res, p)
	}
	sortByKey(res, func(p runtime.Process) int64 { return p.Key })
	return res, nil
}

func (mem *Storage) FindChildProcesses(ctx context.Context, parentActivityKey int64) ([]runtime.Process, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Process, 0)
	for _, p := range mem.processes {
		if p.ParentActivityKey == parentActivityKey {
			res = append(res, p)
		}
	}
	sortByKey(res, func(p runtime.Process) int64 { return p.Key })
	return res, nil
}

func (mem *Storage) SaveActivity(ctx context.Context, activity runtime.ActivityExecution) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	activity.Process = nil
	mem.activities[activity.Key] = activity
	return nil
}

func (mem *Storage) FindActivityByKey(ctx context.Context, key int64) (runtime.ActivityExecution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	a, ok := mem.activities[key]
	if !ok {
		return runtime.ActivityExecution{}, storage.ErrNotFound
	}
	return a, nil
}

func (mem *Storage) FindActivityByDefinitionId(ctx context.Context, processKey int64, definitionId string) (runtime.ActivityExecution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.ActivityExecution
	found := false
	for _, a := range mem.activities {
		if a.ProcessKey != processKey || a.DefinitionId != definitionId {
			continue
		}
		if found && a.Key < res.Key {
			continue
		}
		found = true
		res = a
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindActiveActivities(ctx context.Context, processKey int64, definitionIds []string) ([]runtime.ActivityExecution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ActivityExecution, 0)
	for _, a := range mem.activities {
		if a.ProcessKey != processKey {
			continue
		}
		if a.State != runtime.ActivityStateScheduled && a.State != runtime.ActivityStateActive {
			continue
		}
		if len(definitionIds) > 0 && !slices.Contains(definitionIds, a.DefinitionId) {
			continue
		}
		res = append(res, a)
	}
	sortByKey(res, func(a runtime.ActivityExecution) int64 { return a.Key })
	return res, nil
}

func (mem *Storage) FindFailedActivities(ctx context.Context, processKey int64) ([]runtime.ActivityExecution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ActivityExecution, 0)
	for _, a := range mem.activities {
		if a.ProcessKey == processKey && a.State == runtime.ActivityStateFailed {
			res = append(res, a)
		}
	}
	sortByKey(res, func(a runtime.ActivityExecution) int64 { return a.Key })
	return res, nil
}

func (mem *Storage) IsAllCompleted(ctx context.Context, processKey int64, definitionIds []string) (bool, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, a := range mem.activities {
		if a.ProcessKey != processKey {
			continue
		}
		if len(definitionIds) > 0 && !slices.Contains(definitionIds, a.DefinitionId) {
			continue
		}
		if !a.State.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

func (mem *Storage) IsAnyFailed(ctx context.Context, processKey int64) (bool, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, a := range mem.activities {
		if a.ProcessKey == processKey && a.State == runtime.ActivityStateFailed {
			return true, nil
		}
	}
	return false, nil
}

func (mem *Storage) PollExternalTasks(ctx context.Context, topic string, definitionKey string, limit int) ([]runtime.ActivityExecution, error) {
	mem.mu.RLock()
	candidates := make([]runtime.ActivityExecution, 0)
	for _, a := range mem.activities {
		if a.State != runtime.ActivityStateActive {
			continue
		}
		process, ok := mem.processes[a.ProcessKey]
		if !ok || process.State != runtime.ProcessStateActive || process.Suspended {
			continue
		}
		def, ok := mem.definitions[process.DefinitionId]
		if !ok {
			continue
		}
		if definitionKey != "" && def.Key != definitionKey {
			continue
		}
		if taskTopic(def.ActivityById(a.DefinitionId)) != topic {
			continue
		}
		candidates = append(candidates, a)
	}
	mem.mu.RUnlock()

	sortByKey(candidates, func(a runtime.ActivityExecution) int64 { return a.Key })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func taskTopic(a model.Activity) string {
	switch t := a.(type) {
	case model.ExternalTask:
		return t.Topic
	case model.SendTask:
		return t.Topic
	}
	return ""
}

func (mem *Storage) FindTimedOutActivities(ctx context.Context, now time.Time, limit int) ([]runtime.ActivityExecution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ActivityExecution, 0)
	for _, a := range mem.activities {
		if a.State != runtime.ActivityStateActive || a.TimeoutAt == nil || a.TimeoutAt.After(now) {
			continue
		}
		res = append(res, a)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (mem *Storage) FindDueTimers(ctx context.Context, now time.Time, limit int) ([]runtime.ActivityExecution, error) {
	// timers reuse the activity timeout column as their due time
	return mem.FindTimedOutActivities(ctx, now, limit)
}

func (mem *Storage) SaveVariable(ctx context.Context, variable runtime.Variable) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	for key, existing := range mem.variables {
		if existing.ExecutionKey == variable.ExecutionKey && existing.Name == variable.Name {
			delete(mem.variables, key)
		}
	}
	mem.variables[variable.Key] = variable
	return nil
}

func (mem *Storage) FindVariablesByExecution(ctx context.Context, processKey int64, executionKey int64) ([]runtime.Variable, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Variable, 0)
	for _, v := range mem.variables {
		if v.ProcessKey == processKey && v.ExecutionKey == executionKey {
			res = append(res, v)
		}
	}
	sortByKey(res, func(v runtime.Variable) int64 { return v.Key })
	return res, nil
}

func (mem *Storage) FindVariablesByScope(ctx context.Context, processKey int64, scope []string) ([]runtime.Variable, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Variable, 0)
	for _, v := range mem.variables {
		if v.ProcessKey == processKey && slices.Contains(scope, v.ExecutionDefinitionId) {
			res = append(res, v)
		}
	}
	sortByKey(res, func(v runtime.Variable) int64 { return v.Key })
	return res, nil
}

func (mem *Storage) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.incidents[incident.Key] = incident
	return nil
}

func (mem *Storage) FindIncidentByKey(ctx context.Context, key int64) (runtime.Incident, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	inc, ok := mem.incidents[key]
	if !ok {
		return runtime.Incident{}, storage.ErrNotFound
	}
	return inc, nil
}

func (mem *Storage) FindOpenIncidents(ctx context.Context, processKey int64) ([]runtime.Incident, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Incident, 0)
	for _, inc := range mem.incidents {
		if inc.ProcessKey == processKey && inc.ResolvedAt == nil {
			res = append(res, inc)
		}
	}
	sortByKey(res, func(i runtime.Incident) int64 { return i.Key })
	return res, nil
}

func (mem *Storage) TryAcquireLease(ctx context.Context, name string, until time.Time, owner string) (bool, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	current, held := mem.leases[name]
	if held && current.until.After(time.Now()) && current.owner != owner {
		return false, nil
	}
	mem.leases[name] = lease{owner: owner, until: until}
	return true, nil
}

func (mem *Storage) ReleaseLease(ctx context.Context, name string, owner string) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if current, held := mem.leases[name]; held && current.owner == owner {
		delete(mem.leases, name)
	}
	return nil
}

func (mem *Storage) DeleteCompletedProcessesBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	deleted := 0
	for key, p := range mem.processes {
		if !p.State.IsTerminal() || p.EndedAt == nil || p.EndedAt.After(cutoff) {
			continue
		}
		delete(mem.processes, key)
		for ak, a := range mem.activities {
			if a.ProcessKey == key {
				delete(mem.activities, ak)
			}
		}
		for vk, v := range mem.variables {
			if v.ProcessKey == key {
				delete(mem.variables, vk)
			}
		}
		deleted++
		if deleted == batchSize {
			break
		}
	}
	return deleted, nil
}

func sortByKey[T any](items []T, key func(T) int64) {
	sort.Slice(items, func(i, j int) bool { return key(items[i]) < key(items[j]) })
}
