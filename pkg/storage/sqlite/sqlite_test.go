package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/ptr"
	"github.com/leorces/leorces/pkg/runtime"
	"github.com/leorces/leorces/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func paymentDefinition(id string, version int32) model.ProcessDefinition {
	return model.ProcessDefinition{
		Id:      id,
		Key:     "payment",
		Version: version,
		Activities: []model.Activity{
			model.StartEvent{BaseActivity: model.BaseActivity{Id: "start", Outgoing: []string{"f1"}}},
			model.ExternalTask{BaseActivity: model.BaseActivity{Id: "charge", Incoming: []string{"f1"}, Outgoing: []string{"f2"}}, Topic: "charge-card"},
			model.EndEvent{BaseActivity: model.BaseActivity{Id: "end", Incoming: []string{"f2"}}},
		},
		Flows: []model.Flow{
			{Id: "f1", SourceRef: "start", TargetRef: "charge"},
			{Id: "f2", SourceRef: "charge", TargetRef: "end"},
		},
	}
}

func activeProcess(key int64, definitionId string, businessKey string) runtime.Process {
	return runtime.Process{
		Key:          key,
		BusinessKey:  businessKey,
		DefinitionId: definitionId,
		State:        runtime.ProcessStateActive,
		CreatedAt:    time.Now(),
	}
}

func TestDefinitionLookups(t *testing.T) {
	store := newTestStore(t)

	// given two versions of the same key
	require.NoError(t, store.SaveProcessDefinition(t.Context(), paymentDefinition("payment:1", 1)))
	require.NoError(t, store.SaveProcessDefinition(t.Context(), paymentDefinition("payment:2", 2)))

	// then
	def, err := store.FindProcessDefinitionById(t.Context(), "payment:1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), def.Version)
	assert.Len(t, def.Activities, 3)

	latest, err := store.FindLatestProcessDefinitionByKey(t.Context(), "payment")
	require.NoError(t, err)
	assert.Equal(t, int32(2), latest.Version)

	versions, err := store.FindProcessDefinitionsByKey(t.Context(), "payment")
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	_, err = store.FindProcessDefinitionById(t.Context(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.FindLatestProcessDefinitionByKey(t.Context(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveProcessUpsertsRuntimeColumns(t *testing.T) {
	store := newTestStore(t)

	// given a saved process
	process := activeProcess(1, "payment:1", "order-1")
	require.NoError(t, store.SaveProcess(t.Context(), process))

	// when it ends and is saved again
	process.State = runtime.ProcessStateCompleted
	process.EndedAt = ptr.To(time.Now())
	require.NoError(t, store.SaveProcess(t.Context(), process))

	// then the row reflects the transition
	found, err := store.FindProcessByKey(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessStateCompleted, found.State)
	assert.Equal(t, "order-1", found.BusinessKey)
	require.NotNil(t, found.EndedAt)

	_, err = store.FindProcessByKey(t.Context(), 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindActiveProcessesByBusinessKey(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveProcessDefinition(t.Context(), paymentDefinition("payment:1", 1)))

	// given an active, a completed and a foreign-key process
	require.NoError(t, store.SaveProcess(t.Context(), activeProcess(1, "payment:1", "order-1")))
	done := activeProcess(2, "payment:1", "order-1")
	done.State = runtime.ProcessStateCompleted
	require.NoError(t, store.SaveProcess(t.Context(), done))
	require.NoError(t, store.SaveProcess(t.Context(), activeProcess(3, "payment:1", "order-2")))

	// when
	matches, err := store.FindActiveProcessesByBusinessKey(t.Context(), "order-1", "")
	require.NoError(t, err)

	// then only the live instance with the business key matches
	require.Len(t, matches, 1)
	assert.Equal(t, int64(1), matches[0].Key)

	// and a definition key filter can exclude it
	matches, err = store.FindActiveProcessesByBusinessKey(t.Context(), "order-1", "other")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSaveActivityUpsertsFailureAndRetries(t *testing.T) {
	store := newTestStore(t)

	// given an active task
	activity := runtime.ActivityExecution{Key: 10, ProcessKey: 1, DefinitionId: "charge", State: runtime.ActivityStateActive, Retries: 2, CreatedAt: time.Now()}
	require.NoError(t, store.SaveActivity(t.Context(), activity))

	// when it fails and is saved again
	activity.State = runtime.ActivityStateFailed
	activity.Retries = 0
	activity.Failure = &runtime.ActivityFailure{Reason: "card declined", Trace: "stack"}
	activity.EndedAt = ptr.To(time.Now())
	require.NoError(t, store.SaveActivity(t.Context(), activity))

	// then the failure round-trips with the row
	found, err := store.FindActivityByKey(t.Context(), 10)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateFailed, found.State)
	assert.Equal(t, int32(0), found.Retries)
	require.NotNil(t, found.Failure)
	assert.Equal(t, "card declined", found.Failure.Reason)
	require.NotNil(t, found.EndedAt)
}

func TestFindActivityByDefinitionIdReturnsLatest(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()

	// given two executions of the same definition id
	require.NoError(t, store.SaveActivity(t.Context(), runtime.ActivityExecution{Key: 10, ProcessKey: 1, DefinitionId: "charge", State: runtime.ActivityStateCompleted, CreatedAt: base}))
	require.NoError(t, store.SaveActivity(t.Context(), runtime.ActivityExecution{Key: 11, ProcessKey: 1, DefinitionId: "charge", State: runtime.ActivityStateActive, CreatedAt: base.Add(time.Second)}))

	// then the most recent one wins
	found, err := store.FindActivityByDefinitionId(t.Context(), 1, "charge")
	require.NoError(t, err)
	assert.Equal(t, int64(11), found.Key)

	_, err = store.FindActivityByDefinitionId(t.Context(), 1, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPollExternalTasksFiltersByTopicAndState(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveProcessDefinition(t.Context(), paymentDefinition("payment:1", 1)))
	require.NoError(t, store.SaveProcess(t.Context(), activeProcess(1, "payment:1", "order-1")))

	suspended := activeProcess(2, "payment:1", "order-2")
	suspended.Suspended = true
	require.NoError(t, store.SaveProcess(t.Context(), suspended))

	// given an active task, a completed one and one in a suspended process
	require.NoError(t, store.SaveActivity(t.Context(), runtime.ActivityExecution{Key: 10, ProcessKey: 1, DefinitionId: "charge", State: runtime.ActivityStateActive, CreatedAt: time.Now()}))
	require.NoError(t, store.SaveActivity(t.Context(), runtime.ActivityExecution{Key: 11, ProcessKey: 1, DefinitionId: "start", State: runtime.ActivityStateCompleted, CreatedAt: time.Now()}))
	require.NoError(t, store.SaveActivity(t.Context(), runtime.ActivityExecution{Key: 12, ProcessKey: 2, DefinitionId: "charge", State: runtime.ActivityStateActive, CreatedAt: time.Now()}))

	// when
	tasks, err := store.PollExternalTasks(t.Context(), "charge-card", "", 10)
	require.NoError(t, err)

	// then the suspended process's task is not handed out
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(10), tasks[0].Key)

	// and an unknown topic matches nothing
	tasks, err = store.PollExternalTasks(t.Context(), "refund", "", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestFindTimedOutActivities(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	require.NoError(t, store.SaveActivity(t.Context(), runtime.ActivityExecution{Key: 1, ProcessKey: 1, DefinitionId: "a", State: runtime.ActivityStateActive, CreatedAt: now, TimeoutAt: ptr.To(past)}))
	require.NoError(t, store.SaveActivity(t.Context(), runtime.ActivityExecution{Key: 2, ProcessKey: 1, DefinitionId: "b", State: runtime.ActivityStateActive, CreatedAt: now, TimeoutAt: ptr.To(future)}))
	require.NoError(t, store.SaveActivity(t.Context(), runtime.ActivityExecution{Key: 3, ProcessKey: 1, DefinitionId: "c", State: runtime.ActivityStateActive, CreatedAt: now}))

	due, err := store.FindTimedOutActivities(t.Context(), now, 10)
	require.NoError(t, err)

	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].Key)
}

func TestSaveVariableReplacesPerExecutionAndName(t *testing.T) {
	store := newTestStore(t)

	// given two writes of the same name at the same execution
	require.NoError(t, store.SaveVariable(t.Context(), runtime.Variable{Key: 1, ProcessKey: 1, ExecutionKey: 5, ExecutionDefinitionId: "payment:1", Name: "amount", Value: "100", Type: runtime.VariableTypeLong}))
	require.NoError(t, store.SaveVariable(t.Context(), runtime.Variable{Key: 2, ProcessKey: 1, ExecutionKey: 5, ExecutionDefinitionId: "payment:1", Name: "amount", Value: "250", Type: runtime.VariableTypeLong}))
	require.NoError(t, store.SaveVariable(t.Context(), runtime.Variable{Key: 3, ProcessKey: 1, ExecutionKey: 6, ExecutionDefinitionId: "sub", Name: "amount", Value: "9", Type: runtime.VariableTypeLong}))

	// then the later write won at that execution
	vars, err := store.FindVariablesByExecution(t.Context(), 1, 5)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "250", vars[0].Value)

	// and scope queries only see the requested levels
	scoped, err := store.FindVariablesByScope(t.Context(), 1, []string{"payment:1"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "250", scoped[0].Value)

	scoped, err = store.FindVariablesByScope(t.Context(), 1, []string{"sub", "payment:1"})
	require.NoError(t, err)
	assert.Len(t, scoped, 2)
}

func TestFindOpenIncidents(t *testing.T) {
	store := newTestStore(t)
	resolved := time.Now()

	require.NoError(t, store.SaveIncident(t.Context(), runtime.Incident{Key: 1, ProcessKey: 1, Message: "boom", CreatedAt: time.Now()}))
	require.NoError(t, store.SaveIncident(t.Context(), runtime.Incident{Key: 2, ProcessKey: 1, Message: "handled", CreatedAt: time.Now(), ResolvedAt: ptr.To(resolved)}))
	require.NoError(t, store.SaveIncident(t.Context(), runtime.Incident{Key: 3, ProcessKey: 2, Message: "other process", CreatedAt: time.Now()}))

	open, err := store.FindOpenIncidents(t.Context(), 1)
	require.NoError(t, err)

	require.Len(t, open, 1)
	assert.Equal(t, int64(1), open[0].Key)
}

func TestLeaseLifecycle(t *testing.T) {
	store := newTestStore(t)
	until := time.Now().Add(time.Minute)

	// a free lease can be taken
	ok, err := store.TryAcquireLease(t.Context(), "sweep", until, "node-a")
	require.NoError(t, err)
	assert.True(t, ok)

	// a held lease refuses another owner but renews for the holder
	ok, err = store.TryAcquireLease(t.Context(), "sweep", until, "node-b")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.TryAcquireLease(t.Context(), "sweep", until.Add(time.Minute), "node-a")
	require.NoError(t, err)
	assert.True(t, ok)

	// releasing by a non-owner is a no-op
	require.NoError(t, store.ReleaseLease(t.Context(), "sweep", "node-b"))
	ok, err = store.TryAcquireLease(t.Context(), "sweep", until, "node-b")
	require.NoError(t, err)
	assert.False(t, ok)

	// releasing by the owner frees it
	require.NoError(t, store.ReleaseLease(t.Context(), "sweep", "node-a"))
	ok, err = store.TryAcquireLease(t.Context(), "sweep", until, "node-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiredLeaseCanBeReclaimed(t *testing.T) {
	store := newTestStore(t)

	// given a lease that already ran out
	ok, err := store.TryAcquireLease(t.Context(), "sweep", time.Now().Add(-time.Second), "node-a")
	require.NoError(t, err)
	require.True(t, ok)

	// when another owner tries
	ok, err = store.TryAcquireLease(t.Context(), "sweep", time.Now().Add(time.Minute), "node-b")
	require.NoError(t, err)

	// then the expired lease changes hands
	assert.True(t, ok)
}

func TestDeleteCompletedProcessesBefore(t *testing.T) {
	store := newTestStore(t)
	oldEnd := time.Now().Add(-48 * time.Hour)
	recentEnd := time.Now().Add(-time.Hour)

	ended := func(key int64, endedAt time.Time) runtime.Process {
		p := activeProcess(key, "payment:1", "order")
		p.State = runtime.ProcessStateCompleted
		p.EndedAt = ptr.To(endedAt)
		return p
	}
	require.NoError(t, store.SaveProcess(t.Context(), ended(1, oldEnd)))
	require.NoError(t, store.SaveProcess(t.Context(), ended(2, recentEnd)))
	require.NoError(t, store.SaveProcess(t.Context(), activeProcess(3, "payment:1", "order")))
	require.NoError(t, store.SaveActivity(t.Context(), runtime.ActivityExecution{Key: 10, ProcessKey: 1, DefinitionId: "end", State: runtime.ActivityStateCompleted, CreatedAt: time.Now()}))
	require.NoError(t, store.SaveVariable(t.Context(), runtime.Variable{Key: 20, ProcessKey: 1, ExecutionKey: 1, ExecutionDefinitionId: "payment:1", Name: "x", Value: "1", Type: runtime.VariableTypeLong}))
	require.NoError(t, store.SaveIncident(t.Context(), runtime.Incident{Key: 30, ProcessKey: 1, Message: "boom", CreatedAt: time.Now()}))

	// when compacting everything older than a day
	deleted, err := store.DeleteCompletedProcessesBefore(t.Context(), time.Now().Add(-24*time.Hour), 100)
	require.NoError(t, err)

	// then only the old terminal process and its records are gone
	assert.Equal(t, 1, deleted)
	_, err = store.FindProcessByKey(t.Context(), 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.FindActivityByKey(t.Context(), 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	vars, err := store.FindVariablesByExecution(t.Context(), 1, 1)
	require.NoError(t, err)
	assert.Empty(t, vars)

	_, err = store.FindProcessByKey(t.Context(), 2)
	assert.NoError(t, err)
	_, err = store.FindProcessByKey(t.Context(), 3)
	assert.NoError(t, err)
}
