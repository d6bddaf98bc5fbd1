package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/runtime"
	"github.com/leorces/leorces/pkg/storage"
	"github.com/leorces/leorces/pkg/storage/inmemory"
)

func newTestEngine(t *testing.T) (*Engine, *inmemory.Storage) {
	t.Helper()
	store := inmemory.NewStorage()
	eng, err := NewEngine(WithStorage(store))
	require.NoError(t, err)
	t.Cleanup(eng.Stop)
	return eng, store
}

func deploy(t *testing.T, eng *Engine, definition model.ProcessDefinition) model.ProcessDefinition {
	t.Helper()
	deployed, err := eng.DeployDefinition(t.Context(), definition)
	require.NoError(t, err)
	return deployed
}

// activityState returns the state of the latest execution of the
// definition id, or "" when none exists.
func activityState(t *testing.T, eng *Engine, processKey int64, definitionId string) runtime.ActivityState {
	t.Helper()
	activity, err := eng.persistence.FindActivityByDefinitionId(t.Context(), processKey, definitionId)
	if err != nil {
		return ""
	}
	return activity.State
}

func processState(t *testing.T, eng *Engine, processKey int64) runtime.ProcessState {
	t.Helper()
	process, err := eng.ProcessByKey(t.Context(), processKey)
	require.NoError(t, err)
	return process.State
}

func taskDefinition() model.ProcessDefinition {
	return model.ProcessDefinition{
		Key: "payment",
		Activities: []model.Activity{
			model.StartEvent{BaseActivity: model.BaseActivity{Id: "start", Outgoing: []string{"f1"}}},
			model.ExternalTask{BaseActivity: model.BaseActivity{Id: "charge", Incoming: []string{"f1"}, Outgoing: []string{"f2"}}, Topic: "charge-card", Retries: 2},
			model.EndEvent{BaseActivity: model.BaseActivity{Id: "end", Incoming: []string{"f2"}}},
		},
		Flows: []model.Flow{
			{Id: "f1", SourceRef: "start", TargetRef: "charge"},
			{Id: "f2", SourceRef: "charge", TargetRef: "end"},
		},
	}
}

func TestDeployDefinitionAssignsVersionPerKey(t *testing.T) {
	eng, _ := newTestEngine(t)

	// when
	first := deploy(t, eng, taskDefinition())
	second := deploy(t, eng, taskDefinition())

	// then
	assert.Equal(t, int32(1), first.Version)
	assert.Equal(t, int32(2), second.Version)
	assert.NotEqual(t, first.Id, second.Id)

	versions, err := eng.DefinitionsByKey(t.Context(), "payment")
	assert.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestDeployDefinitionRejectsInvalidGraph(t *testing.T) {
	eng, _ := newTestEngine(t)

	// given a definition without a none start event
	definition := model.ProcessDefinition{
		Key: "broken",
		Activities: []model.Activity{
			model.EndEvent{BaseActivity: model.BaseActivity{Id: "end"}},
		},
	}

	// when
	_, err := eng.DeployDefinition(t.Context(), definition)

	// then
	assert.Error(t, err)
}

func TestProcessRunsThroughExternalTask(t *testing.T) {
	eng, _ := newTestEngine(t)
	deploy(t, eng, taskDefinition())

	// when
	process, err := eng.StartProcessByKey(t.Context(), "payment", "order-1", map[string]any{"amount": int64(150)})
	require.NoError(t, err)

	// then the token waits on the worker task
	assert.Equal(t, runtime.ProcessStateActive, process.State)
	assert.Equal(t, runtime.ActivityStateCompleted, activityState(t, eng, process.Key, "start"))
	assert.Equal(t, runtime.ActivityStateActive, activityState(t, eng, process.Key, "charge"))

	// when a worker polls and completes it
	tasks, err := eng.PollExternalTasks(t.Context(), "charge-card", "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "charge", tasks[0].DefinitionId)

	err = eng.CompleteActivity(t.Context(), tasks[0].Key, map[string]any{"receipt": "r-42"})
	require.NoError(t, err)

	// then the process ends and the result is visible at the root
	assert.Equal(t, runtime.ProcessStateCompleted, processState(t, eng, process.Key))
	variables, err := eng.Variables(t.Context(), process.Key, "")
	assert.NoError(t, err)
	assert.Equal(t, int64(150), variables["amount"])
	assert.Equal(t, "r-42", variables["receipt"])
}

func TestCompleteActivityEvaluatesExpressionVariables(t *testing.T) {
	eng, _ := newTestEngine(t)
	deploy(t, eng, taskDefinition())
	process, err := eng.StartProcessByKey(t.Context(), "payment", "", map[string]any{"requester": "ada", "amount": int64(150)})
	require.NoError(t, err)
	task, err := eng.persistence.FindActivityByDefinitionId(t.Context(), process.Key, "charge")
	require.NoError(t, err)

	// when the worker reports expression-valued results
	err = eng.CompleteActivity(t.Context(), task.Key, map[string]any{
		"assignee": "=requester",
		"large":    "=amount > 100",
		"note":     "plain text",
	})
	require.NoError(t, err)

	// then expressions resolve against the task's scope, literals pass through
	variables, err := eng.Variables(t.Context(), process.Key, "")
	require.NoError(t, err)
	assert.Equal(t, "ada", variables["assignee"])
	assert.Equal(t, true, variables["large"])
	assert.Equal(t, "plain text", variables["note"])
}

func TestCompleteActivityTwiceReportsStaleTransition(t *testing.T) {
	eng, _ := newTestEngine(t)
	deploy(t, eng, taskDefinition())
	process, err := eng.StartProcessByKey(t.Context(), "payment", "", nil)
	require.NoError(t, err)

	// given a completed task
	tasks, err := eng.PollExternalTasks(t.Context(), "charge-card", "", 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, eng.CompleteActivity(t.Context(), tasks[0].Key, nil))

	// when the worker replays the completion
	err = eng.CompleteActivity(t.Context(), tasks[0].Key, nil)

	// then the duplicate is rejected as a stale transition
	var te *TransitionError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, runtime.ProcessStateCompleted, processState(t, eng, process.Key))
}

func TestTaskFailureConsumesRetriesThenRaisesIncident(t *testing.T) {
	eng, _ := newTestEngine(t)
	deploy(t, eng, taskDefinition())
	process, err := eng.StartProcessByKey(t.Context(), "payment", "", nil)
	require.NoError(t, err)
	task, err := eng.persistence.FindActivityByDefinitionId(t.Context(), process.Key, "charge")
	require.NoError(t, err)

	// when the task fails within its budget of 2 retries
	require.NoError(t, eng.FailActivity(t.Context(), task.Key, "card declined", ""))
	require.NoError(t, eng.FailActivity(t.Context(), task.Key, "card declined", ""))

	// then it stays available for the next poll
	assert.Equal(t, runtime.ActivityStateActive, activityState(t, eng, process.Key, "charge"))
	assert.Equal(t, runtime.ProcessStateActive, processState(t, eng, process.Key))

	// when the budget is exhausted
	require.NoError(t, eng.FailActivity(t.Context(), task.Key, "card declined", "stack"))

	// then the task fails for good and an incident flags the process
	assert.Equal(t, runtime.ActivityStateFailed, activityState(t, eng, process.Key, "charge"))
	assert.Equal(t, runtime.ProcessStateIncident, processState(t, eng, process.Key))

	incidents, err := eng.OpenIncidents(t.Context(), process.Key)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "card declined", incidents[0].Message)
	assert.Equal(t, task.Key, incidents[0].ActivityKey)
}

func TestResolveIncidentRetriesActivityAndResumesProcess(t *testing.T) {
	eng, _ := newTestEngine(t)
	deploy(t, eng, taskDefinition())
	process, err := eng.StartProcessByKey(t.Context(), "payment", "", nil)
	require.NoError(t, err)
	task, err := eng.persistence.FindActivityByDefinitionId(t.Context(), process.Key, "charge")
	require.NoError(t, err)

	// given an incident after the exhausted budget
	for range 3 {
		require.NoError(t, eng.FailActivity(t.Context(), task.Key, "card declined", ""))
	}
	incidents, err := eng.OpenIncidents(t.Context(), process.Key)
	require.NoError(t, err)
	require.Len(t, incidents, 1)

	// when the incident is resolved granting one more attempt
	require.NoError(t, eng.ResolveIncident(t.Context(), incidents[0].Key, 1))

	// then the task is active again and the process resumed
	resumed, err := eng.ActivityByKey(t.Context(), task.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateActive, resumed.State)
	assert.Equal(t, int32(1), resumed.Retries)
	assert.Nil(t, resumed.Failure)
	assert.Equal(t, runtime.ProcessStateActive, processState(t, eng, process.Key))

	open, err := eng.OpenIncidents(t.Context(), process.Key)
	require.NoError(t, err)
	assert.Empty(t, open)

	// and completing it finishes the process
	require.NoError(t, eng.CompleteActivity(t.Context(), task.Key, nil))
	assert.Equal(t, runtime.ProcessStateCompleted, processState(t, eng, process.Key))
}

func exclusiveGatewayDefinition() model.ProcessDefinition {
	return model.ProcessDefinition{
		Key: "routing",
		Activities: []model.Activity{
			model.StartEvent{BaseActivity: model.BaseActivity{Id: "start", Outgoing: []string{"f1"}}},
			model.ExclusiveGateway{BaseActivity: model.BaseActivity{Id: "route", Incoming: []string{"f1"}, Outgoing: []string{"high", "low"}}, Default: "low"},
			model.ExternalTask{BaseActivity: model.BaseActivity{Id: "review", Incoming: []string{"high"}, Outgoing: []string{"f2"}}, Topic: "review"},
			model.ExternalTask{BaseActivity: model.BaseActivity{Id: "auto", Incoming: []string{"low"}, Outgoing: []string{"f3"}}, Topic: "auto"},
			model.EndEvent{BaseActivity: model.BaseActivity{Id: "end", Incoming: []string{"f2", "f3"}}},
		},
		Flows: []model.Flow{
			{Id: "f1", SourceRef: "start", TargetRef: "route"},
			{Id: "high", SourceRef: "route", TargetRef: "review", Condition: "=amount > 1000"},
			{Id: "low", SourceRef: "route", TargetRef: "auto"},
			{Id: "f2", SourceRef: "review", TargetRef: "end"},
			{Id: "f3", SourceRef: "auto", TargetRef: "end"},
		},
	}
}

func TestExclusiveGatewayTakesMatchingFlow(t *testing.T) {
	eng, _ := newTestEngine(t)
	deploy(t, eng, exclusiveGatewayDefinition())

	// when
	process, err := eng.StartProcessByKey(t.Context(), "routing", "", map[string]any{"amount": int64(5000)})
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.ActivityStateActive, activityState(t, eng, process.Key, "review"))
	assert.Equal(t, runtime.ActivityState(""), activityState(t, eng, process.Key, "auto"))
}

func TestExclusiveGatewayFallsBackToDefault(t *testing.T) {
	eng, _ := newTestEngine(t)
	deploy(t, eng, exclusiveGatewayDefinition())

	// when
	process, err := eng.StartProcessByKey(t.Context(), "routing", "", map[string]any{"amount": int64(10)})
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.ActivityStateActive, activityState(t, eng, process.Key, "auto"))
	assert.Equal(t, runtime.ActivityState(""), activityState(t, eng, process.Key, "review"))
}

func TestExclusiveGatewayWithoutPathRaisesIncident(t *testing.T) {
	eng, _ := newTestEngine(t)
	definition := exclusiveGatewayDefinition()
	// strip the default so nothing matches for small amounts
	for i, a := range definition.Activities {
		if g, ok := a.(model.ExclusiveGateway); ok {
			g.Default = ""
			g.Outgoing = []string{"high"}
			definition.Activities[i] = g
		}
	}
	deploy(t, eng, definition)

	// when
	process, err := eng.StartProcessByKey(t.Context(), "routing", "", map[string]any{"amount": int64(10)})
	require.NoError(t, err)

	// then the gateway dead-ends into an incident
	assert.Equal(t, runtime.ActivityStateFailed, activityState(t, eng, process.Key, "route"))
	assert.Equal(t, runtime.ProcessStateIncident, processState(t, eng, process.Key))

	incidents, err := eng.OpenIncidents(t.Context(), process.Key)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Contains(t, incidents[0].Message, "route")
}

func TestParallelGatewayForksAndJoins(t *testing.T) {
	eng, _ := newTestEngine(t)
	deploy(t, eng, model.ProcessDefinition{
		Key: "parallel",
		Activities: []model.Activity{
			model.StartEvent{BaseActivity: model.BaseActivity{Id: "start", Outgoing: []string{"f1"}}},
			model.ParallelGateway{BaseActivity: model.BaseActivity{Id: "fork", Incoming: []string{"f1"}, Outgoing: []string{"fa", "fb"}}},
			model.ExternalTask{BaseActivity: model.BaseActivity{Id: "a", Incoming: []string{"fa"}, Outgoing: []string{"ja"}}, Topic: "a"},
			model.ExternalTask{BaseActivity: model.BaseActivity{Id: "b", Incoming: []string{"fb"}, Outgoing: []string{"jb"}}, Topic: "b"},
			model.ParallelGateway{BaseActivity: model.BaseActivity{Id: "join", Incoming: []string{"ja", "jb"}, Outgoing: []string{"f2"}}},
			model.EndEvent{BaseActivity: model.BaseActivity{Id: "end", Incoming: []string{"f2"}}},
		},
		Flows: []model.Flow{
			{Id: "f1", SourceRef: "start", TargetRef: "fork"},
			{Id: "fa", SourceRef: "fork", TargetRef: "a"},
			{Id: "fb", SourceRef: "fork", TargetRef: "b"},
			{Id: "ja", SourceRef: "a", TargetRef: "join"},
			{Id: "jb", SourceRef: "b", TargetRef: "join"},
			{Id: "f2", SourceRef: "join", TargetRef: "end"},
		},
	})

	// given both branches running
	process, err := eng.StartProcessByKey(t.Context(), "parallel", "", nil)
	require.NoError(t, err)
	require.Equal(t, runtime.ActivityStateActive, activityState(t, eng, process.Key, "a"))
	require.Equal(t, runtime.ActivityStateActive, activityState(t, eng, process.Key, "b"))

	// when only one branch arrives at the join
	require.NoError(t, eng.CompleteActivityByDefinitionId(t.Context(), process.Key, "a", nil))

	// then the join keeps waiting
	assert.Equal(t, runtime.ActivityStateActive, activityState(t, eng, process.Key, "join"))
	assert.Equal(t, runtime.ProcessStateActive, processState(t, eng, process.Key))

	// when the second branch arrives
	require.NoError(t, eng.CompleteActivityByDefinitionId(t.Context(), process.Key, "b", nil))

	// then the join releases and the process completes
	assert.Equal(t, runtime.ActivityStateCompleted, activityState(t, eng, process.Key, "join"))
	assert.Equal(t, runtime.ProcessStateCompleted, processState(t, eng, process.Key))
}

func TestMessageCorrelationCompletesReceiveTask(t *testing.T) {
	eng, _ := newTestEngine(t)
	deploy(t, eng, model.ProcessDefinition{
		Key: "shipment",
		Activities: []model.Activity{
			model.StartEvent{BaseActivity: model.BaseActivity{Id: "start", Outgoing: []string{"f1"}}},
			model.ReceiveTask{BaseActivity: model.BaseActivity{Id: "wait", Incoming: []string{"f1"}, Outgoing: []string{"f2"}}, MessageRef: "goods-shipped"},
			model.EndEvent{BaseActivity: model.BaseActivity{Id: "end", Incoming: []string{"f2"}}},
		},
		Flows: []model.Flow{
			{Id: "f1", SourceRef: "start", TargetRef: "wait"},
			{Id: "f2", SourceRef: "wait", TargetRef: "end"},
		},
	})
	process, err := eng.StartProcessByKey(t.Context(), "shipment", "order-7", nil)
	require.NoError(t, err)

	// when
	err = eng.CorrelateMessage(t.Context(), "goods-shipped", "order-7", map[string]any{"trackingId": "T1"})

	// then
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessStateCompleted, processState(t, eng, process.Key))
	variables, err := eng.Variables(t.Context(), process.Key, "")
	require.NoError(t, err)
	assert.Equal(t, "T1", variables["trackingId"])
}

func TestMessageCorrelationWithoutMatchFails(t *testing.T) {
	eng, _ := newTestEngine(t)

	// when
	err := eng.CorrelateMessage(t.Context(), "goods-shipped", "unknown", nil)

	// then
	var ce *CorrelationError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Ambiguous)
}

func TestMessageCorrelationWithTwoReceiversIsAmbiguous(t *testing.T) {
	eng, _ := newTestEngine(t)
	deploy(t, eng, model.ProcessDefinition{
		Key: "shipment",
		Activities: []model.Activity{
			model.StartEvent{BaseActivity: model.BaseActivity{Id: "start", Outgoing: []string{"f1"}}},
			model.ReceiveTask{BaseActivity: model.BaseActivity{Id: "wait", Incoming: []string{"f1"}}, MessageRef: "goods-shipped"},
		},
		Flows: []model.Flow{
			{Id: "f1", SourceRef: "start", TargetRef: "wait"},
		},
	})
	_, err := eng.StartProcessByKey(t.Context(), "shipment", "order-7", nil)
	require.NoError(t, err)
	_, err = eng.StartProcessByKey(t.Context(), "shipment", "order-7", nil)
	require.NoError(t, err)

	// when
	err = eng.CorrelateMessage(t.Context(), "goods-shipped", "order-7", nil)

	// then
	var ce *CorrelationError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Ambiguous)
	assert.Equal(t, 2, ce.Matches)
}

func TestTerminateProcessCancelsRunningActivities(t *testing.T) {
	eng, _ := newTestEngine(t)
	deploy(t, eng, taskDefinition())
	process, err := eng.StartProcessByKey(t.Context(), "payment", "", nil)
	require.NoError(t, err)

	// when
	require.NoError(t, eng.TerminateProcess(t.Context(), process.Key))

	// then
	assert.Equal(t, runtime.ProcessStateTerminated, processState(t, eng, process.Key))
	assert.Equal(t, runtime.ActivityStateTerminated, activityState(t, eng, process.Key, "charge"))

	// and a late completion is rejected
	task, err := eng.persistence.FindActivityByDefinitionId(t.Context(), process.Key, "charge")
	require.NoError(t, err)
	err = eng.CompleteActivity(t.Context(), task.Key, nil)
	var te *TransitionError
	assert.ErrorAs(t, err, &te)
}

func TestTerminateProcessTerminatesFailedActivities(t *testing.T) {
	eng, _ := newTestEngine(t)
	deploy(t, eng, taskDefinition())
	process, err := eng.StartProcessByKey(t.Context(), "payment", "", nil)
	require.NoError(t, err)
	task, err := eng.persistence.FindActivityByDefinitionId(t.Context(), process.Key, "charge")
	require.NoError(t, err)

	// given a task that exhausted its retry budget
	for range 3 {
		require.NoError(t, eng.FailActivity(t.Context(), task.Key, "card declined", ""))
	}
	require.Equal(t, runtime.ActivityStateFailed, activityState(t, eng, process.Key, "charge"))

	// when
	require.NoError(t, eng.TerminateProcess(t.Context(), process.Key))

	// then the failed execution does not outlive the process
	assert.Equal(t, runtime.ProcessStateTerminated, processState(t, eng, process.Key))
	assert.Equal(t, runtime.ActivityStateTerminated, activityState(t, eng, process.Key, "charge"))
}

func TestStartProcessByUnknownKeyFails(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.StartProcessByKey(t.Context(), "nope", "", nil)

	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVariableShadowingAcrossScopes(t *testing.T) {
	eng, _ := newTestEngine(t)
	deploy(t, eng, model.ProcessDefinition{
		Key: "scoped",
		Activities: []model.Activity{
			model.StartEvent{BaseActivity: model.BaseActivity{Id: "start", Outgoing: []string{"f1"}}},
			model.SubProcess{BaseActivity: model.BaseActivity{Id: "sub", Incoming: []string{"f1"}, Outgoing: []string{"f2"}}},
			model.StartEvent{BaseActivity: model.BaseActivity{Id: "sub-start", ParentId: "sub", Outgoing: []string{"f3"}}},
			model.ReceiveTask{BaseActivity: model.BaseActivity{Id: "wait", ParentId: "sub", Incoming: []string{"f3"}, Outgoing: []string{"f4"}}, MessageRef: "go"},
			model.EndEvent{BaseActivity: model.BaseActivity{Id: "sub-end", ParentId: "sub", Incoming: []string{"f4"}}},
			model.EndEvent{BaseActivity: model.BaseActivity{Id: "end", Incoming: []string{"f2"}}},
		},
		Flows: []model.Flow{
			{Id: "f1", SourceRef: "start", TargetRef: "sub"},
			{Id: "f2", SourceRef: "sub", TargetRef: "end"},
			{Id: "f3", SourceRef: "sub-start", TargetRef: "wait"},
			{Id: "f4", SourceRef: "wait", TargetRef: "sub-end"},
		},
	})

	// given a process with x at the root and a shadow on the subprocess
	process, err := eng.StartProcessByKey(t.Context(), "scoped", "", map[string]any{"x": int64(1)})
	require.NoError(t, err)
	require.NoError(t, eng.SetVariablesLocal(t.Context(), process.Key, "sub", map[string]any{"x": int64(2)}))

	// then the inner scope sees the shadow and the root its own value
	inner, err := eng.Variables(t.Context(), process.Key, "wait")
	require.NoError(t, err)
	assert.Equal(t, int64(2), inner["x"])

	root, err := eng.Variables(t.Context(), process.Key, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), root["x"])

	// when merging through the inner scope, the defining level is updated
	require.NoError(t, eng.SetVariables(t.Context(), process.Key, "wait", map[string]any{"x": int64(9)}))

	inner, err = eng.Variables(t.Context(), process.Key, "wait")
	require.NoError(t, err)
	assert.Equal(t, int64(9), inner["x"])

	root, err = eng.Variables(t.Context(), process.Key, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), root["x"], "outer definition must stay untouched")

	// and a brand-new key lands at the process root
	require.NoError(t, eng.SetVariables(t.Context(), process.Key, "wait", map[string]any{"fresh": true}))
	root, err = eng.Variables(t.Context(), process.Key, "")
	require.NoError(t, err)
	assert.Equal(t, true, root["fresh"])
}
