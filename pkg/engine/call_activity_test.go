package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leorces/leorces/pkg/model"
	"github.com/leorces/leorces/pkg/runtime"
)

func shippingChildDefinition() model.ProcessDefinition {
	return model.ProcessDefinition{
		Key: "shipping-child",
		Activities: []model.Activity{
			model.StartEvent{BaseActivity: model.BaseActivity{Id: "start", Outgoing: []string{"f1"}}},
			model.ExternalTask{BaseActivity: model.BaseActivity{Id: "ship", Incoming: []string{"f1"}, Outgoing: []string{"f2"}}, Topic: "ship-goods"},
			model.EndEvent{BaseActivity: model.BaseActivity{Id: "end", Incoming: []string{"f2"}}},
		},
		Flows: []model.Flow{
			{Id: "f1", SourceRef: "start", TargetRef: "ship"},
			{Id: "f2", SourceRef: "ship", TargetRef: "end"},
		},
	}
}

func callerDefinition(multiInstance *model.MultiInstance) model.ProcessDefinition {
	return model.ProcessDefinition{
		Key: "order",
		Activities: []model.Activity{
			model.StartEvent{BaseActivity: model.BaseActivity{Id: "start", Outgoing: []string{"f1"}}},
			model.CallActivity{
				BaseActivity:  model.BaseActivity{Id: "call", Incoming: []string{"f1"}, Outgoing: []string{"f2"}},
				CalledElement: "shipping-child",
				Inputs:        []model.IoMapping{{Source: "orderId", Target: "orderId"}},
				Outputs:       []model.IoMapping{{Source: "result", Target: "childResult"}},
				MultiInstance: multiInstance,
			},
			model.EndEvent{BaseActivity: model.BaseActivity{Id: "end", Incoming: []string{"f2"}}},
		},
		Flows: []model.Flow{
			{Id: "f1", SourceRef: "start", TargetRef: "call"},
			{Id: "f2", SourceRef: "call", TargetRef: "end"},
		},
	}
}

func TestCallActivitySpawnsChildAndMapsOutputs(t *testing.T) {
	eng, store := newTestEngine(t)
	deploy(t, eng, shippingChildDefinition())
	deploy(t, eng, callerDefinition(nil))

	// when
	parent, err := eng.StartProcessByKey(t.Context(), "order", "order-9", map[string]any{"orderId": "o-9"})
	require.NoError(t, err)

	// then a child process waits on its worker task
	call, err := eng.persistence.FindActivityByDefinitionId(t.Context(), parent.Key, "call")
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateActive, call.State)

	children, err := store.FindChildProcesses(t.Context(), call.Key)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, runtime.ProcessStateActive, children[0].State)
	assert.Equal(t, parent.Key, children[0].ParentKey)
	assert.Equal(t, parent.Key, children[0].RootKey)
	assert.Equal(t, "order-9", children[0].BusinessKey)

	// and only the mapped input crossed the boundary
	childVars, err := eng.Variables(t.Context(), children[0].Key, "")
	require.NoError(t, err)
	assert.Equal(t, "o-9", childVars["orderId"])

	// when the child's task completes
	tasks, err := eng.PollExternalTasks(t.Context(), "ship-goods", "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, eng.CompleteActivity(t.Context(), tasks[0].Key, map[string]any{"result": "shipped"}))

	// then the child ends and the caller picks up the mapped output
	require.Eventually(t, func() bool {
		return processState(t, eng, parent.Key) == runtime.ProcessStateCompleted
	}, 2*time.Second, 10*time.Millisecond)
	parentVars, err := eng.Variables(t.Context(), parent.Key, "")
	require.NoError(t, err)
	assert.Equal(t, "shipped", parentVars["childResult"])
}

func TestCallActivityFansOutOverCollection(t *testing.T) {
	eng, store := newTestEngine(t)
	deploy(t, eng, shippingChildDefinition())
	deploy(t, eng, callerDefinition(&model.MultiInstance{Collection: "=parcels", ElementVariable: "parcel"}))

	// when
	parent, err := eng.StartProcessByKey(t.Context(), "order", "order-10", map[string]any{
		"orderId": "o-10",
		"parcels": []any{"p-1", "p-2"},
	})
	require.NoError(t, err)

	// then one child per element, each seeing its own element variable
	call, err := eng.persistence.FindActivityByDefinitionId(t.Context(), parent.Key, "call")
	require.NoError(t, err)
	children, err := store.FindChildProcesses(t.Context(), call.Key)
	require.NoError(t, err)
	require.Len(t, children, 2)

	var parcels []any
	for i := range children {
		vars, err := eng.Variables(t.Context(), children[i].Key, "")
		require.NoError(t, err)
		assert.Equal(t, "o-10", vars["orderId"])
		parcels = append(parcels, vars["parcel"])
	}
	assert.ElementsMatch(t, []any{"p-1", "p-2"}, parcels)

	// when both children finish
	tasks, err := eng.PollExternalTasks(t.Context(), "ship-goods", "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for i := range tasks {
		require.NoError(t, eng.CompleteActivity(t.Context(), tasks[i].Key, map[string]any{"result": "shipped"}))
	}

	// then the caller completes only after the last child
	require.Eventually(t, func() bool {
		return processState(t, eng, parent.Key) == runtime.ProcessStateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTerminatedChildCascadesToCaller(t *testing.T) {
	eng, store := newTestEngine(t)
	deploy(t, eng, shippingChildDefinition())
	deploy(t, eng, callerDefinition(nil))

	parent, err := eng.StartProcessByKey(t.Context(), "order", "order-11", map[string]any{"orderId": "o-11"})
	require.NoError(t, err)
	call, err := eng.persistence.FindActivityByDefinitionId(t.Context(), parent.Key, "call")
	require.NoError(t, err)
	children, err := store.FindChildProcesses(t.Context(), call.Key)
	require.NoError(t, err)
	require.Len(t, children, 1)

	// when the child is terminated from outside
	require.NoError(t, eng.TerminateProcess(t.Context(), children[0].Key))

	// then the termination cascades up through the call activity
	require.Eventually(t, func() bool {
		return processState(t, eng, parent.Key) == runtime.ProcessStateTerminated
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, runtime.ActivityStateTerminated, activityState(t, eng, parent.Key, "call"))
}

func TestCallerTerminationTerminatesChildren(t *testing.T) {
	eng, store := newTestEngine(t)
	deploy(t, eng, shippingChildDefinition())
	deploy(t, eng, callerDefinition(nil))

	parent, err := eng.StartProcessByKey(t.Context(), "order", "order-12", map[string]any{"orderId": "o-12"})
	require.NoError(t, err)
	call, err := eng.persistence.FindActivityByDefinitionId(t.Context(), parent.Key, "call")
	require.NoError(t, err)
	children, err := store.FindChildProcesses(t.Context(), call.Key)
	require.NoError(t, err)
	require.Len(t, children, 1)

	// when
	require.NoError(t, eng.TerminateProcess(t.Context(), parent.Key))

	// then
	assert.Equal(t, runtime.ProcessStateTerminated, processState(t, eng, parent.Key))
	assert.Equal(t, runtime.ProcessStateTerminated, processState(t, eng, children[0].Key))
	assert.Equal(t, runtime.ActivityStateTerminated, activityState(t, eng, parent.Key, "call"))
}
