package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func orderDefinition() ProcessDefinition {
	return ProcessDefinition{
		Id:  "order:1:100",
		Key: "order",
		Activities: []Activity{
			StartEvent{BaseActivity: BaseActivity{Id: "start", Outgoing: []string{"f1"}}},
			SubProcess{BaseActivity: BaseActivity{Id: "shipping", Incoming: []string{"f1"}, Outgoing: []string{"f2"}}},
			StartEvent{BaseActivity: BaseActivity{Id: "shipping-start", ParentId: "shipping", Outgoing: []string{"f3"}}},
			ExternalTask{BaseActivity: BaseActivity{Id: "ship", ParentId: "shipping", Incoming: []string{"f3"}, Outgoing: []string{"f4"}}, Topic: "ship"},
			EndEvent{BaseActivity: BaseActivity{Id: "shipping-end", ParentId: "shipping", Incoming: []string{"f4"}}},
			BoundaryEvent{BaseActivity: BaseActivity{Id: "shipping-timeout", Outgoing: []string{"f5"}}, AttachedToRef: "shipping", Timer: &TimerDefinition{Duration: "PT1H"}},
			EndEvent{BaseActivity: BaseActivity{Id: "end", Incoming: []string{"f2"}}},
		},
		Flows: []Flow{
			{Id: "f1", SourceRef: "start", TargetRef: "shipping"},
			{Id: "f2", SourceRef: "shipping", TargetRef: "end"},
			{Id: "f3", SourceRef: "shipping-start", TargetRef: "ship"},
			{Id: "f4", SourceRef: "ship", TargetRef: "shipping-end"},
			{Id: "f5", SourceRef: "shipping-timeout", TargetRef: "end"},
		},
	}
}

func TestScopeWalksParentChainToDefinition(t *testing.T) {
	d := orderDefinition()

	assert.Equal(t, []string{"ship", "shipping", "order:1:100"}, d.Scope("ship"))
	assert.Equal(t, []string{"start", "order:1:100"}, d.Scope("start"))
}

func TestStartActivityFindsNoneStart(t *testing.T) {
	d := orderDefinition()

	start, err := d.StartActivity()

	assert.NoError(t, err)
	assert.Equal(t, "start", start.Id)
}

func TestStartActivityIgnoresTriggeredAndNestedStarts(t *testing.T) {
	d := ProcessDefinition{
		Id:  "p:1:1",
		Key: "p",
		Activities: []Activity{
			StartEvent{BaseActivity: BaseActivity{Id: "msg-start"}, Message: "go"},
		},
	}

	_, err := d.StartActivity()

	assert.Error(t, err)
}

func TestChildrenOfSelectsDirectChildren(t *testing.T) {
	d := orderDefinition()

	children := d.ChildrenOf("shipping")

	ids := make([]string, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.GetId())
	}
	assert.Equal(t, []string{"shipping-start", "ship", "shipping-end"}, ids)
}

func TestBoundaryEventsByHost(t *testing.T) {
	d := orderDefinition()

	events := d.BoundaryEvents("shipping")

	assert.Len(t, events, 1)
	assert.Equal(t, "shipping-timeout", events[0].Id)
}

func TestOutgoingFlowsResolveByActivity(t *testing.T) {
	d := orderDefinition()

	flows := d.OutgoingFlows(d.ActivityById("shipping"))

	assert.Len(t, flows, 1)
	assert.Equal(t, "end", flows[0].TargetRef)
}

func TestValidateAcceptsWellFormedDefinition(t *testing.T) {
	d := orderDefinition()

	assert.NoError(t, d.Validate())
}

func TestValidateRejectsDuplicateIds(t *testing.T) {
	d := orderDefinition()
	d.Activities = append(d.Activities, ExternalTask{BaseActivity: BaseActivity{Id: "ship"}})

	err := d.Validate()

	assert.ErrorContains(t, err, "duplicate activity id")
}

func TestValidateRejectsUnknownParent(t *testing.T) {
	d := orderDefinition()
	d.Activities = append(d.Activities, ExternalTask{BaseActivity: BaseActivity{Id: "lost", ParentId: "nowhere"}})

	err := d.Validate()

	assert.ErrorContains(t, err, "unknown parent")
}

func TestValidateRejectsCyclicParents(t *testing.T) {
	d := ProcessDefinition{
		Id:  "loop:1:1",
		Key: "loop",
		Activities: []Activity{
			StartEvent{BaseActivity: BaseActivity{Id: "start"}},
			SubProcess{BaseActivity: BaseActivity{Id: "a", ParentId: "b"}},
			SubProcess{BaseActivity: BaseActivity{Id: "b", ParentId: "a"}},
		},
	}

	err := d.Validate()

	assert.ErrorContains(t, err, "cyclic parent chain")
}

func TestEventSubProcessStartsAtScope(t *testing.T) {
	d := ProcessDefinition{
		Id:  "p:1:1",
		Key: "p",
		Activities: []Activity{
			StartEvent{BaseActivity: BaseActivity{Id: "start"}},
			EventSubProcess{BaseActivity: BaseActivity{Id: "on-error"}},
			StartEvent{BaseActivity: BaseActivity{Id: "error-start", ParentId: "on-error"}, ErrorCode: "E1"},
			SubProcess{BaseActivity: BaseActivity{Id: "inner"}},
			EventSubProcess{BaseActivity: BaseActivity{Id: "inner-esp", ParentId: "inner"}},
			StartEvent{BaseActivity: BaseActivity{Id: "inner-esp-start", ParentId: "inner-esp"}, Message: "poke"},
		},
	}

	rootStarts := d.EventSubProcessStarts("")
	innerStarts := d.EventSubProcessStarts("inner")

	assert.Len(t, rootStarts, 1)
	assert.Equal(t, "error-start", rootStarts[0].Id)
	assert.Len(t, innerStarts, 1)
	assert.Equal(t, "inner-esp-start", innerStarts[0].Id)
}

func TestTimerDueAtShiftsByDuration(t *testing.T) {
	timer := TimerDefinition{Duration: "PT2H"}

	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	due, err := timer.DueAt(from)

	assert.NoError(t, err)
	assert.Equal(t, from.Add(2*time.Hour), due)
}

func TestTimerDueAtRejectsGarbage(t *testing.T) {
	_, err := TimerDefinition{Duration: "in a while"}.DueAt(time.Now())

	assert.Error(t, err)
}
