package model

import (
	"fmt"
)

// Message declares a message name processes of this definition may receive.
type Message struct {
	Name string `json:"name"`
}

// Error declares a named error code the definition may throw or catch.
type Error struct {
	Name string `json:"name,omitempty"`
	Code string `json:"code"`
}

// ProcessDefinition is an immutable, versioned process template.
// Definitions are created once at deployment and never mutated in place;
// redeploying the same Key produces a new Id with an incremented Version.
type ProcessDefinition struct {
	// Id uniquely identifies this definition version.
	Id string `json:"id"`

	// Key is the logical process name shared by all versions.
	Key        string            `json:"key"`
	Version    int32             `json:"version"`
	Name       string            `json:"name,omitempty"`
	Activities []Activity        `json:"-"`
	Flows      []Flow            `json:"flows,omitempty"`
	Messages   []Message         `json:"messages,omitempty"`
	Errors     []Error           `json:"errors,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ActivityById returns the activity definition with the given id, or nil.
func (d *ProcessDefinition) ActivityById(id string) Activity {
	for _, a := range d.Activities {
		if a.GetId() == id {
			return a
		}
	}
	return nil
}

// StartActivity returns the unique top-level start event without a trigger.
func (d *ProcessDefinition) StartActivity() (StartEvent, error) {
	for _, a := range d.Activities {
		se, ok := a.(StartEvent)
		if !ok || se.GetParentId() != "" {
			continue
		}
		if se.IsNone() {
			return se, nil
		}
	}
	return StartEvent{}, fmt.Errorf("process definition %s has no none start event", d.Id)
}

// Scope returns the ancestor chain of the given activity: the activity id
// itself, each enclosing activity id walking parentId upward, and finally
// the process definition id. The chain orders variable visibility and
// correlation precedence, innermost first.
func (d *ProcessDefinition) Scope(activityId string) []string {
	scope := []string{activityId}
	current := d.ActivityById(activityId)
	for current != nil && current.GetParentId() != "" && len(scope) <= len(d.Activities) {
		parentId := current.GetParentId()
		scope = append(scope, parentId)
		current = d.ActivityById(parentId)
	}
	return append(scope, d.Id)
}

// ChildrenOf returns the direct children of the given activity id.
// An empty parentId selects the top-level activities.
func (d *ProcessDefinition) ChildrenOf(parentId string) []Activity {
	var children []Activity
	for _, a := range d.Activities {
		if a.GetParentId() == parentId {
			children = append(children, a)
		}
	}
	return children
}

// FlowById returns the sequence flow with the given id, or nil.
func (d *ProcessDefinition) FlowById(id string) *Flow {
	for i := range d.Flows {
		if d.Flows[i].Id == id {
			return &d.Flows[i]
		}
	}
	return nil
}

// OutgoingFlows resolves the outbound sequence flows of an activity.
func (d *ProcessDefinition) OutgoingFlows(a Activity) []Flow {
	flows := make([]Flow, 0, len(a.GetOutgoing()))
	for _, id := range a.GetOutgoing() {
		if f := d.FlowById(id); f != nil {
			flows = append(flows, *f)
		}
	}
	return flows
}

// BoundaryEvents returns every boundary event attached to the given activity.
func (d *ProcessDefinition) BoundaryEvents(attachedToRef string) []BoundaryEvent {
	var events []BoundaryEvent
	for _, a := range d.Activities {
		if be, ok := a.(BoundaryEvent); ok && be.AttachedToRef == attachedToRef {
			events = append(events, be)
		}
	}
	return events
}

// EventSubProcessStarts returns the triggered start events of every event
// subprocess whose parent is the given scope id.
func (d *ProcessDefinition) EventSubProcessStarts(parentId string) []StartEvent {
	var starts []StartEvent
	for _, a := range d.Activities {
		esp, ok := a.(EventSubProcess)
		if !ok || esp.GetParentId() != parentId {
			continue
		}
		for _, child := range d.ChildrenOf(esp.GetId()) {
			if se, ok := child.(StartEvent); ok && !se.IsNone() {
				starts = append(starts, se)
			}
		}
	}
	return starts
}

// Validate checks the structural invariants of the definition: unique
// activity ids, resolvable parent references, an acyclic ancestor chain,
// and the presence of a none start event.
func (d *ProcessDefinition) Validate() error {
	seen := make(map[string]bool, len(d.Activities))
	for _, a := range d.Activities {
		id := a.GetId()
		if id == "" {
			return fmt.Errorf("definition %s: activity without id", d.Id)
		}
		if seen[id] {
			return fmt.Errorf("definition %s: duplicate activity id %s", d.Id, id)
		}
		seen[id] = true
	}
	for _, a := range d.Activities {
		if pid := a.GetParentId(); pid != "" && !seen[pid] {
			return fmt.Errorf("definition %s: activity %s references unknown parent %s", d.Id, a.GetId(), pid)
		}
	}
	for _, a := range d.Activities {
		if len(d.Scope(a.GetId())) > len(d.Activities)+1 {
			return fmt.Errorf("definition %s: cyclic parent chain at activity %s", d.Id, a.GetId())
		}
	}
	if _, err := d.StartActivity(); err != nil {
		return err
	}
	return nil
}
