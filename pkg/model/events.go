package model

import (
	"fmt"
	"time"

	"github.com/senseyeio/duration"
)

// TimerDefinition describes when a timer event fires, as an ISO-8601
// duration relative to the moment the event becomes active.
type TimerDefinition struct {
	Duration string `json:"duration"`
}

// DueAt returns the absolute firing time for a timer activated at from.
func (t TimerDefinition) DueAt(from time.Time) (time.Time, error) {
	d, err := duration.ParseISO8601(t.Duration)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timer duration %q: %w", t.Duration, err)
	}
	return d.Shift(from), nil
}

// StartEvent starts a process or, when its parent is an event subprocess,
// waits for the trigger it declares. At most one trigger field is set;
// a start event without any trigger is the plain sequential start.
type StartEvent struct {
	BaseActivity
	Message        string           `json:"message,omitempty"`
	ErrorCode      string           `json:"errorCode,omitempty"`
	EscalationCode string           `json:"escalationCode,omitempty"`
	Timer          *TimerDefinition `json:"timer,omitempty"`
	Condition      string           `json:"condition,omitempty"`
}

func (e StartEvent) GetType() ActivityType {
	return ActivityTypeStartEvent
}

// IsNone reports whether the start event has no trigger at all.
func (e StartEvent) IsNone() bool {
	return e.Message == "" && e.ErrorCode == "" && e.EscalationCode == "" && e.Timer == nil && e.Condition == ""
}

// EndEvent finishes its scope. A typed end event additionally throws the
// signal it declares: an error code, an escalation code, or termination of
// the enclosing scope.
type EndEvent struct {
	BaseActivity
	ErrorCode      string `json:"errorCode,omitempty"`
	EscalationCode string `json:"escalationCode,omitempty"`
	Terminate      bool   `json:"terminate,omitempty"`
}

func (e EndEvent) GetType() ActivityType {
	return ActivityTypeEndEvent
}

// IntermediateCatchEvent pauses the flow until its trigger fires:
// a correlated message, an elapsed timer, or a condition becoming true.
type IntermediateCatchEvent struct {
	BaseActivity
	Message   string           `json:"message,omitempty"`
	Timer     *TimerDefinition `json:"timer,omitempty"`
	Condition string           `json:"condition,omitempty"`
}

func (e IntermediateCatchEvent) GetType() ActivityType {
	return ActivityTypeIntermediateCatch
}

// IntermediateThrowEvent emits its signal and continues immediately.
type IntermediateThrowEvent struct {
	BaseActivity
	Message        string `json:"message,omitempty"`
	EscalationCode string `json:"escalationCode,omitempty"`
}

func (e IntermediateThrowEvent) GetType() ActivityType {
	return ActivityTypeIntermediateThrow
}

// BoundaryEvent is attached to a host activity and observes it. When it
// fires with CancelActivity set, the host is terminated first. Exactly one
// trigger field is set.
type BoundaryEvent struct {
	BaseActivity
	AttachedToRef  string           `json:"attachedToRef"`
	CancelActivity bool             `json:"cancelActivity,omitempty"`
	ErrorCode      string           `json:"errorCode,omitempty"`
	EscalationCode string           `json:"escalationCode,omitempty"`
	Message        string           `json:"message,omitempty"`
	Timer          *TimerDefinition `json:"timer,omitempty"`
}

func (e BoundaryEvent) GetType() ActivityType {
	return ActivityTypeBoundaryEvent
}
