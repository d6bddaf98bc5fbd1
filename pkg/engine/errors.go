package engine

import (
	"fmt"

	"github.com/leorces/leorces/pkg/runtime"
)

// EngineError is the base error for engine-level failures.
type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...any) error {
	return &EngineError{Msg: fmt.Sprintf(format, a...)}
}

// TransitionError marks an illegal activity state change. Callers that
// raced a transition must treat it as "someone else already advanced this
// instance", not as a hard failure.
type TransitionError struct {
	ActivityKey int64
	From        runtime.ActivityState
	To          runtime.ActivityState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition for activity %d: %s -> %s", e.ActivityKey, e.From, e.To)
}

// GatewayError marks a gateway whose outgoing edges offer no valid path.
// It is a modeling defect; the owning process moves to INCIDENT.
type GatewayError struct {
	DefinitionId string
	Msg          string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.DefinitionId, e.Msg)
}

// CorrelationError distinguishes a failed correlation from a successful
// single match: either nothing matched or the match was ambiguous.
type CorrelationError struct {
	Name      string
	Matches   int
	Ambiguous bool
}

func (e *CorrelationError) Error() string {
	if e.Ambiguous {
		return fmt.Sprintf("ambiguous correlation for %q: %d processes matched", e.Name, e.Matches)
	}
	return fmt.Sprintf("no processes correlated for %q", e.Name)
}
