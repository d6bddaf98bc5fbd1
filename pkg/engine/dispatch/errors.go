package dispatch

import (
	"errors"
	"fmt"
)

// ErrNoHandler marks a dispatch for a command type nothing is registered
// for.
var ErrNoHandler = errors.New("no handler registered")

// Error wraps any dispatch failure with the command type it concerns.
// The original cause is preserved for diagnostics.
type Error struct {
	CommandType string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.CommandType, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
