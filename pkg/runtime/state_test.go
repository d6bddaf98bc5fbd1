package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActivityStateTransitions(t *testing.T) {
	tests := []struct {
		from    ActivityState
		to      ActivityState
		allowed bool
	}{
		{ActivityStateScheduled, ActivityStateActive, true},
		{ActivityStateScheduled, ActivityStateTerminated, true},
		{ActivityStateScheduled, ActivityStateCompleted, false},
		{ActivityStateActive, ActivityStateCompleted, true},
		{ActivityStateActive, ActivityStateFailed, true},
		{ActivityStateActive, ActivityStateTerminated, true},
		{ActivityStateActive, ActivityStateScheduled, false},
		{ActivityStateFailed, ActivityStateActive, true},
		{ActivityStateFailed, ActivityStateTerminated, true},
		{ActivityStateFailed, ActivityStateCompleted, false},
		{ActivityStateCompleted, ActivityStateActive, false},
		{ActivityStateTerminated, ActivityStateActive, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestActivityStateTerminality(t *testing.T) {
	assert.True(t, ActivityStateCompleted.IsTerminal())
	assert.True(t, ActivityStateTerminated.IsTerminal())
	assert.False(t, ActivityStateFailed.IsTerminal())
	assert.False(t, ActivityStateActive.IsTerminal())
	assert.False(t, ActivityStateScheduled.IsTerminal())
}

func TestProcessStateTerminality(t *testing.T) {
	assert.True(t, ProcessStateCompleted.IsTerminal())
	assert.True(t, ProcessStateTerminated.IsTerminal())
	assert.False(t, ProcessStateActive.IsTerminal())
	assert.False(t, ProcessStateIncident.IsTerminal())
}

func TestVariableEncodeDecodeRoundTrip(t *testing.T) {
	values := []any{nil, true, int64(42), 3.14, "hello", []any{"a", "b"}, map[string]any{"k": "v"}}
	for _, value := range values {
		encoded, typ, err := EncodeValue(value)
		assert.NoError(t, err)

		decoded, err := Variable{Value: encoded, Type: typ}.Decode()
		assert.NoError(t, err)
		assert.Equal(t, value, decoded)
	}
}

func TestVariableDecodeUnknownTypeFails(t *testing.T) {
	_, err := Variable{Value: "x", Type: "blob"}.Decode()

	assert.Error(t, err)
}
