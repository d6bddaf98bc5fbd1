package appcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationKeysRoundTrip(t *testing.T) {
	ctx := WithProcessKey(context.Background(), 42)
	ctx = WithActivityKey(ctx, 7)

	process, ok := ProcessKey(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(42), process)

	activity, ok := ActivityKey(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(7), activity)

	_, ok = ProcessKey(context.Background())
	assert.False(t, ok)
	_, ok = ActivityKey(context.Background())
	assert.False(t, ok)
}
