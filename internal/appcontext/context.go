// Package appcontext carries engine correlation identifiers through a
// context so that log lines emitted deep inside command handling can be
// tied back to the process and activity they belong to.
package appcontext

import "context"

type contextKey string

const (
	processKey  contextKey = "processKey"
	activityKey contextKey = "activityKey"
)

func WithProcessKey(ctx context.Context, key int64) context.Context {
	return context.WithValue(ctx, processKey, key)
}

func WithActivityKey(ctx context.Context, key int64) context.Context {
	return context.WithValue(ctx, activityKey, key)
}

func ProcessKey(ctx context.Context) (int64, bool) {
	key, ok := ctx.Value(processKey).(int64)
	return key, ok
}

func ActivityKey(ctx context.Context) (int64, bool) {
	key, ok := ctx.Value(activityKey).(int64)
	return key, ok
}
