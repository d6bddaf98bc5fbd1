package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leorces/leorces/internal/config"
	"github.com/leorces/leorces/pkg/engine"
	"github.com/leorces/leorces/pkg/ptr"
	"github.com/leorces/leorces/pkg/runtime"
	"github.com/leorces/leorces/pkg/storage/inmemory"
)

func newTestScheduler(t *testing.T, conf config.Scheduler) (*Scheduler, *inmemory.Storage) {
	t.Helper()
	store := inmemory.NewStorage()
	eng, err := engine.NewEngine(engine.WithStorage(store), engine.WithName("node-a"))
	require.NoError(t, err)
	t.Cleanup(eng.Stop)
	return New(eng, store, conf), store
}

func TestStartRejectsBadCronSpec(t *testing.T) {
	s, _ := newTestScheduler(t, config.Scheduler{
		TimerSweepCron: "not a cron spec",
		CompactionCron: "@hourly",
	})

	err := s.Start()

	assert.Error(t, err)
}

func TestWithLeaseSkipsWhenAnotherReplicaHoldsIt(t *testing.T) {
	s, store := newTestScheduler(t, config.Scheduler{LeaseSeconds: 30})

	// given the lease is held elsewhere
	held, err := store.TryAcquireLease(context.Background(), "timer-sweep", time.Now().Add(time.Minute), "node-b")
	require.NoError(t, err)
	require.True(t, held)

	// when
	ran := false
	s.withLease("timer-sweep", func(ctx context.Context) { ran = true })

	// then
	assert.False(t, ran)

	// and once the holder lets go the job runs and releases afterwards
	require.NoError(t, store.ReleaseLease(context.Background(), "timer-sweep", "node-b"))
	s.withLease("timer-sweep", func(ctx context.Context) { ran = true })
	assert.True(t, ran)

	reclaimed, err := store.TryAcquireLease(context.Background(), "timer-sweep", time.Now().Add(time.Minute), "node-b")
	require.NoError(t, err)
	assert.True(t, reclaimed)
}

func TestReplicasWithSameNameGetDistinctLeaseOwners(t *testing.T) {
	store := inmemory.NewStorage()
	newNode := func() *Scheduler {
		eng, err := engine.NewEngine(engine.WithStorage(store), engine.WithName("node-a"))
		require.NoError(t, err)
		t.Cleanup(eng.Stop)
		return New(eng, store, config.Scheduler{LeaseSeconds: 30})
	}
	first := newNode()
	second := newNode()

	// given both replicas carry the same configured name
	assert.NotEqual(t, first.owner, second.owner)

	// when the first replica holds the lease
	held, err := store.TryAcquireLease(context.Background(), "timer-sweep", time.Now().Add(time.Minute), first.owner)
	require.NoError(t, err)
	require.True(t, held)

	// then the second one stays idle instead of stealing it
	ran := false
	second.withLease("timer-sweep", func(ctx context.Context) { ran = true })
	assert.False(t, ran)
}

func TestCompactionRemovesExpiredHistory(t *testing.T) {
	s, store := newTestScheduler(t, config.Scheduler{
		LeaseSeconds:   30,
		RetentionHours: 24,
		BatchSize:      100,
	})

	// given one process past retention and one inside it
	oldEnd := time.Now().Add(-48 * time.Hour)
	recentEnd := time.Now().Add(-time.Hour)
	ended := func(key int64, endedAt time.Time) runtime.Process {
		return runtime.Process{
			Key:          key,
			DefinitionId: "payment:1",
			State:        runtime.ProcessStateCompleted,
			CreatedAt:    endedAt.Add(-time.Minute),
			EndedAt:      ptr.To(endedAt),
		}
	}
	require.NoError(t, store.SaveProcess(context.Background(), ended(1, oldEnd)))
	require.NoError(t, store.SaveProcess(context.Background(), ended(2, recentEnd)))

	// when
	s.compaction()

	// then
	_, err := store.FindProcessByKey(context.Background(), 1)
	assert.Error(t, err)
	_, err = store.FindProcessByKey(context.Background(), 2)
	assert.NoError(t, err)
}
