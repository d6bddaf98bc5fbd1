// Package scheduler runs the engine's background jobs on cron schedules:
// the timer sweep that fires due timers and fails timed-out tasks, and
// history compaction. Each job runs under a storage lease so that only
// one replica works at a time.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/leorces/leorces/internal/config"
	"github.com/leorces/leorces/internal/log"
	"github.com/leorces/leorces/pkg/engine"
	"github.com/leorces/leorces/pkg/storage"
)

const (
	leaseTimerSweep = "timer-sweep"
	leaseCompaction = "history-compaction"
)

type Scheduler struct {
	cron   *cron.Cron
	engine *engine.Engine
	leases storage.LeaseStorage
	conf   config.Scheduler
	owner  string
}

func New(eng *engine.Engine, leases storage.LeaseStorage, conf config.Scheduler) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		engine: eng,
		leases: leases,
		conf:   conf,
		// replicas often share the configured engine name, so the lease
		// owner carries a per-instance suffix to keep releases honest
		owner:  fmt.Sprintf("%s-%s", eng.Name(), uuid.NewString()),
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.conf.TimerSweepCron, s.timerSweep); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.conf.CompactionCron, s.compaction); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop waits for a running job to finish before returning.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) timerSweep() {
	s.withLease(leaseTimerSweep, func(ctx context.Context) {
		acted, err := s.engine.RunTimerSweep(ctx, s.conf.BatchSize)
		if err != nil {
			log.Errorf(ctx, "timer sweep failed: %s", err)
			return
		}
		if acted > 0 {
			log.Debugf(ctx, "timer sweep acted on %d executions", acted)
		}
	})
}

func (s *Scheduler) compaction() {
	s.withLease(leaseCompaction, func(ctx context.Context) {
		cutoff := time.Now().Add(-time.Duration(s.conf.RetentionHours) * time.Hour)
		var total int
		for {
			removed, err := s.engine.CompactHistory(ctx, cutoff, s.conf.BatchSize)
			if err != nil {
				log.Errorf(ctx, "history compaction failed: %s", err)
				return
			}
			total += removed
			if removed == 0 || removed < s.conf.BatchSize {
				break
			}
		}
		if total > 0 {
			log.Infof(ctx, "history compaction removed %d processes", total)
		}
	})
}

// withLease runs fn only when this replica holds the named lease. Losing
// the race is the normal case on all but one replica and is not logged.
func (s *Scheduler) withLease(name string, fn func(ctx context.Context)) {
	ctx := context.Background()
	until := time.Now().Add(time.Duration(s.conf.LeaseSeconds) * time.Second)
	acquired, err := s.leases.TryAcquireLease(ctx, name, until, s.owner)
	if err != nil {
		log.Errorf(ctx, "failed to acquire lease %s: %s", name, err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.leases.ReleaseLease(ctx, name, s.owner); err != nil {
			log.Errorf(ctx, "failed to release lease %s: %s", name, err)
		}
	}()
	fn(ctx)
}
