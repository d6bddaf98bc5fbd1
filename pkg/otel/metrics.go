package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type EngineMetrics struct {
	ProcessesStarted metric.Int64Counter
	ProcessesEnded   metric.Int64Counter
	TasksPolled      metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	IncidentsRaised  metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error

	processesStarted, err := meter.Int64Counter("processes_started", metric.WithDescription("Number of processes started"))
	errJoin = errors.Join(errJoin, err)

	processesEnded, err := meter.Int64Counter("processes_ended", metric.WithDescription("Number of processes that reached a terminal state"))
	errJoin = errors.Join(errJoin, err)

	tasksPolled, err := meter.Int64Counter("external_tasks_polled", metric.WithDescription("Number of external tasks handed to polling workers"))
	errJoin = errors.Join(errJoin, err)

	tasksCompleted, err := meter.Int64Counter("external_tasks_completed", metric.WithDescription("Number of external tasks completed by workers"))
	errJoin = errors.Join(errJoin, err)

	tasksFailed, err := meter.Int64Counter("external_tasks_failed", metric.WithDescription("Number of external task failures reported by workers"))
	errJoin = errors.Join(errJoin, err)

	incidentsRaised, err := meter.Int64Counter("incidents_raised", metric.WithDescription("Number of incidents raised"))
	errJoin = errors.Join(errJoin, err)

	metrics := EngineMetrics{
		ProcessesStarted: processesStarted,
		ProcessesEnded:   processesEnded,
		TasksPolled:      tasksPolled,
		TasksCompleted:   tasksCompleted,
		TasksFailed:      tasksFailed,
		IncidentsRaised:  incidentsRaised,
	}
	return &metrics, errJoin
}
