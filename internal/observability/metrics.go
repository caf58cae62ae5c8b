// Package observability provides structured logging, Prometheus metrics and
// per-execution log capture for the task runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus instruments.
type Metrics struct {
	// TasksDispatched counts tasks accepted by the dispatcher.
	// Labels: kind (immediate|delayed|recurring)
	TasksDispatched *prometheus.CounterVec

	// TasksExecuted counts completed executions.
	// Labels: status (completed|failed|cancelled|service_stopped)
	TasksExecuted *prometheus.CounterVec

	// TasksDropped counts tasks rejected or evicted by full queues.
	// Labels: queue
	TasksDropped *prometheus.CounterVec

	// QueueDepth tracks tasks waiting in each run queue.
	// Labels: queue
	QueueDepth *prometheus.GaugeVec

	// ExecutionDuration measures handler execution time in seconds.
	// Labels: type
	ExecutionDuration *prometheus.HistogramVec

	// SchedulerPending tracks jobs waiting in the timer scheduler.
	SchedulerPending prometheus.Gauge
}

// NewMetrics creates and registers the instruments on reg, or on the
// default registry when reg is nil. Call once at host startup.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TasksDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evertask_tasks_dispatched_total",
				Help: "Total number of tasks accepted by the dispatcher, by kind",
			},
			[]string{"kind"},
		),

		TasksExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evertask_tasks_executed_total",
				Help: "Total number of completed executions, by final status",
			},
			[]string{"status"},
		),

		TasksDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evertask_tasks_dropped_total",
				Help: "Total number of tasks rejected or evicted by full queues",
			},
			[]string{"queue"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evertask_queue_depth",
				Help: "Current number of tasks waiting in each run queue",
			},
			[]string{"queue"},
		),

		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evertask_execution_duration_seconds",
				Help:    "Duration of handler executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"type"},
		),

		SchedulerPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "evertask_scheduler_pending",
				Help: "Current number of jobs waiting in the timer scheduler",
			},
		),
	}
}

// RecordExecution records one finished execution.
func (m *Metrics) RecordExecution(taskType, status string, durationSeconds float64) {
	m.TasksExecuted.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(taskType).Observe(durationSeconds)
}
