// Package metrics exposes scheduler observability as Prometheus
// collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerMetrics implements the grading scheduler's metrics sink on
// top of Prometheus collectors.
type SchedulerMetrics struct {
	tasksSettled *prometheus.CounterVec
	taskRetries  *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	inFlight     prometheus.Gauge
}

// NewSchedulerMetrics builds and registers the collectors. Pass
// prometheus.DefaultRegisterer unless the caller isolates registries
// for tests.
func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		tasksSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradebench",
			Subsystem: "scheduler",
			Name:      "tasks_settled_total",
			Help:      "Grading tasks settled, by stage and terminal state.",
		}, []string{"stage", "state"}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradebench",
			Subsystem: "scheduler",
			Name:      "task_retries_total",
			Help:      "Retry attempts scheduled, by stage.",
		}, []string{"stage"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gradebench",
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Wall time from task start to settlement, by stage.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gradebench",
			Subsystem: "scheduler",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently executing on the worker pool.",
		}),
	}
	reg.MustRegister(m.tasksSettled, m.taskRetries, m.taskDuration, m.inFlight)
	return m
}

func (m *SchedulerMetrics) TaskSettled(stage, state string) {
	m.tasksSettled.WithLabelValues(stage, state).Inc()
}

func (m *SchedulerMetrics) TaskRetried(stage string) {
	m.taskRetries.WithLabelValues(stage).Inc()
}

func (m *SchedulerMetrics) ObserveTaskDuration(stage string, d time.Duration) {
	m.taskDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *SchedulerMetrics) SetInFlight(n int) {
	m.inFlight.Set(float64(n))
}
