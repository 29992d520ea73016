// Package metrics exposes the ingestion counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pg_ingest"

// Metrics holds the collectors of one process. All methods accept a nil receiver.
type Metrics struct {
	reg *prometheus.Registry

	eventsProcessed *prometheus.CounterVec
	eventsFailed    *prometheus.CounterVec
	flushDuration   *prometheus.HistogramVec
	notifications   *prometheus.CounterVec
	ddlOperations   *prometheus.CounterVec
	taskRuns        *prometheus.CounterVec
	runningTasks    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Change events written to the sink.",
		}, []string{"task", "table", "operation"}),
		eventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Change events rejected by routing or lost to a failed flush.",
		}, []string{"task", "table"}),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent writing one batch to the sink.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"task"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Downstream notifications by target and result.",
		}, []string{"target", "result"}),
		ddlOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ddl_operations_total",
			Help:      "DDL statements issued against ODS tables.",
		}, []string{"table", "kind"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Finished task runs by status.",
		}, []string{"task", "status"}),
		runningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Tasks currently running on this node.",
		}),
	}
	m.reg.MustRegister(
		m.eventsProcessed, m.eventsFailed, m.flushDuration, m.notifications,
		m.ddlOperations, m.taskRuns, m.runningTasks,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) EventsProcessed(task, table, operation string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.eventsProcessed.WithLabelValues(task, table, operation).Add(float64(n))
}

func (m *Metrics) EventsFailed(task, table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.eventsFailed.WithLabelValues(task, table).Add(float64(n))
}

func (m *Metrics) ObserveFlush(task string, d time.Duration) {
	if m == nil {
		return
	}
	m.flushDuration.WithLabelValues(task).Observe(d.Seconds())
}

// Notification counts a notification; result is "success", "failure" or "skipped"
func (m *Metrics) Notification(target, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(target, result).Inc()
}

func (m *Metrics) DDL(table, kind string) {
	if m == nil {
		return
	}
	m.ddlOperations.WithLabelValues(table, kind).Inc()
}

func (m *Metrics) TaskRun(task, status string) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(task, status).Inc()
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.runningTasks.Inc()
}

func (m *Metrics) TaskStopped() {
	if m == nil {
		return
	}
	m.runningTasks.Dec()
}
