package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for analysis tasks and providers.
type Metrics struct {
	registry         *prometheus.Registry
	Tasks            *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	TaskRounds       prometheus.Histogram
	ActiveTasks      prometheus.Gauge
	Rounds           *prometheus.CounterVec
	Executions       *prometheus.CounterVec
	ExecDuration     prometheus.Histogram
	HistoryTruncated prometheus.Counter
	ProviderCalls    *prometheus.CounterVec
	ProviderFailures *prometheus.CounterVec
	ProviderRetries  *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
}

// NewMetrics constructs a metrics registry with analysis collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	tasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_tasks_total",
		Help: "Finished analysis tasks by status",
	}, []string{"status"})

	taskDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analyst_task_duration_seconds",
		Help:    "Analysis task duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"status"})

	taskRounds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "analyst_task_rounds",
		Help:    "Rounds used per finished task",
		Buckets: prometheus.LinearBuckets(1, 2, 10),
	})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "analyst_active_tasks",
		Help: "Analysis tasks currently running",
	})

	rounds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_rounds_total",
		Help: "Completed rounds by outcome",
	}, []string{"outcome"})

	execs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_executions_total",
		Help: "Sandbox executions by outcome",
	}, []string{"outcome"})

	execDur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "analyst_execution_duration_seconds",
		Help:    "Sandbox execution duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	truncated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analyst_history_truncations_total",
		Help: "Prompts whose round history was compacted or dropped to fit the input budget",
	})

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_provider_calls_total",
		Help: "Provider attempts by provider and result",
	}, []string{"provider", "result"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_provider_failures_total",
		Help: "Provider failures by provider and kind",
	}, []string{"provider", "kind"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_provider_retries_total",
		Help: "Backoff retries by provider",
	}, []string{"provider"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analyst_provider_latency_seconds",
		Help:    "Provider attempt latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	reg.MustRegister(tasks, taskDur, taskRounds, active, rounds, execs, execDur, truncated, calls, failures, retries, latency)

	return &Metrics{
		registry:         reg,
		Tasks:            tasks,
		TaskDuration:     taskDur,
		TaskRounds:       taskRounds,
		ActiveTasks:      active,
		Rounds:           rounds,
		Executions:       execs,
		ExecDuration:     execDur,
		HistoryTruncated: truncated,
		ProviderCalls:    calls,
		ProviderFailures: failures,
		ProviderRetries:  retries,
		ProviderLatency:  latency,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TaskStarted increments the active task gauge.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.ActiveTasks.Inc()
}

// RecordTask records a finished task.
func (m *Metrics) RecordTask(status string, duration time.Duration, rounds int) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.ActiveTasks.Dec()
	m.Tasks.WithLabelValues(status).Inc()
	m.TaskDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.TaskRounds.Observe(float64(rounds))
}

// RecordRound counts a completed round.
func (m *Metrics) RecordRound(outcome string) {
	if m == nil {
		return
	}
	m.Rounds.WithLabelValues(outcome).Inc()
}

// RecordExecution counts one sandbox execution.
func (m *Metrics) RecordExecution(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(outcome).Inc()
	m.ExecDuration.Observe(duration.Seconds())
}

// RecordTruncation counts a truncated prompt.
func (m *Metrics) RecordTruncation() {
	if m == nil {
		return
	}
	m.HistoryTruncated.Inc()
}

// RecordProviderCall records one provider attempt. kind is empty on success.
func (m *Metrics) RecordProviderCall(provider, kind string, latency time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if kind != "" {
		result = "error"
		m.ProviderFailures.WithLabelValues(provider, kind).Inc()
	}
	m.ProviderCalls.WithLabelValues(provider, result).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

// RecordProviderRetry counts a backoff retry.
func (m *Metrics) RecordProviderRetry(provider string) {
	if m == nil {
		return
	}
	m.ProviderRetries.WithLabelValues(provider).Inc()
}
