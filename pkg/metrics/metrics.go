package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for contentctl.
// Using promauto for automatic registration with default registry.
var (
	// --- Execution Metrics ---

	// ExecutionsTotal counts total executions by status.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contentctl",
			Subsystem: "executions",
			Name:      "total",
			Help:      "Total number of job executions by status",
		},
		[]string{"status", "job_type"},
	)

	// ExecutionDuration tracks job execution duration.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "contentctl",
			Subsystem: "executions",
			Name:      "duration_seconds",
			Help:      "Duration of job executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~27m
		},
		[]string{"job_name", "status"},
	)

	// --- Worker Metrics ---

	// ExecutorJobsRunning tracks concurrent jobs on a worker.
	ExecutorJobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "contentctl",
			Subsystem: "worker",
			Name:      "jobs_running",
			Help:      "Number of currently running jobs on this worker",
		},
	)

	// --- Reconciler Metrics ---

	// ReconcileSweeps counts completed reconciliation sweeps.
	ReconcileSweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "contentctl",
			Subsystem: "reconciler",
			Name:      "sweeps_total",
			Help:      "Total number of reconciliation sweeps run",
		},
	)

	// OrphansReaped counts orphaned/stale jobs requeued by a sweep.
	OrphansReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "contentctl",
			Subsystem: "reconciler",
			Name:      "orphans_reaped_total",
			Help:      "Total number of orphaned jobs requeued",
		},
	)

	// --- Circuit Breaker Metrics ---

	// CircuitBreakerState reports each named breaker's current state as
	// 0 (closed), 1 (open), or 2 (half-open), matching
	// resilience.CircuitState's iota order.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "contentctl",
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Current circuit breaker state by name (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerTrips counts transitions into the open state, by name.
	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contentctl",
			Subsystem: "circuit_breaker",
			Name:      "trips_total",
			Help:      "Total number of times a circuit breaker opened",
		},
		[]string{"name"},
	)

	// --- API Key Metrics ---

	// APIKeyOperations counts operator API key lifecycle events by outcome.
	APIKeyOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contentctl",
			Subsystem: "auth",
			Name:      "api_key_operations_total",
			Help:      "Total API key store operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
)

// RecordExecution records metrics for a completed execution.
func RecordExecution(jobName, jobType, status string, durationSeconds float64) {
	ExecutionsTotal.WithLabelValues(status, jobType).Inc()
	ExecutionDuration.WithLabelValues(jobName, status).Observe(durationSeconds)
}
