package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed tracks finished invocations per outcome
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_jobs_processed_total",
			Help: "Total number of job invocations by outcome",
		},
		[]string{"outcome"},
	)

	// StageDuration tracks wall-clock time per stage
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_stage_duration_seconds",
			Help:    "Stage execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "outcome"},
	)

	// RetryAttempts tracks transient failures by reason
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_retry_attempts_total",
			Help: "Total number of transient failures that triggered retry handling",
		},
		[]string{"reason"},
	)

	// Deferrals tracks invocations stopped early on budget pressure
	Deferrals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_deferrals_total",
			Help: "Total number of stage deferrals",
		},
		[]string{"stage", "cause"},
	)

	// DLQJobs tracks dead-lettered jobs by classified failure type
	DLQJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_dlq_jobs_total",
			Help: "Total number of dead-lettered jobs by failure type",
		},
		[]string{"failure_type"},
	)

	// AlertFailures tracks best-effort alerts that could not be delivered
	AlertFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_alert_failures_total",
			Help: "Total number of alert deliveries that failed",
		},
	)

	// QueueDepth tracks the pending queue length
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conveyor_queue_depth",
			Help: "Number of messages waiting in the pending queue",
		},
	)
)
