// Package metrics defines the Prometheus collectors exposed on /metrics.
// Collectors register against the default registry so any package can
// record without plumbing a registry handle around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhooksTotal counts webhook deliveries by admission outcome
	// (accepted, duplicate, invalid_signature, disabled, not_found, rejected).
	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookflow_webhooks_total",
		Help: "Webhook deliveries by admission outcome.",
	}, []string{"outcome"})

	// RunsTotal counts run state transitions into terminal or running states.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookflow_runs_total",
		Help: "Run state transitions by resulting status.",
	}, []string{"status"})

	// StepsTotal counts step attempts by step type and outcome
	// (completed, failed, retried).
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookflow_steps_total",
		Help: "Step attempts by step type and outcome.",
	}, []string{"type", "outcome"})

	// StepDuration observes wall-clock step handler time.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hookflow_step_duration_seconds",
		Help:    "Step handler execution time in seconds.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"type"})

	// QueueJobsTotal counts queue deliveries by queue and outcome
	// (completed, failed, reaped).
	QueueJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookflow_queue_jobs_total",
		Help: "Queue message deliveries by outcome.",
	}, []string{"queue", "outcome"})

	// QueueDepth tracks per-queue backlog by state (ready, delayed, processing).
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hookflow_queue_depth",
		Help: "Messages per queue by state.",
	}, []string{"queue", "state"})

	// LockContentionTotal counts ExecuteStep deliveries re-enqueued
	// because another worker held the run lock.
	LockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookflow_lock_contention_total",
		Help: "Step deliveries re-enqueued due to run lock contention.",
	})

	// ActiveRuns tracks runs currently pending or running.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookflow_active_runs",
		Help: "Runs currently pending or running.",
	})

	// AIBreakerOpen reports whether the AI provider circuit breaker is open.
	AIBreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookflow_ai_breaker_open",
		Help: "1 while the AI provider circuit breaker is open.",
	})
)
