package jobqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCompleted = "completed"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeUnknown   = "unknown_type"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pointscore_jobs_processed_total",
		Help: "Job attempts by type and outcome.",
	}, []string{"type", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pointscore_job_duration_seconds",
		Help:    "Handler execution time by job type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	enqueueFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pointscore_job_enqueue_failures_total",
		Help: "Best-effort enqueue calls that were dropped.",
	}, []string{"type"})
)
