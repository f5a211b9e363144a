package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_jobs_processed_total",
		Help: "Total number of jobs processed, by kind and outcome",
	}, []string{"kind", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conveyor_job_duration_seconds",
		Help:    "Job execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"kind"})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_jobs_in_flight",
		Help: "Number of jobs currently executing",
	})

	dequeueBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conveyor_dequeue_batch_size",
		Help:    "Number of jobs claimed per poll",
		Buckets: prometheus.LinearBuckets(0, 1, 11),
	})
)

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomePanicked  = "panicked"
)
