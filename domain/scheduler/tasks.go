package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/conveyorhq/conveyor/internal/backend"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "conveyor_queue_depth",
	Help: "Number of jobs per queue and status",
}, []string{"queue", "status"})

// StaleRecoveryTask returns abandoned 'running' jobs to the queue.
// Catches jobs orphaned by crashed or restarted worker processes.
type StaleRecoveryTask struct {
	backend   backend.Backend
	threshold time.Duration
	log       *slog.Logger
}

// NewStaleRecoveryTask creates a stale job recovery task
func NewStaleRecoveryTask(b backend.Backend, threshold time.Duration, log *slog.Logger) *StaleRecoveryTask {
	return &StaleRecoveryTask{
		backend:   b,
		threshold: threshold,
		log:       log.With(logger.Scope("scheduler.stale_recovery")),
	}
}

// Run recovers stale jobs
func (t *StaleRecoveryTask) Run(ctx context.Context) error {
	count, err := t.backend.RecoverStale(ctx, t.threshold)
	if err != nil {
		return err
	}

	if count > 0 {
		t.log.Info("recovered stale jobs", slog.Int("count", count))
	}

	return nil
}

// RetentionCleanupTask purges finished jobs past the retention window
type RetentionCleanupTask struct {
	backend       backend.Backend
	retentionDays int
	log           *slog.Logger
}

// NewRetentionCleanupTask creates a retention cleanup task
func NewRetentionCleanupTask(b backend.Backend, retentionDays int, log *slog.Logger) *RetentionCleanupTask {
	return &RetentionCleanupTask{
		backend:       b,
		retentionDays: retentionDays,
		log:           log.With(logger.Scope("scheduler.retention_cleanup")),
	}
}

// Run deletes terminal jobs older than the retention window
func (t *RetentionCleanupTask) Run(ctx context.Context) error {
	if t.retentionDays <= 0 {
		// Retention disabled, keep everything
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -t.retentionDays)
	count, err := t.backend.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	if count > 0 {
		t.log.Info("purged finished jobs",
			slog.Int("count", count),
			slog.Int("retention_days", t.retentionDays))
	}

	return nil
}

// QueueDepthTask logs per-queue depths and exports them as gauges
type QueueDepthTask struct {
	backend backend.Backend
	log     *slog.Logger
}

// NewQueueDepthTask creates a queue depth reporting task
func NewQueueDepthTask(b backend.Backend, log *slog.Logger) *QueueDepthTask {
	return &QueueDepthTask{
		backend: b,
		log:     log.With(logger.Scope("scheduler.queue_depth")),
	}
}

// Run samples queue depths
func (t *QueueDepthTask) Run(ctx context.Context) error {
	stats, err := t.backend.StatsByQueue(ctx)
	if err != nil {
		return err
	}

	for _, qs := range stats {
		queueDepth.WithLabelValues(qs.Queue, string(backend.StatusPending)).Set(float64(qs.Pending))
		queueDepth.WithLabelValues(qs.Queue, string(backend.StatusRunning)).Set(float64(qs.Running))
		queueDepth.WithLabelValues(qs.Queue, string(backend.StatusFailed)).Set(float64(qs.Failed))
		queueDepth.WithLabelValues(qs.Queue, string(backend.StatusDead)).Set(float64(qs.Dead))

		if qs.Pending > 0 || qs.Running > 0 {
			t.log.Debug("queue depth",
				slog.String("queue", qs.Queue),
				slog.Int64("pending", qs.Pending),
				slog.Int64("running", qs.Running),
				slog.Int64("failed", qs.Failed),
				slog.Int64("dead", qs.Dead))
		}
	}

	return nil
}
