package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/conveyorhq/conveyor/pkg/logger"
)

// PostgresBackend is the durable queue backend. It relies on
// FOR UPDATE SKIP LOCKED so any number of worker processes can claim jobs
// concurrently without conflicts, and on a partial unique index over
// unique_key for idempotent enqueue.
type PostgresBackend struct {
	db     bun.IDB
	policy RetryPolicy
	log    *slog.Logger
}

// NewPostgresBackend creates a PostgreSQL-backed queue
func NewPostgresBackend(db bun.IDB, policy RetryPolicy, log *slog.Logger) *PostgresBackend {
	return &PostgresBackend{
		db:     db,
		policy: policy,
		log:    log.With(logger.Scope("backend.postgres")),
	}
}

// Enqueue creates a new job ready at opts.RunAt (or immediately).
//
// Uses PostgreSQL now() for run_at to keep clock decisions on the
// database side, consistent with the dequeue query.
func (b *PostgresBackend) Enqueue(ctx context.Context, opts EnqueueOptions) (*Job, error) {
	queue := opts.Queue
	if queue == "" {
		queue = DefaultQueue
	}

	maxAttempts := b.policy.MaxAttempts
	if opts.MaxAttempts != nil {
		maxAttempts = *opts.MaxAttempts
	}

	payload := opts.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var uniqueKey *string
	if opts.UniqueKey != "" {
		uniqueKey = &opts.UniqueKey
	}

	job := &Job{}

	if opts.RunAt != nil {
		err := b.db.NewRaw(`INSERT INTO conveyor.jobs
			(queue, kind, payload, priority, max_attempts, unique_key, run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (unique_key) WHERE unique_key IS NOT NULL AND status IN ('pending', 'running', 'failed')
			DO NOTHING
			RETURNING *`,
			queue, opts.Kind, string(payload), opts.Priority, maxAttempts, uniqueKey, *opts.RunAt,
		).Scan(ctx, job)
		if err != nil {
			if err == sql.ErrNoRows {
				return b.activeJobByKey(ctx, opts.UniqueKey)
			}
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
	} else {
		err := b.db.NewRaw(`INSERT INTO conveyor.jobs
			(queue, kind, payload, priority, max_attempts, unique_key, run_at)
			VALUES (?, ?, ?, ?, ?, ?, now())
			ON CONFLICT (unique_key) WHERE unique_key IS NOT NULL AND status IN ('pending', 'running', 'failed')
			DO NOTHING
			RETURNING *`,
			queue, opts.Kind, string(payload), opts.Priority, maxAttempts, uniqueKey,
		).Scan(ctx, job)
		if err != nil {
			if err == sql.ErrNoRows {
				return b.activeJobByKey(ctx, opts.UniqueKey)
			}
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
	}

	b.log.Debug("enqueued job",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("kind", job.Kind))

	return job, nil
}

// activeJobByKey returns the pending or running job holding a unique key
func (b *PostgresBackend) activeJobByKey(ctx context.Context, key string) (*Job, error) {
	if key == "" {
		return nil, fmt.Errorf("enqueue job: no row returned")
	}

	job := &Job{}
	err := b.db.NewSelect().
		Model(job).
		Where("unique_key = ?", key).
		Where("status IN ('pending', 'running', 'failed')").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("lookup active job by key: %w", err)
	}

	b.log.Debug("enqueue deduplicated by unique key",
		slog.String("job_id", job.ID),
		slog.String("unique_key", key))

	return job, nil
}

// Dequeue atomically claims due jobs for processing.
//
// Uses FOR UPDATE SKIP LOCKED so concurrent workers never claim the same
// job. Claiming moves the job to running and counts the attempt.
func (b *PostgresBackend) Dequeue(ctx context.Context, batchSize int) ([]*Job, error) {
	if batchSize <= 0 {
		batchSize = 10
	}

	var jobs []*Job
	err := b.db.NewRaw(`WITH cte AS (
		SELECT id FROM conveyor.jobs
		WHERE status IN ('pending', 'failed') AND run_at <= now()
		ORDER BY priority DESC, run_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT ?
	)
	UPDATE conveyor.jobs j
	SET status = 'running',
		attempts = attempts + 1,
		started_at = now(),
		updated_at = now()
	FROM cte WHERE j.id = cte.id
	RETURNING j.*`, batchSize).Scan(ctx, &jobs)
	if err != nil {
		return nil, fmt.Errorf("dequeue jobs: %w", err)
	}

	return jobs, nil
}

// MarkCompleted marks a running job as completed. The status guard keeps
// a slow worker from resurrecting a job that stale recovery already
// returned to the queue and an operator then cancelled.
func (b *PostgresBackend) MarkCompleted(ctx context.Context, id string) error {
	result, err := b.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusCompleted).
		Set("finished_at = now()").
		Set("last_error = NULL").
		Set("updated_at = now()").
		Where("id = ?", id).
		Where("status = ?", StatusRunning).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		b.log.Warn("job no longer running when marking as completed",
			slog.String("job_id", id))
	}

	return nil
}

// MarkFailed records a failure. If attempts remain the job is returned to
// pending with exponential backoff; otherwise it is dead-lettered.
func (b *PostgresBackend) MarkFailed(ctx context.Context, id string, jobErr error) error {
	job := &Job{}
	err := b.db.NewSelect().
		Model(job).
		Column("id", "attempts", "max_attempts").
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			b.log.Warn("job not found when marking as failed", slog.String("job_id", id))
			return nil
		}
		return fmt.Errorf("get job for mark failed: %w", err)
	}

	errorMessage := truncateError(jobErr.Error())

	if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
		// Max attempts exhausted, dead-letter the job
		result, err := b.db.NewUpdate().
			Model((*Job)(nil)).
			Set("status = ?", StatusDead).
			Set("last_error = ?", errorMessage).
			Set("finished_at = now()").
			Set("updated_at = now()").
			Where("id = ?", id).
			Where("status = ?", StatusRunning).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("dead-letter job: %w", err)
		}

		if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
			b.log.Warn("job no longer running when marking as failed",
				slog.String("job_id", id))
			return nil
		}

		b.log.Error("job dead-lettered after max attempts",
			slog.String("job_id", id),
			slog.Int("attempts", job.Attempts),
			slog.String("error", errorMessage))

		return nil
	}

	delay := b.policy.NextDelay(job.Attempts)

	// Guarded on 'running' so a late failure report cannot flip a job
	// that stale recovery re-queued and an operator cancelled meanwhile
	result, err := b.db.NewRaw(`UPDATE conveyor.jobs
		SET status = 'failed',
			last_error = ?,
			run_at = now() + (? || ' seconds')::interval,
			started_at = NULL,
			updated_at = now()
		WHERE id = ? AND status = 'running'`,
		errorMessage, fmt.Sprintf("%d", int(delay.Seconds())), id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("reschedule failed job: %w", err)
	}

	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		b.log.Warn("job no longer running when marking as failed",
			slog.String("job_id", id))
		return nil
	}

	b.log.Warn("job failed, scheduled for retry",
		slog.String("job_id", id),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("retry_delay", delay),
		slog.String("error", errorMessage))

	return nil
}

// Cancel cancels a pending or failed (awaiting retry) job
func (b *PostgresBackend) Cancel(ctx context.Context, id string) error {
	result, err := b.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusCancelled).
		Set("finished_at = now()").
		Set("updated_at = now()").
		Where("id = ?", id).
		Where("status IN ('pending', 'failed')").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return b.explainMiss(ctx, id, ErrNotCancellable)
	}

	return nil
}

// Retry returns a failed, dead or cancelled job to pending with a fresh
// attempt budget
func (b *PostgresBackend) Retry(ctx context.Context, id string) error {
	result, err := b.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusPending).
		Set("attempts = 0").
		Set("last_error = NULL").
		Set("run_at = now()").
		Set("started_at = NULL").
		Set("finished_at = NULL").
		Set("updated_at = now()").
		Where("id = ?", id).
		Where("status IN ('failed', 'dead', 'cancelled')").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return b.explainMiss(ctx, id, ErrNotRetryable)
	}

	return nil
}

// explainMiss distinguishes a missing job from an invalid state transition
func (b *PostgresBackend) explainMiss(ctx context.Context, id string, stateErr error) error {
	exists, err := b.db.NewSelect().
		Model((*Job)(nil)).
		Where("id = ?", id).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrJobNotFound
	}
	return stateErr
}

// RecoverStale returns running jobs older than the threshold to pending.
// This happens after a crash or restart mid-batch. The interrupted attempt
// keeps counting toward max_attempts.
func (b *PostgresBackend) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}

	result, err := b.db.NewRaw(`UPDATE conveyor.jobs
		SET status = 'pending',
			started_at = NULL,
			run_at = now(),
			updated_at = now()
		WHERE status = 'running'
			AND started_at < now() - (? || ' seconds')::interval`,
		fmt.Sprintf("%d", int(threshold.Seconds()))).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}

	count, _ := result.RowsAffected()

	if count > 0 {
		b.log.Warn("recovered stale jobs",
			slog.Int64("count", count),
			slog.Duration("threshold", threshold))
	}

	return int(count), nil
}

// DeleteFinishedBefore purges terminal jobs older than the cutoff
func (b *PostgresBackend) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := b.db.NewDelete().
		Model((*Job)(nil)).
		Where("status IN ('completed', 'cancelled', 'dead')").
		Where("finished_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}

	count, _ := result.RowsAffected()
	return int(count), nil
}

// Get retrieves a job by ID
func (b *PostgresBackend) Get(ctx context.Context, id string) (*Job, error) {
	job := &Job{}
	err := b.db.NewSelect().
		Model(job).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	return job, nil
}

// List returns jobs matching the filters, newest first
func (b *PostgresBackend) List(ctx context.Context, params ListParams) ([]*Job, int, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Limit > 200 {
		params.Limit = 200
	}

	jobs := []*Job{}
	q := b.db.NewSelect().Model(&jobs)
	q = applyListFilters(q, params)

	total, err := q.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	err = q.Order("created_at DESC").
		Limit(params.Limit).
		Offset(params.Offset).
		Scan(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}

	return jobs, total, nil
}

func applyListFilters(q *bun.SelectQuery, params ListParams) *bun.SelectQuery {
	if params.Queue != "" {
		q = q.Where("queue = ?", params.Queue)
	}
	if params.Kind != "" {
		q = q.Where("kind = ?", params.Kind)
	}
	if params.Status != "" {
		q = q.Where("status = ?", params.Status)
	}
	return q
}

// Stats returns job counts by status across all queues
func (b *PostgresBackend) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := b.db.NewRaw(`SELECT
		COUNT(*) FILTER (WHERE status = 'pending') as pending,
		COUNT(*) FILTER (WHERE status = 'running') as running,
		COUNT(*) FILTER (WHERE status = 'completed') as completed,
		COUNT(*) FILTER (WHERE status = 'failed') as failed,
		COUNT(*) FILTER (WHERE status = 'cancelled') as cancelled,
		COUNT(*) FILTER (WHERE status = 'dead') as dead
	FROM conveyor.jobs`).Scan(ctx,
		&stats.Pending, &stats.Running, &stats.Completed,
		&stats.Failed, &stats.Cancelled, &stats.Dead)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}

	return stats, nil
}

// StatsByQueue returns job counts grouped by queue
func (b *PostgresBackend) StatsByQueue(ctx context.Context) ([]QueueStats, error) {
	var rows []QueueStats
	err := b.db.NewRaw(`SELECT
		queue,
		COUNT(*) FILTER (WHERE status = 'pending') as pending,
		COUNT(*) FILTER (WHERE status = 'running') as running,
		COUNT(*) FILTER (WHERE status = 'completed') as completed,
		COUNT(*) FILTER (WHERE status = 'failed') as failed,
		COUNT(*) FILTER (WHERE status = 'cancelled') as cancelled,
		COUNT(*) FILTER (WHERE status = 'dead') as dead
	FROM conveyor.jobs
	GROUP BY queue
	ORDER BY queue`).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("get stats by queue: %w", err)
	}

	return rows, nil
}
