package backend

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/pkg/logger"
)

// MemoryBackend is an in-process queue backend with the same semantics as
// the PostgreSQL backend minus durability. It backs development setups and
// tests where a database is not available.
type MemoryBackend struct {
	policy RetryPolicy
	log    *slog.Logger

	mu   chan struct{} // buffered-1 channel used as a context-aware mutex
	jobs map[string]*Job
	heap jobHeap
}

// NewMemoryBackend creates an in-memory queue
func NewMemoryBackend(policy RetryPolicy, log *slog.Logger) *MemoryBackend {
	b := &MemoryBackend{
		policy: policy,
		log:    log.With(logger.Scope("backend.memory")),
		mu:     make(chan struct{}, 1),
		jobs:   make(map[string]*Job),
	}
	b.mu <- struct{}{}
	return b
}

func (b *MemoryBackend) lock(ctx context.Context) error {
	select {
	case <-b.mu:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBackend) unlock() {
	b.mu <- struct{}{}
}

// Enqueue creates a job, deduplicating on UniqueKey against active jobs
func (b *MemoryBackend) Enqueue(ctx context.Context, opts EnqueueOptions) (*Job, error) {
	if err := b.lock(ctx); err != nil {
		return nil, err
	}
	defer b.unlock()

	if opts.UniqueKey != "" {
		for _, existing := range b.jobs {
			if existing.UniqueKey != nil && *existing.UniqueKey == opts.UniqueKey && existing.IsActive() {
				b.log.Debug("enqueue deduplicated by unique key",
					slog.String("job_id", existing.ID),
					slog.String("unique_key", opts.UniqueKey))
				return copyJob(existing), nil
			}
		}
	}

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

	now := time.Now()
	runAt := now
	if opts.RunAt != nil {
		runAt = *opts.RunAt
	}

	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Kind:        opts.Kind,
		Payload:     payload,
		Status:      StatusPending,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		RunAt:       runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.UniqueKey != "" {
		key := opts.UniqueKey
		job.UniqueKey = &key
	}

	b.jobs[job.ID] = job
	heap.Push(&b.heap, job)

	return copyJob(job), nil
}

// Dequeue claims up to batchSize due jobs
func (b *MemoryBackend) Dequeue(ctx context.Context, batchSize int) ([]*Job, error) {
	if batchSize <= 0 {
		batchSize = 10
	}

	if err := b.lock(ctx); err != nil {
		return nil, err
	}
	defer b.unlock()

	now := time.Now()
	var claimed []*Job
	var skipped []*Job

	// The heap orders by priority before run time, so a future
	// high-priority job can sit above due lower-priority ones. Pop through
	// it and re-push anything not yet due.
	for len(claimed) < batchSize && b.heap.Len() > 0 {
		job := heap.Pop(&b.heap).(*Job)

		// The heap can hold entries whose status changed after push
		// (cancel, retry re-push). Drop anything no longer claimable.
		if job.Status != StatusPending && job.Status != StatusFailed {
			continue
		}
		if job.RunAt.After(now) {
			skipped = append(skipped, job)
			continue
		}

		started := now
		job.Status = StatusRunning
		job.Attempts++
		job.StartedAt = &started
		job.UpdatedAt = now
		claimed = append(claimed, copyJob(job))
	}

	for _, job := range skipped {
		heap.Push(&b.heap, job)
	}

	return claimed, nil
}

// MarkCompleted finishes a running job successfully
func (b *MemoryBackend) MarkCompleted(ctx context.Context, id string) error {
	if err := b.lock(ctx); err != nil {
		return err
	}
	defer b.unlock()

	job, ok := b.jobs[id]
	if !ok {
		return nil
	}
	if job.Status != StatusRunning {
		b.log.Warn("job no longer running when marking as completed",
			slog.String("job_id", id))
		return nil
	}

	now := time.Now()
	job.Status = StatusCompleted
	job.FinishedAt = &now
	job.LastError = nil
	job.UpdatedAt = now
	return nil
}

// MarkFailed reschedules with backoff or dead-letters on max attempts
func (b *MemoryBackend) MarkFailed(ctx context.Context, id string, jobErr error) error {
	if err := b.lock(ctx); err != nil {
		return err
	}
	defer b.unlock()

	job, ok := b.jobs[id]
	if !ok {
		b.log.Warn("job not found when marking as failed", slog.String("job_id", id))
		return nil
	}
	if job.Status != StatusRunning {
		// Stale recovery may have re-queued the job (and an operator
		// cancelled it) before this failure report arrived
		b.log.Warn("job no longer running when marking as failed",
			slog.String("job_id", id))
		return nil
	}

	now := time.Now()
	errorMessage := truncateError(jobErr.Error())
	job.LastError = &errorMessage
	job.UpdatedAt = now

	if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
		job.Status = StatusDead
		job.FinishedAt = &now

		b.log.Error("job dead-lettered after max attempts",
			slog.String("job_id", id),
			slog.Int("attempts", job.Attempts),
			slog.String("error", errorMessage))
		return nil
	}

	delay := b.policy.NextDelay(job.Attempts)
	job.Status = StatusFailed
	job.RunAt = now.Add(delay)
	job.StartedAt = nil
	heap.Push(&b.heap, job)

	b.log.Warn("job failed, scheduled for retry",
		slog.String("job_id", id),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("retry_delay", delay),
		slog.String("error", errorMessage))

	return nil
}

// Cancel cancels a pending or failed (awaiting retry) job
func (b *MemoryBackend) Cancel(ctx context.Context, id string) error {
	if err := b.lock(ctx); err != nil {
		return err
	}
	defer b.unlock()

	job, ok := b.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusPending && job.Status != StatusFailed {
		return ErrNotCancellable
	}

	now := time.Now()
	job.Status = StatusCancelled
	job.FinishedAt = &now
	job.UpdatedAt = now
	return nil
}

// Retry returns a failed, dead or cancelled job to pending
func (b *MemoryBackend) Retry(ctx context.Context, id string) error {
	if err := b.lock(ctx); err != nil {
		return err
	}
	defer b.unlock()

	job, ok := b.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	switch job.Status {
	case StatusFailed, StatusDead, StatusCancelled:
	default:
		return ErrNotRetryable
	}

	now := time.Now()
	job.Status = StatusPending
	job.Attempts = 0
	job.LastError = nil
	job.RunAt = now
	job.StartedAt = nil
	job.FinishedAt = nil
	job.UpdatedAt = now
	heap.Push(&b.heap, job)
	return nil
}

// RecoverStale returns running jobs older than the threshold to pending
func (b *MemoryBackend) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}

	if err := b.lock(ctx); err != nil {
		return 0, err
	}
	defer b.unlock()

	now := time.Now()
	cutoff := now.Add(-threshold)
	count := 0

	for _, job := range b.jobs {
		if job.Status == StatusRunning && job.StartedAt != nil && job.StartedAt.Before(cutoff) {
			job.Status = StatusPending
			job.StartedAt = nil
			job.RunAt = now
			job.UpdatedAt = now
			heap.Push(&b.heap, job)
			count++
		}
	}

	if count > 0 {
		b.log.Warn("recovered stale jobs",
			slog.Int("count", count),
			slog.Duration("threshold", threshold))
	}

	return count, nil
}

// DeleteFinishedBefore purges terminal jobs older than the cutoff
func (b *MemoryBackend) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := b.lock(ctx); err != nil {
		return 0, err
	}
	defer b.unlock()

	count := 0
	for id, job := range b.jobs {
		if job.IsTerminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(b.jobs, id)
			count++
		}
	}

	return count, nil
}

// Get retrieves a job by ID
func (b *MemoryBackend) Get(ctx context.Context, id string) (*Job, error) {
	if err := b.lock(ctx); err != nil {
		return nil, err
	}
	defer b.unlock()

	job, ok := b.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

// List returns jobs matching the filters, newest first
func (b *MemoryBackend) List(ctx context.Context, params ListParams) ([]*Job, int, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Limit > 200 {
		params.Limit = 200
	}

	if err := b.lock(ctx); err != nil {
		return nil, 0, err
	}
	defer b.unlock()

	var matched []*Job
	for _, job := range b.jobs {
		if params.Queue != "" && job.Queue != params.Queue {
			continue
		}
		if params.Kind != "" && job.Kind != params.Kind {
			continue
		}
		if params.Status != "" && string(job.Status) != params.Status {
			continue
		}
		matched = append(matched, job)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if params.Offset >= total {
		return []*Job{}, total, nil
	}

	end := params.Offset + params.Limit
	if end > total {
		end = total
	}

	page := make([]*Job, 0, end-params.Offset)
	for _, job := range matched[params.Offset:end] {
		page = append(page, copyJob(job))
	}

	return page, total, nil
}

// Stats returns job counts by status across all queues
func (b *MemoryBackend) Stats(ctx context.Context) (*Stats, error) {
	if err := b.lock(ctx); err != nil {
		return nil, err
	}
	defer b.unlock()

	stats := &Stats{}
	for _, job := range b.jobs {
		addToStats(stats, job.Status)
	}
	return stats, nil
}

// StatsByQueue returns job counts grouped by queue
func (b *MemoryBackend) StatsByQueue(ctx context.Context) ([]QueueStats, error) {
	if err := b.lock(ctx); err != nil {
		return nil, err
	}
	defer b.unlock()

	byQueue := make(map[string]*QueueStats)
	for _, job := range b.jobs {
		qs, ok := byQueue[job.Queue]
		if !ok {
			qs = &QueueStats{Queue: job.Queue}
			byQueue[job.Queue] = qs
		}
		addToStats(&qs.Stats, job.Status)
	}

	result := make([]QueueStats, 0, len(byQueue))
	for _, qs := range byQueue {
		result = append(result, *qs)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Queue < result[j].Queue
	})

	return result, nil
}

func addToStats(stats *Stats, status JobStatus) {
	switch status {
	case StatusPending:
		stats.Pending++
	case StatusRunning:
		stats.Running++
	case StatusCompleted:
		stats.Completed++
	case StatusFailed:
		stats.Failed++
	case StatusCancelled:
		stats.Cancelled++
	case StatusDead:
		stats.Dead++
	}
}

// copyJob returns a shallow copy so callers never share mutable state
// with the backend's internal map
func copyJob(j *Job) *Job {
	c := *j
	return &c
}

// jobHeap orders claimable jobs by priority (higher first), then run time
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].RunAt.Before(h[j].RunAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*Job))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
