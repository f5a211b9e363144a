package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *MemoryBackend {
	t.Helper()
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
	return NewMemoryBackend(policy, slog.New(slog.DiscardHandler))
}

func mustEnqueue(t *testing.T, b *MemoryBackend, opts EnqueueOptions) *Job {
	t.Helper()
	job, err := b.Enqueue(context.Background(), opts)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestMemoryBackend_EnqueueDefaults(t *testing.T) {
	b := newTestBackend(t)

	job := mustEnqueue(t, b, EnqueueOptions{Kind: "email.send"})

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, DefaultQueue, job.Queue)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.JSONEq(t, "{}", string(job.Payload))
}

func TestMemoryBackend_EnqueueOverrides(t *testing.T) {
	b := newTestBackend(t)

	runAt := time.Now().Add(time.Hour)
	maxAttempts := 1
	job := mustEnqueue(t, b, EnqueueOptions{
		Queue:       "reports",
		Kind:        "report.generate",
		Payload:     json.RawMessage(`{"month":"2026-08"}`),
		Priority:    5,
		MaxAttempts: &maxAttempts,
		RunAt:       &runAt,
	})

	assert.Equal(t, "reports", job.Queue)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 1, job.MaxAttempts)
	assert.WithinDuration(t, runAt, job.RunAt, time.Second)
}

func TestMemoryBackend_EnqueueUniqueKey(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	first := mustEnqueue(t, b, EnqueueOptions{Kind: "sync", UniqueKey: "sync:user:1"})
	second := mustEnqueue(t, b, EnqueueOptions{Kind: "sync", UniqueKey: "sync:user:1"})

	assert.Equal(t, first.ID, second.ID)

	// Completing the job frees the key for a new enqueue
	claimed, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, b.MarkCompleted(ctx, claimed[0].ID))

	third := mustEnqueue(t, b, EnqueueOptions{Kind: "sync", UniqueKey: "sync:user:1"})
	assert.NotEqual(t, first.ID, third.ID)
}

func TestMemoryBackend_DequeueOrdering(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	low := mustEnqueue(t, b, EnqueueOptions{Kind: "low", Priority: 0})
	high := mustEnqueue(t, b, EnqueueOptions{Kind: "high", Priority: 10})

	claimed, err := b.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, high.ID, claimed[0].ID)
	assert.Equal(t, low.ID, claimed[1].ID)

	for _, job := range claimed {
		assert.Equal(t, StatusRunning, job.Status)
		assert.Equal(t, 1, job.Attempts)
		assert.NotNil(t, job.StartedAt)
	}
}

func TestMemoryBackend_DequeueSkipsFutureJobs(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	mustEnqueue(t, b, EnqueueOptions{Kind: "later", RunAt: &runAt})

	claimed, err := b.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestMemoryBackend_DequeueEmptyQueue(t *testing.T) {
	b := newTestBackend(t)

	claimed, err := b.Dequeue(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestMemoryBackend_MarkFailedSchedulesRetry(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, EnqueueOptions{Kind: "flaky"})
	claimed, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, b.MarkFailed(ctx, job.ID, errors.New("connection refused")))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "connection refused", *got.LastError)
	assert.True(t, got.RunAt.After(time.Now()), "retry should be delayed")
}

func TestMemoryBackend_MarkFailedDeadLetters(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	maxAttempts := 1
	job := mustEnqueue(t, b, EnqueueOptions{Kind: "doomed", MaxAttempts: &maxAttempts})

	claimed, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, b.MarkFailed(ctx, job.ID, errors.New("boom")))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
	assert.NotNil(t, got.FinishedAt)

	// Dead jobs are not claimable
	claimed, err = b.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestMemoryBackend_RetryCycle(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	maxAttempts := 1
	job := mustEnqueue(t, b, EnqueueOptions{Kind: "doomed", MaxAttempts: &maxAttempts})

	claimed, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, b.MarkFailed(ctx, job.ID, errors.New("boom")))

	require.NoError(t, b.Retry(ctx, job.ID))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.LastError)

	claimed, err = b.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, job.ID, claimed[0].ID)
}

func TestMemoryBackend_CancelPending(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, EnqueueOptions{Kind: "cancelme"})

	require.NoError(t, b.Cancel(ctx, job.ID))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	claimed, err := b.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestMemoryBackend_CancelRunningRejected(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, EnqueueOptions{Kind: "busy"})
	_, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)

	err = b.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestMemoryBackend_CancelNotFound(t *testing.T) {
	b := newTestBackend(t)

	err := b.Cancel(context.Background(), "11111111-1111-1111-1111-111111111111")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryBackend_RetryPendingRejected(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, EnqueueOptions{Kind: "fresh"})

	err := b.Retry(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestMemoryBackend_RecoverStale(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, EnqueueOptions{Kind: "stuck"})
	claimed, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Backdate the running job past the threshold
	started := time.Now().Add(-time.Hour)
	b.jobs[job.ID].StartedAt = &started

	count, err := b.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts, "interrupted attempt still counts")

	claimed, err = b.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)
}

func TestMemoryBackend_LateFailureAfterCancelIsIgnored(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, EnqueueOptions{Kind: "stuck"})
	claimed, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// The worker stalls; stale recovery re-queues the job and an
	// operator cancels it before the worker reports its failure
	started := time.Now().Add(-time.Hour)
	b.jobs[job.ID].StartedAt = &started

	count, err := b.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.NoError(t, b.Cancel(ctx, job.ID))

	require.NoError(t, b.MarkFailed(ctx, job.ID, errors.New("late report")))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.LastError)
}

func TestMemoryBackend_LateCompletionAfterCancelIsIgnored(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, EnqueueOptions{Kind: "stuck"})
	claimed, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	started := time.Now().Add(-time.Hour)
	b.jobs[job.ID].StartedAt = &started

	count, err := b.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.NoError(t, b.Cancel(ctx, job.ID))

	require.NoError(t, b.MarkCompleted(ctx, job.ID))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestMemoryBackend_DeleteFinishedBefore(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	done := mustEnqueue(t, b, EnqueueOptions{Kind: "done"})
	kept := mustEnqueue(t, b, EnqueueOptions{Kind: "kept"})

	claimed, err := b.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, b.MarkCompleted(ctx, done.ID))
	require.NoError(t, b.MarkCompleted(ctx, kept.ID))

	// Backdate one finish time past the cutoff
	finished := time.Now().Add(-48 * time.Hour)
	b.jobs[done.ID].FinishedAt = &finished

	count, err := b.DeleteFinishedBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = b.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = b.Get(ctx, kept.ID)
	assert.NoError(t, err)
}

func TestMemoryBackend_List(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	mustEnqueue(t, b, EnqueueOptions{Queue: "emails", Kind: "email.send"})
	mustEnqueue(t, b, EnqueueOptions{Queue: "emails", Kind: "email.send"})
	mustEnqueue(t, b, EnqueueOptions{Queue: "reports", Kind: "report.generate"})

	jobs, total, err := b.List(ctx, ListParams{Queue: "emails"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, jobs, 2)

	jobs, total, err = b.List(ctx, ListParams{Status: string(StatusPending), Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, jobs, 1)

	jobs, total, err = b.List(ctx, ListParams{Kind: "report.generate"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, "reports", jobs[0].Queue)
}

func TestMemoryBackend_Stats(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	mustEnqueue(t, b, EnqueueOptions{Queue: "emails", Kind: "email.send"})
	job := mustEnqueue(t, b, EnqueueOptions{Queue: "reports", Kind: "report.generate", Priority: 1})

	claimed, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, job.ID, claimed[0].ID)
	require.NoError(t, b.MarkCompleted(ctx, job.ID))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Completed)

	byQueue, err := b.StatsByQueue(ctx)
	require.NoError(t, err)
	require.Len(t, byQueue, 2)
	assert.Equal(t, "emails", byQueue[0].Queue)
	assert.Equal(t, int64(1), byQueue[0].Pending)
	assert.Equal(t, "reports", byQueue[1].Queue)
	assert.Equal(t, int64(1), byQueue[1].Completed)
}
