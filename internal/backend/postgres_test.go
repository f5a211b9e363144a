package backend

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/testutil"
)

// newPostgresTestBackend provisions an isolated migrated database and a
// backend on top of it. Skips when TEST_DATABASE_URL is not set.
func newPostgresTestBackend(t *testing.T, suffix string) *PostgresBackend {
	t.Helper()
	if !testutil.DatabaseAvailable() {
		t.Skipf("%s not set, skipping PostgreSQL backend tests", testutil.DatabaseURLEnv)
	}

	tdb, err := testutil.SetupTestDB(context.Background(), suffix)
	require.NoError(t, err)
	t.Cleanup(tdb.Close)

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Second,
		MaxDelay:    time.Minute,
	}
	return NewPostgresBackend(tdb.DB, policy, slog.New(slog.DiscardHandler))
}

func pgEnqueue(t *testing.T, b *PostgresBackend, opts EnqueueOptions) *Job {
	t.Helper()
	job, err := b.Enqueue(context.Background(), opts)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

// backdateStartedAt moves a running job's started_at into the past so
// stale recovery picks it up
func backdateStartedAt(t *testing.T, b *PostgresBackend, id string, age time.Duration) {
	t.Helper()
	_, err := b.db.NewUpdate().
		Model((*Job)(nil)).
		Set("started_at = now() - (? || ' seconds')::interval", fmt.Sprintf("%d", int(age.Seconds()))).
		Where("id = ?", id).
		Exec(context.Background())
	require.NoError(t, err)
}

func TestPostgresBackend_EnqueueDefaults(t *testing.T) {
	b := newPostgresTestBackend(t, "enqueue")
	ctx := context.Background()

	job := pgEnqueue(t, b, EnqueueOptions{Kind: "email.send"})

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, DefaultQueue, job.Queue)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.JSONEq(t, "{}", string(job.Payload))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestPostgresBackend_EnqueueUniqueKeyDeduplicates(t *testing.T) {
	b := newPostgresTestBackend(t, "unique")
	ctx := context.Background()

	first := pgEnqueue(t, b, EnqueueOptions{Kind: "report.generate", UniqueKey: "monthly-2026-08"})
	second := pgEnqueue(t, b, EnqueueOptions{Kind: "report.generate", UniqueKey: "monthly-2026-08"})

	assert.Equal(t, first.ID, second.ID)

	// A terminal job releases the key
	jobs, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, b.MarkCompleted(ctx, first.ID))

	third := pgEnqueue(t, b, EnqueueOptions{Kind: "report.generate", UniqueKey: "monthly-2026-08"})
	assert.NotEqual(t, first.ID, third.ID)
}

func TestPostgresBackend_DequeueClaimsAndOrders(t *testing.T) {
	b := newPostgresTestBackend(t, "dequeue")
	ctx := context.Background()

	low := pgEnqueue(t, b, EnqueueOptions{Kind: "a", Priority: 0})
	high := pgEnqueue(t, b, EnqueueOptions{Kind: "b", Priority: 10})
	future := time.Now().Add(time.Hour)
	pgEnqueue(t, b, EnqueueOptions{Kind: "c", Priority: 20, RunAt: &future})

	jobs, err := b.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// Higher priority first, the future job stays untouched
	assert.Equal(t, high.ID, jobs[0].ID)
	assert.Equal(t, low.ID, jobs[1].ID)
	for _, j := range jobs {
		assert.Equal(t, StatusRunning, j.Status)
		assert.Equal(t, 1, j.Attempts)
		assert.NotNil(t, j.StartedAt)
	}

	// Claimed jobs are not handed out twice
	again, err := b.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPostgresBackend_MarkFailedSchedulesBackoff(t *testing.T) {
	b := newPostgresTestBackend(t, "backoff")
	ctx := context.Background()

	job := pgEnqueue(t, b, EnqueueOptions{Kind: "flaky"})
	_, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, b.MarkFailed(ctx, job.ID, fmt.Errorf("boom")))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)
	assert.Nil(t, got.StartedAt)

	// First attempt backs off by the base delay
	assert.True(t, got.RunAt.After(time.Now().Add(5*time.Second)),
		"run_at %s should be roughly 10s out", got.RunAt)

	// Not yet due, so the dequeue query must not claim it
	jobs, err := b.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPostgresBackend_MarkFailedDeadLetters(t *testing.T) {
	b := newPostgresTestBackend(t, "dead")
	ctx := context.Background()

	maxAttempts := 1
	job := pgEnqueue(t, b, EnqueueOptions{Kind: "doomed", MaxAttempts: &maxAttempts})
	_, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, b.MarkFailed(ctx, job.ID, fmt.Errorf("fatal")))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
	assert.NotNil(t, got.FinishedAt)
}

func TestPostgresBackend_LateReportsAfterCancelAreIgnored(t *testing.T) {
	b := newPostgresTestBackend(t, "latereport")
	ctx := context.Background()

	job := pgEnqueue(t, b, EnqueueOptions{Kind: "slow"})
	_, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)

	// The attempt goes stale, recovery re-queues it, an operator cancels it
	backdateStartedAt(t, b, job.ID, time.Hour)
	recovered, err := b.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)
	require.NoError(t, b.Cancel(ctx, job.ID))

	// The original worker finally reports in; neither outcome may stick
	require.NoError(t, b.MarkFailed(ctx, job.ID, fmt.Errorf("too late")))
	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.LastError)

	require.NoError(t, b.MarkCompleted(ctx, job.ID))
	got, err = b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestPostgresBackend_CancelAndRetryTransitions(t *testing.T) {
	b := newPostgresTestBackend(t, "transitions")
	ctx := context.Background()

	job := pgEnqueue(t, b, EnqueueOptions{Kind: "email.send"})

	require.NoError(t, b.Cancel(ctx, job.ID))
	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// Cancelling again is a state conflict, not a missing job
	assert.ErrorIs(t, b.Cancel(ctx, job.ID), ErrNotCancellable)
	assert.ErrorIs(t, b.Cancel(ctx, "00000000-0000-0000-0000-000000000000"), ErrJobNotFound)

	require.NoError(t, b.Retry(ctx, job.ID))
	got, err = b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)

	assert.ErrorIs(t, b.Retry(ctx, job.ID), ErrNotRetryable)
	assert.ErrorIs(t, b.Retry(ctx, "00000000-0000-0000-0000-000000000000"), ErrJobNotFound)
}

func TestPostgresBackend_RecoverStaleThreshold(t *testing.T) {
	b := newPostgresTestBackend(t, "stale")
	ctx := context.Background()

	fresh := pgEnqueue(t, b, EnqueueOptions{Kind: "fresh"})
	stale := pgEnqueue(t, b, EnqueueOptions{Kind: "stale"})
	_, err := b.Dequeue(ctx, 2)
	require.NoError(t, err)

	backdateStartedAt(t, b, stale.ID, time.Hour)

	recovered, err := b.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := b.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts, "the interrupted attempt keeps counting")
	assert.Nil(t, got.StartedAt)

	got, err = b.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestPostgresBackend_DeleteFinishedBefore(t *testing.T) {
	b := newPostgresTestBackend(t, "purge")
	ctx := context.Background()

	done := pgEnqueue(t, b, EnqueueOptions{Kind: "done"})
	pending := pgEnqueue(t, b, EnqueueOptions{Kind: "keep"})
	_, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, b.MarkCompleted(ctx, done.ID))

	deleted, err := b.DeleteFinishedBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = b.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = b.Get(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestPostgresBackend_ListAndStats(t *testing.T) {
	b := newPostgresTestBackend(t, "stats")
	ctx := context.Background()

	pgEnqueue(t, b, EnqueueOptions{Queue: "emails", Kind: "email.send"})
	pgEnqueue(t, b, EnqueueOptions{Queue: "emails", Kind: "email.send"})
	reported := pgEnqueue(t, b, EnqueueOptions{Queue: "reports", Kind: "report.generate", Priority: 10})

	jobs, err := b.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, reported.ID, jobs[0].ID)
	require.NoError(t, b.MarkCompleted(ctx, reported.ID))

	listed, total, err := b.List(ctx, ListParams{Queue: "emails"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, listed, 2)

	listed, total, err = b.List(ctx, ListParams{Status: string(StatusCompleted)})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, listed, 1)
	assert.Equal(t, reported.ID, listed[0].ID)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
	assert.Equal(t, int64(1), stats.Completed)

	byQueue, err := b.StatsByQueue(ctx)
	require.NoError(t, err)
	require.Len(t, byQueue, 2)
	assert.Equal(t, "emails", byQueue[0].Queue)
	assert.Equal(t, int64(2), byQueue[0].Pending)
	assert.Equal(t, "reports", byQueue[1].Queue)
	assert.Equal(t, int64(1), byQueue[1].Completed)
}
