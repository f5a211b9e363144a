// Package backend defines the job model and the queue backend contract.
//
// A backend owns job persistence and the state machine around it:
// idempotent enqueue, atomic claim of pending jobs, retry with exponential
// backoff, dead-lettering, and stale job recovery. Two implementations are
// provided: a durable PostgreSQL backend and an in-process memory backend.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// JobStatus represents the state of a job
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed" // awaiting retry after a failed attempt
	StatusCancelled JobStatus = "cancelled"
	StatusDead      JobStatus = "dead" // permanently failed after max attempts
)

// DefaultQueue is used when an enqueue request does not name a queue
const DefaultQueue = "default"

// Sentinel errors returned by backends. The HTTP layer maps these onto
// its own error taxonomy.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrNotCancellable = errors.New("only pending or failed jobs can be cancelled")
	ErrNotRetryable   = errors.New("only failed, dead or cancelled jobs can be retried")
)

// Job represents a unit of background work. Jobs are claimed by workers,
// executed by the handler registered for their kind, and retried with
// exponential backoff until they complete or exhaust max_attempts.
type Job struct {
	bun.BaseModel `bun:"table:conveyor.jobs,alias:j"`

	ID          string          `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	Queue       string          `bun:"queue,notnull,default:'default'" json:"queue"`
	Kind        string          `bun:"kind,notnull" json:"kind"`
	Payload     json.RawMessage `bun:"payload,type:jsonb,notnull,default:'{}'" json:"payload,omitempty"`
	Status      JobStatus       `bun:"status,notnull,default:'pending'" json:"status"`
	Priority    int             `bun:"priority,notnull,default:0" json:"priority"`
	Attempts    int             `bun:"attempts,notnull,default:0" json:"attempts"`
	MaxAttempts int             `bun:"max_attempts,notnull,default:5" json:"maxAttempts"`
	LastError   *string         `bun:"last_error" json:"lastError,omitempty"`
	UniqueKey   *string         `bun:"unique_key" json:"uniqueKey,omitempty"`
	RunAt       time.Time       `bun:"run_at,notnull,default:now()" json:"runAt"`
	StartedAt   *time.Time      `bun:"started_at" json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `bun:"finished_at" json:"finishedAt,omitempty"`
	CreatedAt   time.Time       `bun:"created_at,notnull,default:now()" json:"createdAt"`
	UpdatedAt   time.Time       `bun:"updated_at,notnull,default:now()" json:"updatedAt"`
}

// IsActive reports whether the job still occupies its unique key
func (j *Job) IsActive() bool {
	switch j.Status {
	case StatusPending, StatusRunning, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the job has reached a final state
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCancelled, StatusDead:
		return true
	}
	return false
}

// EnqueueOptions contains options for enqueuing a job
type EnqueueOptions struct {
	// Queue names the queue the job belongs to (default: "default")
	Queue string
	// Kind selects the handler that will execute the job
	Kind string
	// Payload is arbitrary JSON passed to the handler
	Payload json.RawMessage
	// Priority orders dequeue within a queue; higher runs first
	Priority int
	// MaxAttempts overrides the configured default when set
	MaxAttempts *int
	// RunAt delays execution until the given time when set
	RunAt *time.Time
	// UniqueKey makes the enqueue idempotent: while a job with this key
	// is pending or running, further enqueues return the existing job
	UniqueKey string
}

// ListParams contains filters for listing jobs
type ListParams struct {
	Queue  string
	Kind   string
	Status string
	Limit  int
	Offset int
}

// Stats represents job counts by status
type Stats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Dead      int64 `json:"dead"`
}

// QueueStats represents job counts for a single queue
type QueueStats struct {
	Queue string `json:"queue"`
	Stats
}

// RetryPolicy controls backoff and dead-lettering
type RetryPolicy struct {
	// MaxAttempts is the default maximum attempts per job (0 = unlimited)
	MaxAttempts int
	// BaseDelay is the base backoff delay
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay
	MaxDelay time.Duration
}

// NextDelay returns the backoff delay after the given attempt count.
// The curve is base * attempt^2, capped at MaxDelay.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay * time.Duration(attempt*attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Backend is the queue storage contract shared by the HTTP surface, the
// worker pool and the scheduler.
type Backend interface {
	// Enqueue creates a job. With a UniqueKey set it is idempotent and
	// returns the existing active job instead of creating a duplicate.
	Enqueue(ctx context.Context, opts EnqueueOptions) (*Job, error)

	// Dequeue atomically claims up to batchSize due jobs, moving them to
	// running and incrementing attempts. An empty result is not an error.
	Dequeue(ctx context.Context, batchSize int) ([]*Job, error)

	// MarkCompleted finishes a running job successfully
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed records a failure. The job is rescheduled with backoff,
	// or dead-lettered once attempts reach max_attempts.
	MarkFailed(ctx context.Context, id string, jobErr error) error

	// Cancel cancels a pending or failed (awaiting retry) job
	Cancel(ctx context.Context, id string) error

	// Retry returns a failed, dead or cancelled job to pending
	Retry(ctx context.Context, id string) error

	// RecoverStale returns running jobs older than the threshold to
	// pending. The interrupted attempt still counts toward max_attempts.
	RecoverStale(ctx context.Context, threshold time.Duration) (int, error)

	// DeleteFinishedBefore purges terminal jobs older than the cutoff
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Get retrieves a job by ID
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs matching the filters plus the total match count
	List(ctx context.Context, params ListParams) ([]*Job, int, error)

	// Stats returns job counts by status across all queues
	Stats(ctx context.Context) (*Stats, error)

	// StatsByQueue returns job counts grouped by queue
	StatsByQueue(ctx context.Context) ([]QueueStats, error)
}

// truncateError truncates an error message to 1000 characters
func truncateError(msg string) string {
	if len(msg) > 1000 {
		return msg[:1000]
	}
	return msg
}
