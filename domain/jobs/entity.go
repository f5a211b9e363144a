package jobs

import (
	"encoding/json"
	"time"

	"github.com/conveyorhq/conveyor/internal/backend"
)

// EnqueueRequest is the body of POST /api/jobs
type EnqueueRequest struct {
	// Queue names the target queue (default: "default")
	Queue string `json:"queue"`
	// Kind selects the registered handler
	Kind string `json:"kind"`
	// Payload is arbitrary JSON handed to the handler
	Payload json.RawMessage `json:"payload"`
	// Priority orders dequeue; higher runs first
	Priority int `json:"priority"`
	// MaxAttempts overrides the configured default when set
	MaxAttempts *int `json:"maxAttempts,omitempty"`
	// RunAt schedules the job for a point in time
	RunAt *time.Time `json:"runAt,omitempty"`
	// DelaySeconds schedules the job relative to now. Mutually exclusive
	// with RunAt.
	DelaySeconds int `json:"delaySeconds,omitempty"`
	// UniqueKey makes the enqueue idempotent while a job with this key
	// is still active
	UniqueKey string `json:"uniqueKey,omitempty"`
}

// JobResponse wraps a single job
type JobResponse struct {
	Data *backend.Job `json:"data"`
}

// JobListResponse wraps a page of jobs
type JobListResponse struct {
	Data   []*backend.Job `json:"data"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// StatsResponse wraps overall queue statistics
type StatsResponse struct {
	Data *backend.Stats `json:"data"`
}

// QueueStatsResponse wraps per-queue statistics
type QueueStatsResponse struct {
	Data []backend.QueueStats `json:"data"`
}
