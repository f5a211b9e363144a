// Package jobs exposes the job management API: enqueueing with the
// common patterns (immediate, delayed, scheduled, idempotent), lifecycle
// operations (cancel, retry) and visibility (get, list, stats).
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/internal/backend"
	"github.com/conveyorhq/conveyor/pkg/apperror"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

var validStatuses = map[string]bool{
	string(backend.StatusPending):   true,
	string(backend.StatusRunning):   true,
	string(backend.StatusCompleted): true,
	string(backend.StatusFailed):    true,
	string(backend.StatusCancelled): true,
	string(backend.StatusDead):      true,
}

// Service wraps the queue backend with validation and the API error
// taxonomy
type Service struct {
	backend backend.Backend
	log     *slog.Logger
}

// NewService creates a new jobs service
func NewService(b backend.Backend, log *slog.Logger) *Service {
	return &Service{
		backend: b,
		log:     log.With(logger.Scope("jobs.service")),
	}
}

// Enqueue validates the request and creates a job. RunAt and DelaySeconds
// select the scheduling pattern; with neither set the job is due
// immediately.
func (s *Service) Enqueue(ctx context.Context, req *EnqueueRequest) (*backend.Job, error) {
	if req.Kind == "" {
		return nil, apperror.NewBadRequest("kind is required")
	}
	if req.RunAt != nil && req.DelaySeconds > 0 {
		return nil, apperror.NewBadRequest("runAt and delaySeconds are mutually exclusive")
	}
	if req.DelaySeconds < 0 {
		return nil, apperror.NewBadRequest("delaySeconds must not be negative")
	}
	if req.MaxAttempts != nil && *req.MaxAttempts < 0 {
		return nil, apperror.NewBadRequest("maxAttempts must not be negative")
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, apperror.NewBadRequest("payload must be valid JSON")
	}

	runAt := req.RunAt
	if req.DelaySeconds > 0 {
		t := time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
		runAt = &t
	}

	job, err := s.backend.Enqueue(ctx, backend.EnqueueOptions{
		Queue:       req.Queue,
		Kind:        req.Kind,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		RunAt:       runAt,
		UniqueKey:   req.UniqueKey,
	})
	if err != nil {
		return nil, s.mapError(err)
	}

	s.log.Info("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("kind", job.Kind))

	return job, nil
}

// EnqueueIn creates a job due after the given delay
func (s *Service) EnqueueIn(ctx context.Context, req *EnqueueRequest, delay time.Duration) (*backend.Job, error) {
	t := time.Now().Add(delay)
	clone := *req
	clone.RunAt = &t
	clone.DelaySeconds = 0
	return s.Enqueue(ctx, &clone)
}

// EnqueueAt creates a job due at the given time
func (s *Service) EnqueueAt(ctx context.Context, req *EnqueueRequest, at time.Time) (*backend.Job, error) {
	clone := *req
	clone.RunAt = &at
	clone.DelaySeconds = 0
	return s.Enqueue(ctx, &clone)
}

// Get retrieves a job by ID
func (s *Service) Get(ctx context.Context, id string) (*backend.Job, error) {
	job, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, s.mapError(err)
	}
	return job, nil
}

// List returns jobs matching the filters plus the total match count
func (s *Service) List(ctx context.Context, params backend.ListParams) ([]*backend.Job, int, error) {
	if params.Status != "" && !validStatuses[params.Status] {
		return nil, 0, apperror.NewBadRequest("unknown status filter: " + params.Status)
	}

	jobs, total, err := s.backend.List(ctx, params)
	if err != nil {
		return nil, 0, s.mapError(err)
	}
	return jobs, total, nil
}

// Cancel cancels a job that has not started running
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.backend.Cancel(ctx, id); err != nil {
		return s.mapError(err)
	}

	s.log.Info("job cancelled", slog.String("job_id", id))
	return nil
}

// Retry returns a failed, dead or cancelled job to the queue with a
// fresh attempt budget
func (s *Service) Retry(ctx context.Context, id string) error {
	if err := s.backend.Retry(ctx, id); err != nil {
		return s.mapError(err)
	}

	s.log.Info("job retried", slog.String("job_id", id))
	return nil
}

// Stats returns job counts by status across all queues
func (s *Service) Stats(ctx context.Context) (*backend.Stats, error) {
	stats, err := s.backend.Stats(ctx)
	if err != nil {
		return nil, s.mapError(err)
	}
	return stats, nil
}

// StatsByQueue returns job counts grouped by queue
func (s *Service) StatsByQueue(ctx context.Context) ([]backend.QueueStats, error) {
	stats, err := s.backend.StatsByQueue(ctx)
	if err != nil {
		return nil, s.mapError(err)
	}
	return stats, nil
}

// mapError translates backend sentinels into the API error taxonomy
func (s *Service) mapError(err error) error {
	switch {
	case errors.Is(err, backend.ErrJobNotFound):
		return apperror.ErrJobNotFound
	case errors.Is(err, backend.ErrNotCancellable),
		errors.Is(err, backend.ErrNotRetryable):
		return apperror.NewConflict(err.Error())
	default:
		return apperror.ErrInternal.WithInternal(err)
	}
}
