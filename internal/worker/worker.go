// Package worker runs the polling worker pool that executes jobs.
//
// The pool polls the backend on an interval, claims a batch of due jobs
// and dispatches them across a bounded set of goroutines. Each execution
// gets its own timeout and panic recovery, so one bad handler can never
// take the pool down.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/conveyorhq/conveyor/internal/backend"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

// Pool polls the backend and executes claimed jobs concurrently
type Pool struct {
	backend  backend.Backend
	registry *Registry
	cfg      config.WorkerConfig
	log      *slog.Logger

	ratePerSecond float64
	limiterMu     sync.Mutex
	limiters      map[string]*rate.Limiter
	sem           chan struct{}

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	wg        sync.WaitGroup
}

// NewPool creates a worker pool
func NewPool(b backend.Backend, registry *Registry, cfg config.WorkerConfig, log *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}

	return &Pool{
		backend:       b,
		registry:      registry,
		cfg:           cfg,
		log:           log.With(logger.Scope("worker.pool")),
		ratePerSecond: cfg.RatePerSecond,
		limiters:      make(map[string]*rate.Limiter),
		sem:           make(chan struct{}, cfg.Concurrency),
	}
}

// limiterFor returns the rate limiter for a queue, creating it on first
// use. Each queue gets its own token bucket so a throttled queue never
// starves the others. Returns nil when rate limiting is disabled.
func (p *Pool) limiterFor(queue string) *rate.Limiter {
	if p.ratePerSecond <= 0 {
		return nil
	}

	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()

	lim, ok := p.limiters[queue]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.ratePerSecond), 1)
		p.limiters[queue] = lim
	}
	return lim
}

// Start recovers stale jobs left over from a previous run and begins the
// polling loop
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stoppedCh = make(chan struct{})
	p.mu.Unlock()

	threshold := time.Duration(p.cfg.StaleThresholdMinutes) * time.Minute
	if recovered, err := p.backend.RecoverStale(ctx, threshold); err != nil {
		p.log.Warn("stale job recovery on start failed", logger.Error(err))
	} else if recovered > 0 {
		p.log.Info("recovered stale jobs on start", slog.Int("count", recovered))
	}

	p.log.Info("worker pool starting",
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Duration("poll_interval", p.cfg.PollInterval),
		slog.Int("batch_size", p.cfg.BatchSize),
		slog.Duration("job_timeout", p.cfg.JobTimeout),
		slog.Any("kinds", p.registry.Kinds()))

	go p.run()

	return nil
}

// Stop stops polling and waits for in-flight jobs to finish, up to the
// context deadline
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-p.stoppedCh
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.log.Warn("worker pool stop timeout, abandoning in-flight jobs")
	}

	return nil
}

func (p *Pool) run() {
	defer close(p.stoppedCh)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// Poll once immediately so a fresh process picks up backlog without
	// waiting a full interval
	p.poll()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

// poll claims one batch and dispatches it. Dequeue failures are logged
// and retried on the next tick.
func (p *Pool) poll() {
	ctx := context.Background()

	jobs, err := p.backend.Dequeue(ctx, p.cfg.BatchSize)
	if err != nil {
		p.log.Warn("dequeue failed", logger.Error(err))
		return
	}

	dequeueBatchSize.Observe(float64(len(jobs)))
	if len(jobs) == 0 {
		return
	}

	p.log.Debug("claimed batch", slog.Int("count", len(jobs)))

	for _, job := range jobs {
		if lim := p.limiterFor(job.Queue); lim != nil {
			if err := p.waitForRateLimit(ctx, lim); err != nil {
				// Shutting down mid-batch; the unprocessed jobs go back
				// to the queue via stale recovery
				return
			}
		}

		select {
		case p.sem <- struct{}{}:
		case <-p.stopCh:
			return
		}

		p.wg.Add(1)
		go func(job *backend.Job) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.execute(job)
		}(job)
	}
}

func (p *Pool) waitForRateLimit(ctx context.Context, lim *rate.Limiter) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	return lim.Wait(waitCtx)
}

// execute runs a single claimed job through its handler and records the
// outcome on the backend
func (p *Pool) execute(job *backend.Job) {
	log := p.log.With(
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("kind", job.Kind),
		slog.Int("attempt", job.Attempts))

	handler, ok := p.registry.Get(job.Kind)
	if !ok {
		log.Error("no handler registered for job kind")
		p.recordFailure(job, fmt.Errorf("no handler registered for kind %q", job.Kind), outcomeFailed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancel()

	jobsInFlight.Inc()
	start := time.Now()

	err := p.runHandler(ctx, handler, job)

	elapsed := time.Since(start)
	jobsInFlight.Dec()
	jobDuration.WithLabelValues(job.Kind).Observe(elapsed.Seconds())

	if err != nil {
		log.Warn("job failed", slog.Duration("elapsed", elapsed), logger.Error(err))
		outcome := outcomeFailed
		if _, panicked := err.(*panicError); panicked {
			outcome = outcomePanicked
		}
		p.recordFailure(job, err, outcome)
		return
	}

	jobsProcessed.WithLabelValues(job.Kind, outcomeSucceeded).Inc()
	log.Info("job completed", slog.Duration("elapsed", elapsed))

	if err := p.backend.MarkCompleted(context.Background(), job.ID); err != nil {
		log.Error("failed to mark job completed", logger.Error(err))
	}
}

// panicError marks a failure caused by a panicking handler
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.value)
}

// runHandler invokes the handler with panic recovery
func (p *Pool) runHandler(ctx context.Context, handler HandlerFunc, job *backend.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
			p.log.Error("handler panic",
				slog.String("job_id", job.ID),
				slog.String("kind", job.Kind),
				slog.Any("panic", r),
				slog.String("stack", string(err.(*panicError).stack)))
		}
	}()

	return handler(ctx, job)
}

func (p *Pool) recordFailure(job *backend.Job, jobErr error, outcome string) {
	jobsProcessed.WithLabelValues(job.Kind, outcome).Inc()

	// Use a fresh context; the job's own context may already be cancelled
	if err := p.backend.MarkFailed(context.Background(), job.ID, jobErr); err != nil {
		p.log.Error("failed to mark job failed",
			slog.String("job_id", job.ID),
			logger.Error(err))
	}
}

// IsRunning reports whether the pool is polling
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
