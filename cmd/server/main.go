// Package main provides the entry point for the Conveyor job server.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/conveyorhq/conveyor/domain/health"
	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/domain/scheduler"
	"github.com/conveyorhq/conveyor/internal/backend"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/database"
	"github.com/conveyorhq/conveyor/internal/server"
	"github.com/conveyorhq/conveyor/internal/worker"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

func main() {
	// Load .env files if present (for local development).
	// Load() won't overwrite existing vars, Overload() will.
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	opts := []fx.Option{
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		server.Module,

		// Queue backend, worker pool and handler registration
		backend.Module,
		worker.Module,
		fx.Invoke(registerHandlers),

		// Domain modules
		health.Module,
		jobs.Module,
		scheduler.Module,
	}

	// The memory backend runs without PostgreSQL; only connect when the
	// durable backend is selected
	if os.Getenv("QUEUE_BACKEND") != config.BackendMemory {
		opts = append(opts, database.Module)
	}

	fx.New(opts...).Run()
}

// registerHandlers binds job kinds to their handlers. The no-op kind is
// kept around for smoke-testing queue plumbing end to end.
func registerHandlers(r *worker.Registry, log *slog.Logger) {
	r.MustRegister("noop", func(ctx context.Context, job *backend.Job) error {
		log.Debug("noop job executed", slog.String("job_id", job.ID))
		return nil
	})
}
