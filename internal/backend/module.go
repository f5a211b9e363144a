package backend

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/conveyorhq/conveyor/internal/config"
)

var Module = fx.Module("backend",
	fx.Provide(NewBackend),
)

// Params collects the dependencies for backend selection. The database is
// optional so a memory-backed process can run without PostgreSQL.
type Params struct {
	fx.In

	Config *config.Config
	Logger *slog.Logger
	DB     bun.IDB `optional:"true"`
}

// NewBackend selects the queue backend from configuration
func NewBackend(p Params) (Backend, error) {
	policy := RetryPolicy{
		MaxAttempts: p.Config.Queue.MaxAttempts,
		BaseDelay:   time.Duration(p.Config.Queue.BaseRetryDelaySec) * time.Second,
		MaxDelay:    time.Duration(p.Config.Queue.MaxRetryDelaySec) * time.Second,
	}

	switch p.Config.Queue.Backend {
	case config.BackendPostgres:
		if p.DB == nil {
			return nil, fmt.Errorf("postgres queue backend requires a database connection")
		}
		return NewPostgresBackend(p.DB, policy, p.Logger), nil
	case config.BackendMemory:
		return NewMemoryBackend(policy, p.Logger), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", p.Config.Queue.Backend)
	}
}
