package worker

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/conveyorhq/conveyor/internal/backend"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

var Module = fx.Module("worker",
	fx.Provide(
		NewRegistry,
		func(b backend.Backend, registry *Registry, cfg *config.Config, log *slog.Logger) *Pool {
			return NewPool(b, registry, cfg.Worker, log)
		},
	),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, pool *Pool, cfg *config.Config, log *slog.Logger) {
	if !cfg.Worker.Enabled {
		log.Info("worker pool disabled", logger.Scope("worker"))
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return pool.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return pool.Stop(ctx)
		},
	})
}
