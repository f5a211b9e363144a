package health

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"

	"github.com/conveyorhq/conveyor/internal/config"
)

// HandlerParams collects health handler dependencies. The pool is
// optional so the memory backend can run without PostgreSQL.
type HandlerParams struct {
	fx.In

	Pool *pgxpool.Pool `optional:"true"`
	Cfg  *config.Config
}

// Module provides health check endpoints
var Module = fx.Module("health",
	fx.Provide(func(p HandlerParams) *Handler {
		return NewHandler(p.Pool, p.Cfg)
	}),
	fx.Invoke(RegisterRoutes),
)
