package jobs

import (
	"go.uber.org/fx"
)

// Module provides the jobs domain
var Module = fx.Module("jobs",
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
