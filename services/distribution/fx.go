package distribution

import "go.uber.org/fx"

var Module = fx.Module("distribution.service",
	fx.Provide(NewService),
)
