package marketplace

import "go.uber.org/fx"

var Module = fx.Module("marketplace.service",
	fx.Provide(NewService),
)
