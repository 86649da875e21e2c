package rotation

import "go.uber.org/fx"

var Module = fx.Module("rotation.service",
	fx.Provide(NewService),
)
