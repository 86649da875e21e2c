package eligibility

import (
	"leadmarket/services/marketplace"

	"go.uber.org/fx"
)

var Module = fx.Module("eligibility.service",
	fx.Provide(
		provideCache,
		provideInvalidator,
		NewResolver,
	),
)

func provideInvalidator(c *Cache) marketplace.CacheInvalidator {
	return c
}
