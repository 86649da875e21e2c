package provider

import (
	"leadmarket/pkg/taskname"
	"leadmarket/services/distribution"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("provider.service",
	fx.Provide(
		NewService,
		provideStatusSyncer,
	),
)

var Worker = fx.Module("provider.worker",
	fx.Invoke(registerTaskHandlers),
)

func provideStatusSyncer(s *Service) distribution.StatusSyncer {
	return s
}

func registerTaskHandlers(mux *asynq.ServeMux, service *Service) {
	mux.HandleFunc(taskname.ProviderBalanceLow, service.HandleBalanceLowTask)
}
