package jobrunner

import (
	"leadmarket/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("jobrunner.service",
	fx.Provide(
		NewService,
	),
)

// Worker wires the distribution task handler, retry policy, dead-lettering
// and the reconciliation scheduler into the asynq server.
var Worker = fx.Module("jobrunner.worker",
	fx.Provide(
		provideRetryDelay,
		provideErrorHandler,
		NewScheduler,
	),
	fx.Invoke(registerTaskHandlers, StartScheduler),
)

func provideRetryDelay(s *Service) asynq.RetryDelayFunc {
	return s.RetryDelay
}

func provideErrorHandler(s *Service) asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(s.HandleFailure)
}

func registerTaskHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.DistributeLead, s.HandleDistributionTask)
}
