package ledger

import (
	"leadmarket/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(NewService),
)

// Worker registers the ledger's background task handlers.
var Worker = fx.Module("ledger.worker",
	fx.Invoke(registerTaskHandlers),
)

func registerTaskHandlers(mux *asynq.ServeMux, service *Service) {
	mux.HandleFunc(taskname.LedgerReconcile, service.HandleReconcileTask)
}
