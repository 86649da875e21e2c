package main

import (
	"log"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"leadmarket/pkg/task"
	"leadmarket/services/jobrunner"
	"leadmarket/services/ledger"
	"leadmarket/services/provider"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the asynq worker for distribution, alert and reconciliation tasks",
	Run: func(cmd *cobra.Command, args []string) {
		opts := append(infra(), engine()...)
		opts = append(opts,
			task.Client,
			task.Server,
			jobrunner.Module,
			jobrunner.Worker,
			ledger.Worker,
			provider.Worker,
		)

		if err := fx.ValidateApp(opts...); err != nil {
			log.Fatalf("fx validation failed: %v", err)
		}

		fx.New(opts...).Run()
	},
}
