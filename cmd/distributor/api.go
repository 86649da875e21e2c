package main

import (
	"log"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"leadmarket/pkg/access"
	"leadmarket/pkg/health"
	"leadmarket/pkg/server"
	"leadmarket/pkg/task"
	"leadmarket/services/httpapi"
	"leadmarket/services/jobrunner"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		opts := append(infra(), engine()...)
		opts = append(opts,
			task.Client,
			jobrunner.Module,
			access.Module,
			health.Module,
			server.ProvideHTTPServer,
			httpapi.Module,
		)

		if err := fx.ValidateApp(opts...); err != nil {
			log.Fatalf("fx validation failed: %v", err)
		}

		fx.New(opts...).Run()
	},
}
