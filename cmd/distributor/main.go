package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"leadmarket/pkg/config"
	"leadmarket/pkg/db"
	"leadmarket/pkg/gen"
	"leadmarket/pkg/logger"
	"leadmarket/pkg/otelcol"
	"leadmarket/pkg/redis"
	"leadmarket/services/distribution"
	"leadmarket/services/eligibility"
	"leadmarket/services/ledger"
	"leadmarket/services/marketplace"
	"leadmarket/services/provider"
	"leadmarket/services/rotation"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "distributor",
	Short: "Lead distribution and billing engine",
	Long:  `distributor routes approved leads to subscribed providers through rotating competition tiers and bills each assignment against the provider's prepaid balance.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("distributor %s (built %s)\n", version, buildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger.Named("fx")}
	}
	return fxevent.NopLogger
})

// infra is shared by every subcommand that talks to the database.
func infra() []fx.Option {
	return []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		fxLogger,
	}
}

// engine is the distribution core: stores, cache, rotation, ledger and the
// orchestrator.
func engine() []fx.Option {
	return []fx.Option{
		redis.Module,
		otelcol.Module,
		marketplace.Module,
		eligibility.Module,
		rotation.Module,
		ledger.Module,
		provider.Module,
		distribution.Module,
	}
}
