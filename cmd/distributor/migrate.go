package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"leadmarket/services/distribution"
	"leadmarket/services/jobrunner"
	"leadmarket/services/ledger"
	"leadmarket/services/marketplace"
	"leadmarket/services/rotation"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE:  runMigrate,
}

func models() []any {
	var out []any
	out = append(out, marketplace.Models()...)
	out = append(out, ledger.Models()...)
	out = append(out, rotation.Models()...)
	out = append(out, distribution.Models()...)
	out = append(out, jobrunner.Models()...)
	return out
}

func runMigrate(cmd *cobra.Command, args []string) error {
	var gdb *gorm.DB
	app := fx.New(append(infra(), fx.Populate(&gdb))...)
	if err := app.Err(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = app.Stop(ctx) }()

	if err := gdb.WithContext(ctx).AutoMigrate(models()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	zap.L().Info("migrations completed", zap.Int("tables", len(models())))
	return nil
}
