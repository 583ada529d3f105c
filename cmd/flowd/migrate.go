package main

import (
	"context"

	"github.com/spf13/cobra"

	"flow-orchestrator/backend/internal/config"
	"flow-orchestrator/backend/internal/logging"
	"flow-orchestrator/backend/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	dbPool, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	if err := repository.Migrate(ctx, dbPool); err != nil {
		return err
	}

	logger.Info("Schema applied")
	return nil
}
