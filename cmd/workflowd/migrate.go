package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/config"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/logging"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/repository"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			logger := logging.NewLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := connectDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := repository.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info("Schema applied")
			return nil
		},
	}
}
