package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/repo"
)

func buildMigrateCmd(load loader) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate [up|down|version]",
		Short: "Manage database migrations",
		Args:  cobra.MaximumNArgs(1),
		ValidArgs: []string{
			"up", "down", "version",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}

			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			pool, err := pgxpool.New(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to create connection pool: %w", err)
			}
			defer pool.Close()

			db := stdlib.OpenDBFromPool(pool)
			defer db.Close()

			switch direction {
			case "up":
				if err := repo.MigrateUp(db); err != nil {
					return err
				}
			case "down":
				if err := repo.MigrateDown(db); err != nil {
					return err
				}
			case "version":
			default:
				return fmt.Errorf("unknown migration direction %q", direction)
			}

			version, dirty, err := repo.MigrationVersion(db)
			if err != nil {
				return err
			}
			logger.Info("Database schema version",
				zap.String("direction", direction),
				zap.Uint("version", version),
				zap.Bool("dirty", dirty))

			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %v)\n", version, dirty)
			return nil
		},
	}
	return migrateCmd
}
