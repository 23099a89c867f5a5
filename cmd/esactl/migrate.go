package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/eventstream-ingest/internal/data"
)

var runMigrations = data.Migrate

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is not set")
		}
		if err := runMigrations(cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}
