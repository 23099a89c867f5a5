package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/eventstream-ingest/internal/data"
	"github.com/example/eventstream-ingest/internal/ingestcfg"
)

var configPath string

// Overridden in tests.
var (
	loadConfig = ingestcfg.Load
	openStore  = func(ctx context.Context, cfg *ingestcfg.Config) (data.Store, error) {
		if !cfg.Postgres.Enabled {
			return nil, errors.New("postgres is not enabled in the config")
		}
		return data.NewPostgres(ctx, cfg.Postgres)
	}
)

var rootCmd = &cobra.Command{
	Use:           "esactl <command>",
	Short:         "Administration for the event stream ingest service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to ingest config")

	rootCmd.AddCommand(createTransportCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(emitCmd)
}

func defaultConfigPath() string {
	if s := os.Getenv("INGEST_CONFIG"); s != "" {
		return s
	}
	return "./config/ingest.yaml"
}

// withStore loads the config, opens the store and closes it after fn.
func withStore(ctx context.Context, fn func(cfg *ingestcfg.Config, store data.Store) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	return fn(cfg, store)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
