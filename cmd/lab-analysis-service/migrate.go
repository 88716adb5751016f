package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/medrex/lab-analysis/pkg/config"
	"github.com/medrex/lab-analysis/pkg/database"
	"github.com/medrex/lab-analysis/pkg/logger"
)

var errMigrateNeedsPostgres = errors.New("migrate requires storage.driver=postgres")

// NewMigrateCommand applies the embedded schema migrations and exits
func NewMigrateCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply lab database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != config.StorageDriverPostgres {
				return errMigrateNeedsPostgres
			}

			log := logger.NewWithOutput(cfg.LogLevel, cmd.ErrOrStderr())
			results, err := runMigrations(cmd.Context(), &cfg.Database, log)
			if err != nil {
				return err
			}

			logMigrationResults(cmd, results)
			return nil
		},
	}
}

func runMigrations(ctx context.Context, cfg *config.DatabaseConfig, log *logger.Logger) ([]*goose.MigrationResult, error) {
	db, err := database.NewConnection(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	defer db.Close()

	results, err := database.NewMigrator(log).Up(ctx, db.DB)
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return results, nil
}

func logMigrationResults(cmd *cobra.Command, results []*goose.MigrationResult) {
	if len(results) == 0 {
		cmd.Println("schema is up to date")
		return
	}

	for _, result := range results {
		if result == nil || result.Source == nil {
			continue
		}

		state := "applied"
		if result.Empty {
			state = "noop"
		}

		cmd.Printf("migration %05d %s (%s)\n", result.Source.Version, state, filepath.Base(result.Source.Path))
	}
}
