package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/pressly/goose/v3"

	"github.com/medrex/lab-analysis/pkg/logger"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the embedded SQL migrations rooted at the migration directory
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(fmt.Sprintf("embedded migrations: %v", err))
	}
	return sub
}

type gooseRunner interface {
	UpTo(ctx context.Context, version int64) ([]*goose.MigrationResult, error)
}

type providerFactory func(db *sql.DB) (gooseRunner, error)

// Migrator applies the embedded schema migrations with goose
type Migrator struct {
	factory providerFactory
	logger  *logger.Logger
}

// NewMigrator creates a migrator for the PostgreSQL dialect
func NewMigrator(log *logger.Logger) *Migrator {
	return &Migrator{
		factory: func(db *sql.DB) (gooseRunner, error) {
			return goose.NewProvider(goose.DialectPostgres, db, Migrations())
		},
		logger: log,
	}
}

// Up applies every pending migration
func (m *Migrator) Up(ctx context.Context, db *sql.DB) ([]*goose.MigrationResult, error) {
	provider, err := m.factory(db)
	if err != nil {
		return nil, fmt.Errorf("init goose provider: %w", err)
	}

	log := m.logger.WithComponent("migrator")
	log.Info("Applying lab schema migrations")

	results, err := provider.UpTo(ctx, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	for _, result := range results {
		if result == nil || result.Source == nil {
			continue
		}
		log.WithFields(map[string]interface{}{
			"version":  result.Source.Version,
			"file":     filepath.Base(result.Source.Path),
			"duration": result.Duration.String(),
			"empty":    result.Empty,
		}).Info("Migration applied")
	}

	return results, nil
}
