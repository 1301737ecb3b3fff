// Package migrate provides database migration functionality using Goose.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/emergent-company/branchgraph/internal/config"
	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/migrations"
)

// Module provides the migrator and, when DB_AUTO_MIGRATE is set, runs it on
// start. It must be listed before modules that read the database on start.
var Module = fx.Module("migrate",
	fx.Provide(AllTables, NewMigrator),
	fx.Invoke(registerAutoMigrate),
)

func registerAutoMigrate(lc fx.Lifecycle, m *Migrator, cfg *config.Config) {
	if !cfg.Database.AutoMigrate {
		return
	}
	lc.Append(fx.Hook{OnStart: m.Up})
}

// Tables lists the bun models and indexes used to build the embedded sqlite
// schema. The Postgres schema comes from the SQL files in migrations/.
type Tables struct {
	Models  []any
	Indexes []database.Index
}

// Migrator handles database migrations.
type Migrator struct {
	db     *bun.DB
	tables Tables
	logger *zap.Logger
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *bun.DB, tables Tables, logger *zap.Logger) *Migrator {
	return &Migrator{
		db:     db,
		tables: tables,
		logger: logger.Named("migrator"),
	}
}

// Up runs all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	m.logger.Info("running database migrations")

	if !database.IsPostgres(m.db) {
		if err := database.CreateTables(ctx, m.db, m.tables.Models, m.tables.Indexes); err != nil {
			return fmt.Errorf("failed to create sqlite tables: %w", err)
		}
		m.logger.Info("sqlite tables ensured", zap.Int("tables", len(m.tables.Models)))
		return nil
	}

	if err := RunWithDB(ctx, m.db.DB); err != nil {
		return err
	}

	m.logger.Info("migrations completed successfully")
	return nil
}

// Down rolls back the last migration.
func (m *Migrator) Down(ctx context.Context) error {
	if !database.IsPostgres(m.db) {
		return fmt.Errorf("down migrations are only supported on postgres")
	}
	m.logger.Info("rolling back last migration")

	if err := setup(); err != nil {
		return err
	}
	if err := goose.DownContext(ctx, m.db.DB, "."); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	m.logger.Info("rollback completed successfully")
	return nil
}

// Version returns the current database version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	if !database.IsPostgres(m.db) {
		return 0, nil
	}
	if err := setup(); err != nil {
		return 0, err
	}

	version, err := goose.GetDBVersionContext(ctx, m.db.DB)
	if err != nil {
		return 0, fmt.Errorf("failed to get version: %w", err)
	}

	return version, nil
}

// RunWithDB runs migrations using a raw *sql.DB connection.
func RunWithDB(ctx context.Context, db *sql.DB) error {
	if err := setup(); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func setup() error {
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	return nil
}
