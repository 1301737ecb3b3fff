package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/emergent-company/branchgraph/internal/config"
	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/internal/migrate"
	"github.com/emergent-company/branchgraph/pkg/logger"
)

func newMigrateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(cmd.Context(), opts, func(ctx context.Context, m *migrate.Migrator) error {
					return m.Up(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration (postgres only)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(cmd.Context(), opts, func(ctx context.Context, m *migrate.Migrator) error {
					return m.Down(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied migration version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(cmd.Context(), opts, func(ctx context.Context, m *migrate.Migrator) error {
					v, err := m.Version(ctx)
					if err != nil {
						return err
					}
					return render(opts.out, opts.output, map[string]int64{"version": v})
				})
			},
		},
	)
	return cmd
}

// withMigrator builds only the database and the migrator. The app is never
// started, so DB_AUTO_MIGRATE does not run and the pool is closed directly.
func withMigrator(ctx context.Context, opts *options, fn func(ctx context.Context, m *migrate.Migrator) error) error {
	var (
		m  *migrate.Migrator
		db *bun.DB
	)
	app := fx.New(
		fx.NopLogger,
		fx.Provide(func() *slog.Logger { return stderrLogger(opts.debug) }),
		fx.Provide(logger.NewZapLogger),
		config.Module,
		database.Module,
		fx.Provide(migrate.AllTables, migrate.NewMigrator),
		fx.Populate(&m, &db),
	)
	if err := app.Err(); err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, m)
}
