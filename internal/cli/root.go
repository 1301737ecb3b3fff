// Package cli implements branchctl, which runs branch and schema workflows
// in-process against the configured database.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/events"
	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/domain/ipam"
	"github.com/emergent-company/branchgraph/domain/lock"
	"github.com/emergent-company/branchgraph/domain/merger"
	"github.com/emergent-company/branchgraph/domain/proposedchange"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/domain/schemamigration"
	"github.com/emergent-company/branchgraph/domain/validators"
	"github.com/emergent-company/branchgraph/domain/workflows"
	"github.com/emergent-company/branchgraph/internal/config"
	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/internal/jobs"
	"github.com/emergent-company/branchgraph/internal/migrate"
	"github.com/emergent-company/branchgraph/pkg/logger"
)

type options struct {
	output string
	debug  bool
	out    io.Writer
}

// NewRootCommand builds the branchctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{out: os.Stdout}
	root := &cobra.Command{
		Use:           "branchctl",
		Short:         "Manage graph branches and schemas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.out = cmd.OutOrStdout()
			return checkOutput(opts.output)
		},
	}
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "json", "output format (json, yaml)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "log at debug level to stderr")

	root.AddCommand(
		newBranchCommand(opts),
		newSchemaCommand(opts),
		newMigrateCommand(opts),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// runtime is the subset of the server graph a command needs.
type runtime struct {
	fx.In

	Flows    *workflows.Flows
	Registry *registry.Registry
}

// withRuntime starts the core modules without the HTTP server, worker or
// scheduler, runs fn and stops the app.
func withRuntime(ctx context.Context, opts *options, fn func(ctx context.Context, rt runtime) error) error {
	var rt runtime
	app := fx.New(
		fx.NopLogger,
		fx.Provide(func() *slog.Logger { return stderrLogger(opts.debug) }),
		fx.Provide(logger.NewZapLogger),
		config.Module,
		database.Module,
		migrate.Module,
		jobs.Module,
		registry.Module,
		lock.Module,
		graph.Module,
		diff.Module,
		validators.Module,
		schemamigration.Module,
		merger.Module,
		ipam.Module,
		events.Module,
		proposedchange.Module,
		workflows.Module,
		fx.Populate(&rt),
	)
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	runErr := fn(ctx, rt)
	if err := app.Stop(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		return fmt.Errorf("stop: %w", err)
	}
	return runErr
}

func stderrLogger(debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
