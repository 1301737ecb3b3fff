// Package main runs the branchgraph API server: the branch workflows over
// HTTP, the job worker and the maintenance scheduler.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/events"
	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/domain/ipam"
	"github.com/emergent-company/branchgraph/domain/lock"
	"github.com/emergent-company/branchgraph/domain/merger"
	"github.com/emergent-company/branchgraph/domain/proposedchange"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/domain/scheduler"
	"github.com/emergent-company/branchgraph/domain/schemamigration"
	"github.com/emergent-company/branchgraph/domain/tracing"
	"github.com/emergent-company/branchgraph/domain/validators"
	"github.com/emergent-company/branchgraph/domain/workflows"
	"github.com/emergent-company/branchgraph/internal/config"
	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/internal/jobs"
	"github.com/emergent-company/branchgraph/internal/migrate"
	"github.com/emergent-company/branchgraph/internal/server"
	"github.com/emergent-company/branchgraph/pkg/logger"
)

func main() {
	// .env.local overrides .env
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure
		logger.Module,
		config.Module,
		database.Module,
		migrate.Module,
		server.Module,
		tracing.Module,
		jobs.Module,

		// Graph core
		branch.Module,
		registry.Module,
		lock.Module,
		graph.Module,
		diff.Module,
		validators.Module,
		schemamigration.Module,
		merger.Module,
		ipam.Module,

		// Workflows
		events.Module,
		proposedchange.Module,
		workflows.Module,
		workflows.HTTPModule,
		workflows.WorkerModule,
		scheduler.Module,
	).Run()
}
