package jobs

import (
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/emergent-company/branchgraph/internal/config"
)

// Module provides the workflow queue and the handler registry. Domain modules
// register their handlers on *Handlers; the worker lifecycle is owned by the
// workflows module.
var Module = fx.Module("jobs",
	fx.Provide(
		NewHandlers,
		newQueueFromConfig,
	),
)

func newQueueFromConfig(db bun.IDB, cfg *config.Config, log *slog.Logger) *Queue {
	qc := DefaultQueueConfig()
	qc.MaxAttempts = cfg.Worker.MaxAttempts
	qc.BatchSize = cfg.Worker.BatchSize
	return NewQueue(db, qc, log)
}
