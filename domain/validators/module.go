package validators

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/branchgraph/domain/graph"
)

// Module provides the constraint runner.
var Module = fx.Module("validators",
	fx.Provide(func(m *graph.Manager, log *slog.Logger) *Runner {
		return NewRunner(m.Store(), log)
	}),
)
