package ipam

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/internal/config"
)

// Module provides the IPAM reconciler.
var Module = fx.Module("ipam",
	fx.Provide(func(cfg *config.Config, m *graph.Manager, log *slog.Logger) *Reconciler {
		return NewReconciler(diff.KindsFromConfig(cfg.IPAM), m, log)
	}),
)
