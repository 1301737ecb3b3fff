package proposedchange

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/branchgraph/domain/registry"
)

// Module provides the proposed change repository.
var Module = fx.Module("proposedchange",
	fx.Provide(func(reg *registry.Registry, log *slog.Logger) *Repository {
		return NewRepository(reg.DB(), reg.Clock(), log)
	}),
)
