package registry

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/emergent-company/branchgraph/internal/config"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

// Module provides the registry and the shared change clock, and loads the
// registry on start.
var Module = fx.Module("registry",
	fx.Provide(timestamp.NewClock),
	fx.Provide(newFromConfig),
	fx.Invoke(registerLifecycle),
)

func newFromConfig(db bun.IDB, cfg *config.Config, clock *timestamp.Clock, log *slog.Logger) *Registry {
	return New(db, Config{
		DefaultBranch: cfg.Branches.DefaultBranch,
		GlobalBranch:  cfg.Branches.GlobalBranch,
	}, clock, log)
}

func registerLifecycle(lc fx.Lifecycle, r *Registry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return r.Refresh(ctx)
		},
	})
}
