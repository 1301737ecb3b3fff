package events

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/branchgraph/domain/registry"
)

// Module provides the event bus and keeps the registry subscribed to it.
var Module = fx.Module("events",
	fx.Provide(NewService),
	fx.Invoke(RegisterLifecycle),
)

// LifecycleParams are the dependencies for lifecycle hooks
type LifecycleParams struct {
	fx.In

	LC       fx.Lifecycle
	Service  *Service
	Registry *registry.Registry
	Log      *slog.Logger
}

// RegisterLifecycle subscribes the registry and drains pending deliveries on
// shutdown.
func RegisterLifecycle(p LifecycleParams) {
	var unsubscribe func()
	p.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			unsubscribe = SubscribeRegistry(p.Service, p.Registry)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Log.Info("stopping event bus")
			if unsubscribe != nil {
				unsubscribe()
			}
			p.Service.Wait()
			return nil
		},
	})
}
