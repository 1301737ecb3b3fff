package workflows

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/branchgraph/domain/events"
	"github.com/emergent-company/branchgraph/internal/config"
	"github.com/emergent-company/branchgraph/internal/jobs"
)

// Module provides the flows and the dispatcher, registers the job handlers
// and subscribes the dispatcher to branch events.
var Module = fx.Module("workflows",
	fx.Provide(
		NewFlows,
		NewDispatcher,
	),
	fx.Invoke(registerDispatcher),
)

// HTTPModule exposes the flows over the echo server.
var HTTPModule = fx.Module("workflows.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

// WorkerModule runs the job worker for the lifetime of the app.
var WorkerModule = fx.Module("workflows.worker",
	fx.Invoke(registerWorker),
)

func registerDispatcher(lc fx.Lifecycle, d *Dispatcher, h *jobs.Handlers, bus *events.Service) {
	d.Register(h)
	var unsubscribe func()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			unsubscribe = d.Subscribe(bus)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if unsubscribe != nil {
				unsubscribe()
			}
			return nil
		},
	})
}

func registerWorker(lc fx.Lifecycle, cfg *config.Config, q *jobs.Queue, h *jobs.Handlers, log *slog.Logger) {
	if !cfg.Worker.Enabled {
		log.Info("workflow worker disabled")
		return
	}
	w := jobs.NewQueueWorker(jobs.WorkerConfig{
		Name:                  "workflows",
		PollInterval:          cfg.Worker.PollInterval,
		BatchSize:             cfg.Worker.BatchSize,
		StaleThresholdMinutes: cfg.Scheduler.StaleJobMinutes,
		RecoverStaleOnStart:   true,
	}, q, h, log)
	lc.Append(fx.Hook{
		OnStart: w.Start,
		OnStop:  w.Stop,
	})
}
