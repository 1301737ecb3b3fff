package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/lock"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/internal/config"
	"github.com/emergent-company/branchgraph/internal/jobs"
	"github.com/emergent-company/branchgraph/pkg/logger"
)

// Module schedules diff refresh, lease reaping and stale job recovery.
var Module = fx.Module("scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(RegisterTasks, RegisterLifecycle),
)

// TaskParams holds the dependencies of the scheduled tasks.
type TaskParams struct {
	fx.In
	Scheduler *Scheduler
	Registry  *registry.Registry
	Coord     *diff.Coordinator
	Locks     *lock.Registry
	Queue     *jobs.Queue
	Cfg       *config.Config
	Log       *slog.Logger
}

func RegisterTasks(p TaskParams) error {
	cfg := p.Cfg.Scheduler
	if !cfg.Enabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return nil
	}

	diffRefresh := NewDiffRefreshTask(p.Registry, p.Coord, p.Log)
	tasks := []struct {
		name     string
		interval time.Duration
		run      TaskFunc
	}{
		{"diff_refresh", p.Cfg.Diff.RefreshInterval, diffRefresh.Run},
		{"lock_reaper", cfg.LockReapInterval, NewLockReapTask(p.Locks).Run},
		{"stale_job_recovery", cfg.StaleJobInterval, NewStaleJobRecoveryTask(p.Queue, cfg.StaleJobMinutes).Run},
	}
	for _, t := range tasks {
		if err := p.Scheduler.AddIntervalTask(t.name, t.interval, t.run); err != nil {
			p.Log.Error("failed to register scheduled task", slog.String("name", t.name), logger.Error(err))
		}
	}
	p.Log.Info("registered scheduled tasks", slog.Any("tasks", p.Scheduler.ListTasks()))

	if cfg.DiffRefreshOnStartup {
		go func() {
			if err := diffRefresh.Run(context.Background()); err != nil {
				p.Log.Warn("startup diff refresh failed", logger.Error(err))
			}
		}()
	}
	return nil
}

func RegisterLifecycle(lc fx.Lifecycle, s *Scheduler, cfg *config.Config) {
	if !cfg.Scheduler.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}
