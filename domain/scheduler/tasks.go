package scheduler

import (
	"context"
	"log/slog"

	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/lock"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/internal/jobs"
	"github.com/emergent-company/branchgraph/pkg/logger"
)

// DiffRefreshTask recomputes every tracked diff against the default branch.
type DiffRefreshTask struct {
	reg   *registry.Registry
	coord *diff.Coordinator
	log   *slog.Logger
}

func NewDiffRefreshTask(reg *registry.Registry, coord *diff.Coordinator, log *slog.Logger) *DiffRefreshTask {
	return &DiffRefreshTask{reg: reg, coord: coord, log: log.With(logger.Scope("scheduler.diff_refresh"))}
}

func (t *DiffRefreshTask) Run(ctx context.Context) error {
	base, _, err := t.reg.Default()
	if err != nil {
		return err
	}
	refreshed, err := t.coord.RefreshBranchDiffs(ctx, base)
	if err != nil {
		return err
	}
	t.log.Debug("tracked diffs refreshed", slog.Int("count", len(refreshed)))
	return nil
}

// LockReapTask deletes expired lock leases.
type LockReapTask struct {
	locks *lock.Registry
}

func NewLockReapTask(locks *lock.Registry) *LockReapTask {
	return &LockReapTask{locks: locks}
}

func (t *LockReapTask) Run(ctx context.Context) error {
	_, err := t.locks.ReapExpired(ctx)
	return err
}

// StaleJobRecoveryTask returns jobs stuck in processing to the queue.
type StaleJobRecoveryTask struct {
	queue   *jobs.Queue
	minutes int
}

func NewStaleJobRecoveryTask(queue *jobs.Queue, minutes int) *StaleJobRecoveryTask {
	return &StaleJobRecoveryTask{queue: queue, minutes: minutes}
}

func (t *StaleJobRecoveryTask) Run(ctx context.Context) error {
	_, err := t.queue.RecoverStaleJobs(ctx, t.minutes)
	return err
}
