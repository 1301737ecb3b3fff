package workflows

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/events"
	"github.com/emergent-company/branchgraph/domain/ipam"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/internal/jobs"
	"github.com/emergent-company/branchgraph/pkg/logger"
)

// DiffUpdateResult is the result stored on a diff-update job.
type DiffUpdateResult struct {
	Branch    string `json:"branch"`
	DiffID    string `json:"diff_id"`
	Conflicts int    `json:"conflicts"`
}

// Dispatcher binds the job catalogue to the flows and turns branch events
// into follow-up jobs.
type Dispatcher struct {
	flows      *Flows
	coord      *diff.Coordinator
	reconciler *ipam.Reconciler
	queue      *jobs.Queue
	log        *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(flows *Flows, coord *diff.Coordinator, reconciler *ipam.Reconciler, queue *jobs.Queue, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		flows:      flows,
		coord:      coord,
		reconciler: reconciler,
		queue:      queue,
		log:        log.With(logger.Scope("workflows.dispatcher")),
	}
}

// Register binds a handler for every job of the catalogue.
func (d *Dispatcher) Register(h *jobs.Handlers) {
	h.Register(JobBranchCreate, d.createBranch)
	h.Register(JobBranchRebase, branchJob(func(ctx context.Context, name string) (any, error) {
		return d.flows.RebaseBranch(ctx, name)
	}))
	h.Register(JobBranchMerge, branchJob(func(ctx context.Context, name string) (any, error) {
		return d.flows.MergeBranch(ctx, name)
	}))
	h.Register(JobBranchDelete, branchJob(func(ctx context.Context, name string) (any, error) {
		return map[string]string{"deleted": name}, d.flows.DeleteBranch(ctx, name)
	}))
	h.Register(JobBranchValidate, branchJob(func(ctx context.Context, name string) (any, error) {
		return d.flows.ValidateBranch(ctx, name)
	}))
	h.Register(JobDiffUpdate, branchJob(d.updateDiff))
	h.Register(JobSchemaLoad, d.loadSchema)
	h.Register(JobIPAMReconciliation, d.reconcile)
}

// Submit enqueues job for branchName. A pending job for the same branch is
// reused.
func (d *Dispatcher) Submit(ctx context.Context, job, branchName string, payload any) (string, error) {
	id, created, err := d.queue.Enqueue(ctx, jobs.EnqueueOptions{
		Name:      job,
		Payload:   payload,
		DedupKey:  dedupKey(job, branchName),
		RequestID: logger.RequestIDFromContext(ctx),
	})
	if err != nil {
		return "", err
	}
	d.log.Debug("job submitted",
		slog.String("job", job),
		slog.String("branch", branchName),
		slog.String("job_id", id),
		slog.Bool("created", created))
	return id, nil
}

// Subscribe requests diff updates after merges and rebases. The returned
// function unsubscribes.
func (d *Dispatcher) Subscribe(bus *events.Service) func() {
	return bus.Subscribe("diff-update-requests", d.onBranchChanged, events.BranchMerged, events.BranchRebased)
}

// onBranchChanged re-requests the tracked diffs a merge or rebase made stale:
// every branch tracked against the merge target, or the rebased branch.
func (d *Dispatcher) onBranchChanged(ctx context.Context, e events.Event) error {
	var names []string
	switch e.Type {
	case events.BranchMerged:
		tracked, err := d.coord.Repository().TrackedBranches(ctx, e.TargetBranch)
		if err != nil {
			return err
		}
		for _, n := range tracked {
			if n != e.SourceBranch {
				names = append(names, n)
			}
		}
	case events.BranchRebased:
		names = []string{e.Branch}
	}

	for _, n := range names {
		if _, err := d.Submit(ctx, JobDiffUpdate, n, BranchPayload{Branch: n}); err != nil {
			return fmt.Errorf("request diff update for %s: %w", n, err)
		}
	}
	return nil
}

func branchJob(fn func(ctx context.Context, name string) (any, error)) jobs.HandlerFunc {
	return func(ctx context.Context, job *jobs.Job) (any, error) {
		var p BranchPayload
		if err := job.DecodePayload(&p); err != nil {
			return nil, jobs.Permanent(fmt.Errorf("decode %s payload: %w", job.Name, err))
		}
		if p.Branch == "" {
			return nil, jobs.Permanent(fmt.Errorf("%s: branch is required", job.Name))
		}
		res, err := fn(ctx, p.Branch)
		return res, permanent(err)
	}
}

func (d *Dispatcher) createBranch(ctx context.Context, job *jobs.Job) (any, error) {
	var p CreatePayload
	if err := job.DecodePayload(&p); err != nil {
		return nil, jobs.Permanent(fmt.Errorf("decode %s payload: %w", job.Name, err))
	}
	b, err := d.flows.CreateBranch(ctx, &p.CreateRequest, p.At)
	return b, permanent(err)
}

func (d *Dispatcher) updateDiff(ctx context.Context, name string) (any, error) {
	diffs, err := d.flows.UpdateDiff(ctx, name)
	if err != nil {
		return nil, err
	}
	return &DiffUpdateResult{Branch: name, DiffID: diffs.Branch.UUID, Conflicts: len(diffs.Conflicts())}, nil
}

func (d *Dispatcher) loadSchema(ctx context.Context, job *jobs.Job) (any, error) {
	var p SchemaLoadPayload
	if err := job.DecodePayload(&p); err != nil {
		return nil, jobs.Permanent(fmt.Errorf("decode %s payload: %w", job.Name, err))
	}
	defs, err := schema.ParseYAML([]byte(p.YAML))
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	res, err := d.flows.LoadSchema(ctx, p.Branch, defs)
	return res, permanent(err)
}

func (d *Dispatcher) reconcile(ctx context.Context, job *jobs.Job) (any, error) {
	var p IPAMPayload
	if err := job.DecodePayload(&p); err != nil {
		return nil, jobs.Permanent(fmt.Errorf("decode %s payload: %w", job.Name, err))
	}
	res, err := d.reconciler.Reconcile(ctx, p.Branch, p.Nodes)
	return res, permanent(err)
}
