package workflows

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/events"
	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/domain/lock"
	"github.com/emergent-company/branchgraph/domain/merger"
	"github.com/emergent-company/branchgraph/domain/proposedchange"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/domain/schemamigration"
	"github.com/emergent-company/branchgraph/domain/validators"
	"github.com/emergent-company/branchgraph/internal/jobs"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/logger"
	"github.com/emergent-company/branchgraph/pkg/metrics"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
	"github.com/emergent-company/branchgraph/pkg/tracing"
)

// BranchResult is the outcome of a rebase or merge.
type BranchResult struct {
	Branch          *branch.Branch `json:"branch"`
	Target          string         `json:"target,omitempty"`
	States          []merger.State `json:"states"`
	Conflicts       int            `json:"conflicts"`
	Migrations      []string       `json:"migrations,omitempty"`
	MigrationErrors []string       `json:"migration_errors,omitempty"`
	IPAMNodes       int            `json:"ipam_nodes"`
	IPAMJobID       string         `json:"ipam_job_id,omitempty"`
}

// ValidationResult is the outcome of ValidateBranch.
type ValidationResult struct {
	Branch    string           `json:"branch"`
	Valid     bool             `json:"valid"`
	Conflicts []*diff.Conflict `json:"conflicts,omitempty"`
}

// SchemaLoadResult is the outcome of LoadSchema.
type SchemaLoadResult struct {
	Branch          string   `json:"branch"`
	Changed         bool     `json:"changed"`
	Kinds           []string `json:"kinds,omitempty"`
	Hash            string   `json:"hash"`
	Migrations      []string `json:"migrations,omitempty"`
	MigrationErrors []string `json:"migration_errors,omitempty"`
}

// Flows runs the triggered branch operations and publishes their events.
type Flows struct {
	reg      *registry.Registry
	locks    *lock.Registry
	merger   *merger.Merger
	coord    *diff.Coordinator
	runner   *validators.Runner
	applier  *schemamigration.Applier
	proposed *proposedchange.Repository
	events   *events.Service
	queue    *jobs.Queue
	log      *slog.Logger
}

// NewFlows creates the flows.
func NewFlows(
	reg *registry.Registry,
	locks *lock.Registry,
	m *merger.Merger,
	coord *diff.Coordinator,
	runner *validators.Runner,
	applier *schemamigration.Applier,
	proposed *proposedchange.Repository,
	bus *events.Service,
	queue *jobs.Queue,
	log *slog.Logger,
) *Flows {
	return &Flows{
		reg:      reg,
		locks:    locks,
		merger:   m,
		coord:    coord,
		runner:   runner,
		applier:  applier,
		proposed: proposed,
		events:   bus,
		queue:    queue,
		log:      log.With(logger.Scope("workflows")),
	}
}

// observe records the duration and outcome of a flow.
func observe(flow string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		if appErr, ok := apperror.As(err); ok {
			outcome = appErr.Code
		}
	}
	metrics.FlowDuration.WithLabelValues(flow, outcome).Observe(time.Since(start).Seconds())
}

// CreateBranch creates a user branch forked from the default branch at at,
// or now when at is zero. Its schema is the origin schema as of the fork.
func (f *Flows) CreateBranch(ctx context.Context, req *branch.CreateRequest, at time.Time) (b *branch.Branch, err error) {
	ctx, span := tracing.Start(ctx, "workflows.create_branch", attribute.String("branch.name", req.Name))
	defer span.End()
	defer func(start time.Time) {
		tracing.RecordError(span, err)
		observe("create", start, err)
	}(time.Now())

	if err := req.Validate(); err != nil {
		return nil, err
	}
	origin := req.Origin
	if origin == "" {
		origin = f.reg.DefaultBranch()
	}
	if origin != f.reg.DefaultBranch() {
		return nil, apperror.NewBadRequest(fmt.Sprintf("branches can only be created from '%s'", f.reg.DefaultBranch()))
	}

	now := f.reg.Clock().Now()
	if at.IsZero() || at.After(now) {
		at = now
	}
	isolated := true
	if req.IsIsolated != nil {
		isolated = *req.IsIsolated
	}
	b = &branch.Branch{
		Name:           req.Name,
		Description:    req.Description,
		OriginBranch:   origin,
		HierarchyLevel: branch.LevelUser,
		IsIsolated:     isolated,
		SyncWithGit:    req.SyncWithGit,
		Status:         branch.StatusOpen,
		BranchedFrom:   timestamp.FromTime(at),
		CreatedAt:      timestamp.FromTime(now),
	}

	sch, err := f.reg.LoadSchema(ctx, b)
	if err != nil {
		return nil, err
	}
	b.UpdateSchemaHash(sch.Hash())
	b.BranchPointHash = sch.Hash().Main

	if err := f.reg.BranchStore().Create(ctx, b); err != nil {
		return nil, err
	}
	f.reg.Set(b, sch)

	f.log.Info("branch created",
		slog.String("branch", b.Name),
		slog.String("origin", origin),
		slog.Bool("isolated", isolated),
		slog.Time("branched_from", b.BranchedFromTime()))
	f.events.Emit(ctx, events.Event{Type: events.BranchCreated, Branch: b.Name, BranchID: b.ID})
	return b.Clone(), nil
}

// RebaseBranch rebases name onto its trunk.
func (f *Flows) RebaseBranch(ctx context.Context, name string) (out *BranchResult, err error) {
	defer func(start time.Time) { observe("rebase", start, err) }(time.Now())

	res, err := f.merger.Rebase(ctx, name)
	if err != nil {
		return nil, err
	}
	out = f.result(ctx, res, "")
	f.events.Emit(ctx, events.Event{Type: events.BranchRebased, Branch: res.Branch.Name})
	return out, nil
}

// MergeBranch merges name into its trunk and marks its open proposed
// changes merged.
func (f *Flows) MergeBranch(ctx context.Context, name string) (out *BranchResult, err error) {
	defer func(start time.Time) { observe("merge", start, err) }(time.Now())

	res, err := f.merger.Merge(ctx, name)
	if err != nil {
		return nil, err
	}
	out = f.result(ctx, res, res.Trunk.Name)

	if ids, err := f.proposed.MarkMergedForBranch(ctx, name); err != nil {
		f.log.Warn("mark proposed changes merged failed", slog.String("branch", name), logger.Error(err))
	} else if len(ids) > 0 {
		f.log.Info("proposed changes merged", slog.String("branch", name), slog.Int("count", len(ids)))
	}

	f.events.Emit(ctx, events.Event{
		Type:         events.BranchMerged,
		SourceBranch: res.Branch.Name,
		TargetBranch: res.Trunk.Name,
	})
	return out, nil
}

// result converts a merger result and submits the IPAM reconciliation it
// calls for.
func (f *Flows) result(ctx context.Context, res *merger.Result, target string) *BranchResult {
	out := &BranchResult{
		Branch:    res.Branch,
		Target:    target,
		States:    res.States,
		IPAMNodes: len(res.IPAMNodes),
	}
	if res.Diff != nil {
		out.Conflicts = len(res.Diff.Conflicts())
	}
	for _, m := range res.Migrations {
		out.Migrations = append(out.Migrations, migrationLabel(m))
	}
	for _, e := range res.MigrationErrors {
		out.MigrationErrors = append(out.MigrationErrors, e.Error())
	}

	if len(res.IPAMNodes) == 0 || f.queue == nil {
		return out
	}
	reconciled := res.Branch.Name
	if target != "" {
		reconciled = target
	}
	id, _, err := f.queue.Enqueue(ctx, jobs.EnqueueOptions{
		Name:      JobIPAMReconciliation,
		Payload:   IPAMPayload{Branch: reconciled, Nodes: res.IPAMNodes},
		RequestID: logger.RequestIDFromContext(ctx),
	})
	if err != nil {
		f.log.Warn("submit ipam reconciliation failed", slog.String("branch", reconciled), logger.Error(err))
		return out
	}
	out.IPAMJobID = id
	return out
}

// DeleteBranch removes name with its graph rows, schema rows and stored
// diffs, and cancels its open proposed changes.
func (f *Flows) DeleteBranch(ctx context.Context, name string) (err error) {
	ctx, span := tracing.Start(ctx, "workflows.delete_branch", attribute.String("branch.name", name))
	defer span.End()
	defer func(start time.Time) {
		tracing.RecordError(span, err)
		observe("delete", start, err)
	}(time.Now())

	b, err := f.reg.Branch(name)
	if err != nil {
		return err
	}
	if b.IsTrunk() {
		return apperror.NewBadRequest(fmt.Sprintf("branch '%s' is a trunk branch and cannot be deleted", name))
	}

	err = f.locks.WithLock(ctx, lock.GlobalGraph, func(ctx context.Context) error {
		return f.reg.DB().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			branches := f.reg.BranchStore().WithTx(tx)
			fresh, err := branches.GetByName(ctx, name)
			if err != nil {
				return err
			}
			fresh.Status = branch.StatusDeleting
			if err := branches.Save(ctx, fresh); err != nil {
				return err
			}
			if err := graph.NewStore(tx).DeleteBranch(ctx, name); err != nil {
				return err
			}
			if err := schema.NewStore(tx).DeleteBranch(ctx, name); err != nil {
				return err
			}
			found, err := branches.Delete(ctx, fresh.ID)
			if err != nil {
				return err
			}
			if !found {
				return apperror.ErrBranchNotFound.WithMessage(fmt.Sprintf("branch '%s' not found", name))
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	f.reg.Remove(name)

	if err := f.coord.DeleteForBranch(ctx, name); err != nil {
		f.log.Warn("delete branch diffs failed", slog.String("branch", name), logger.Error(err))
	}
	canceled, err := f.proposed.CancelForBranch(ctx, name)
	if err != nil {
		f.log.Warn("cancel proposed changes failed", slog.String("branch", name), logger.Error(err))
	}

	f.log.Info("branch deleted",
		slog.String("branch", name),
		slog.Int("proposed_changes_canceled", len(canceled)))
	f.events.Emit(ctx, events.Event{
		Type:        events.BranchDeleted,
		Branch:      name,
		BranchID:    b.ID,
		SyncWithGit: b.SyncWithGit,
	})
	return nil
}

// ValidateBranch reports the conflicts of name with its trunk without
// writing anything.
func (f *Flows) ValidateBranch(ctx context.Context, name string) (res *ValidationResult, err error) {
	defer func(start time.Time) { observe("validate", start, err) }(time.Now())

	b, err := f.reg.Branch(name)
	if err != nil {
		return nil, err
	}
	if b.IsTrunk() {
		return nil, apperror.NewBadRequest(fmt.Sprintf("branch '%s' is a trunk branch", name))
	}
	trunk, err := f.reg.Branch(f.reg.TrunkFor(b))
	if err != nil {
		return nil, err
	}
	conflicts, err := f.coord.Validate(ctx, trunk, b)
	if err != nil {
		return nil, err
	}
	for _, c := range conflicts {
		f.log.Info("branch conflict", slog.String("branch", name), slog.String("path", c.Path))
	}
	return &ValidationResult{Branch: name, Valid: len(conflicts) == 0, Conflicts: conflicts}, nil
}

// LoadSchema adds or replaces defs in the schema of branchName. The
// candidate is built and validated in a sandbox copy under the global schema
// lock and only persisted when every constraint passes. Migrations run
// afterwards and never undo the load.
func (f *Flows) LoadSchema(ctx context.Context, branchName string, defs []*schema.Definition) (res *SchemaLoadResult, err error) {
	ctx, span := tracing.Start(ctx, "workflows.load_schema", attribute.String("branch.name", branchName))
	defer span.End()
	defer func(start time.Time) {
		tracing.RecordError(span, err)
		observe("schema_load", start, err)
	}(time.Now())

	b, err := f.reg.Branch(branchName)
	if err != nil {
		return nil, err
	}
	if b.Status != branch.StatusOpen {
		return nil, apperror.NewBadRequest(fmt.Sprintf("branch '%s' is %s", branchName, b.Status))
	}
	trunk := f.reg.TrunkFor(b)

	err = f.locks.WithLock(ctx, lock.GlobalSchema, func(ctx context.Context) error {
		current, err := f.reg.Schema(b.Name)
		if err != nil {
			return err
		}
		sandbox := current.Duplicate(b.Name)
		sandbox.Load(defs...)
		candidate, err := sandbox.Process()
		if err != nil {
			return apperror.NewValidationFailed([]string{err.Error()})
		}

		sd := current.Diff(candidate)
		res = &SchemaLoadResult{Branch: b.Name, Hash: current.Hash().Main}
		if sd.IsEmpty() {
			return nil
		}

		constraints := validators.NewDeterminer(candidate).GetConstraints(nil, sd)
		messages, err := f.runner.Validate(ctx, b.Name, trunk, f.reg.Clock().Now(), candidate, constraints)
		if err != nil {
			return err
		}
		if len(messages) > 0 {
			return apperror.NewValidationFailed(messages)
		}

		var (
			saved  *branch.Branch
			loaded *schema.Processed
		)
		err = f.reg.DB().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			schemas := f.reg.SchemaStore().WithTx(tx)
			if _, err := schemas.SaveDiff(ctx, b.Name, sd, candidate.Source(), f.reg.Clock().Now()); err != nil {
				return err
			}
			branches := f.reg.BranchStore().WithTx(tx)
			fresh, err := branches.GetByName(ctx, b.Name)
			if err != nil {
				return err
			}
			loaded, err = f.reg.LoadSchemaWith(ctx, schemas, fresh)
			if err != nil {
				return err
			}
			fresh.UpdateSchemaHash(loaded.Hash())
			if err := branches.Save(ctx, fresh); err != nil {
				return err
			}
			saved = fresh
			return nil
		})
		if err != nil {
			return err
		}
		f.reg.Set(saved, loaded)

		res.Changed = true
		res.Kinds = sd.ChangedKinds()
		res.Hash = loaded.Hash().Main

		migrations := schema.DetermineMigrations(current, loaded, sd)
		for _, m := range migrations {
			res.Migrations = append(res.Migrations, migrationLabel(m))
		}
		if len(migrations) > 0 {
			errs := f.applier.Apply(ctx, schemamigration.Request{
				Branch:     saved,
				Trunk:      trunk,
				Previous:   current,
				New:        loaded,
				Migrations: migrations,
			})
			for _, e := range errs {
				res.MigrationErrors = append(res.MigrationErrors, e.Error())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Changed {
		f.log.Info("schema loaded",
			slog.String("branch", b.Name),
			slog.Int("kinds", len(res.Kinds)),
			slog.String("hash", res.Hash),
			slog.Int("migrations", len(res.Migrations)))
		refresh := events.Event{Type: events.RefreshRegistry, Branch: b.Name}
		if b.IsTrunk() {
			refresh.Branch = ""
		}
		f.events.Emit(ctx, refresh)
	}
	return res, nil
}

// UpdateDiff refreshes the tracked diff of name against its trunk.
func (f *Flows) UpdateDiff(ctx context.Context, name string) (*diff.EnrichedDiffs, error) {
	b, err := f.reg.Branch(name)
	if err != nil {
		return nil, err
	}
	if b.Status != branch.StatusOpen {
		return nil, jobs.Permanent(fmt.Errorf("branch '%s' is %s", name, b.Status))
	}
	trunk, err := f.reg.Branch(f.reg.TrunkFor(b))
	if err != nil {
		return nil, err
	}
	return f.coord.UpdateBranchDiff(ctx, trunk, b)
}

// GetDiff returns the tracked diff of name, computing it when none is
// stored yet.
func (f *Flows) GetDiff(ctx context.Context, name string) (*diff.EnrichedDiffs, error) {
	d, err := f.coord.GetTracked(ctx, name)
	if err != nil {
		return nil, err
	}
	if d != nil {
		return d, nil
	}
	return f.UpdateDiff(ctx, name)
}

func migrationLabel(m schema.Migration) string {
	return fmt.Sprintf("%s %s", m.Name, m.Path())
}

// permanent marks errors that retrying cannot fix.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	if appErr, ok := apperror.As(err); ok && appErr.HTTPStatus < 500 && !apperror.Is(err, apperror.ErrLockTimeout) {
		return jobs.Permanent(err)
	}
	return err
}
