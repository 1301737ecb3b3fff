package diff

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/pkg/logger"
	"github.com/emergent-company/branchgraph/pkg/metrics"
	"github.com/emergent-company/branchgraph/pkg/tracing"
)

// Coordinator keeps tracked branch diffs current and serves stored diffs.
// It never mutates branches.
type Coordinator struct {
	reg  *registry.Registry
	calc *Calculator
	repo *Repository
	log  *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(reg *registry.Registry, calc *Calculator, repo *Repository, log *slog.Logger) *Coordinator {
	return &Coordinator{reg: reg, calc: calc, repo: repo, log: log.With(logger.Scope("diff"))}
}

// Repository returns the diff repository.
func (c *Coordinator) Repository() *Repository { return c.repo }

// UpdateBranchDiff brings the tracked diff of diffBranch against base up to
// now and stores it. A tracked diff starting at the branch's current fork
// point is extended with the changes made since it was computed; anything
// else is recomputed from scratch.
func (c *Coordinator) UpdateBranchDiff(ctx context.Context, base, diffBranch *branch.Branch) (*EnrichedDiffs, error) {
	ctx, span := tracing.Start(ctx, "diff.update_branch_diff",
		attribute.String("branch.name", diffBranch.Name),
		attribute.String("branch.base", base.Name),
	)
	defer span.End()

	trackingID := TrackingID(diffBranch.Name)
	from := diffBranch.BranchedFromTime()
	now := c.reg.Clock().Now()

	previous, err := c.repo.GetTracked(ctx, trackingID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	var diffs *EnrichedDiffs
	if previous != nil && previous.Branch.FromTime.Equal(from) && previous.Branch.BaseBranch == base.Name &&
		!previous.Branch.ToTime.After(now) {
		delta, err := c.calc.Calculate(ctx, Request{Base: base, Diff: diffBranch, From: from, To: now, Since: previous.Branch.ToTime})
		if err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
		diffs = mergeIncremental(previous, delta)
		c.log.Debug("extended tracked diff",
			slog.String("branch", diffBranch.Name),
			slog.Int("delta_elements", len(delta.Branch.Elements)+len(delta.Base.Elements)))
	} else {
		diffs, err = c.calc.Calculate(ctx, Request{Base: base, Diff: diffBranch, From: from, To: now})
		if err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
	}
	diffs.Base.TrackingID = trackingID
	diffs.Branch.TrackingID = trackingID

	if err := c.repo.Save(ctx, diffs); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if n := len(diffs.Conflicts()); n > 0 {
		metrics.ConflictsDetected.WithLabelValues(diffBranch.Name).Add(float64(n))
	}
	c.log.Info("updated branch diff",
		slog.String("branch", diffBranch.Name),
		slog.String("diff_id", diffs.Branch.UUID),
		slog.Int("nodes", len(diffs.Branch.Nodes)),
		slog.Int("conflicts", len(diffs.Conflicts())))
	return diffs, nil
}

// GetDiff returns the stored diff with id.
func (c *Coordinator) GetDiff(ctx context.Context, id string) (*EnrichedDiffs, error) {
	return c.repo.Get(ctx, id)
}

// GetTracked returns the stored tracked diff of branchName, or nil.
func (c *Coordinator) GetTracked(ctx context.Context, branchName string) (*EnrichedDiffs, error) {
	return c.repo.GetTracked(ctx, TrackingID(branchName))
}

// RefreshBranchDiffs updates the tracked diffs of every open branch tracked
// against base. A failing branch is logged and skipped.
func (c *Coordinator) RefreshBranchDiffs(ctx context.Context, base *branch.Branch) ([]*EnrichedDiffs, error) {
	names, err := c.repo.TrackedBranches(ctx, base.Name)
	if err != nil {
		return nil, err
	}
	var out []*EnrichedDiffs
	for _, name := range names {
		b, err := c.reg.Branch(name)
		if err != nil || b.Status != branch.StatusOpen {
			continue
		}
		d, err := c.UpdateBranchDiff(ctx, base, b)
		if err != nil {
			c.log.Warn("refresh branch diff failed", slog.String("branch", name), logger.Error(err))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Validate computes the full diff of diffBranch against base without
// storing it and returns its conflicts.
func (c *Coordinator) Validate(ctx context.Context, base, diffBranch *branch.Branch) ([]*Conflict, error) {
	ctx, span := tracing.Start(ctx, "diff.validate", attribute.String("branch.name", diffBranch.Name))
	defer span.End()

	d, err := c.Calculate(ctx, base, diffBranch)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return d.Conflicts(), nil
}

// Calculate computes the full diff of diffBranch against base as of now
// without storing it.
func (c *Coordinator) Calculate(ctx context.Context, base, diffBranch *branch.Branch) (*EnrichedDiffs, error) {
	return c.calc.Calculate(ctx, Request{
		Base: base,
		Diff: diffBranch,
		From: diffBranch.BranchedFromTime(),
		To:   c.reg.Clock().Now(),
	})
}

// DeleteForBranch removes the stored diffs of branchName.
func (c *Coordinator) DeleteForBranch(ctx context.Context, branchName string) error {
	return c.repo.DeleteForBranch(ctx, branchName)
}
