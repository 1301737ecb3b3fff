// Package merger rebases branches onto their trunk and merges them into it.
//
// Both operations validate first (diff, conflicts, constraints) without
// writing anything, then take the global graph lock, recompute the diff and
// refuse any conflict that appeared meanwhile before they write. A rebase
// commits in a single transaction. A merge commits in several steps and
// registers a compensating action after each; a failure unwinds them in
// reverse before the merge-failed error is returned. A merge that carries
// schema changes also holds the global schema lock, always taken after the
// graph lock. Schema migrations run after the commit, still under the graph
// lock, and never undo it.
package merger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/domain/lock"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/domain/schemamigration"
	"github.com/emergent-company/branchgraph/domain/validators"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/logger"
	"github.com/emergent-company/branchgraph/pkg/tracing"
)

// Result describes a completed rebase or merge.
type Result struct {
	Branch *branch.Branch
	// Trunk is the target branch after a merge.
	Trunk *branch.Branch
	// Diff is the diff recomputed under the graph lock and committed.
	Diff            *diff.EnrichedDiffs
	States          []State
	Migrations      []schema.Migration
	MigrationErrors []error
	// IPAMNodes lists the IP prefixes and addresses the IPAM reconciler must
	// revisit, read on the branch that received the changes.
	IPAMNodes []diff.IPAMNodeDetails
}

// Merger runs rebases and merges.
type Merger struct {
	reg     *registry.Registry
	locks   *lock.Registry
	coord   *diff.Coordinator
	runner  *validators.Runner
	applier *schemamigration.Applier
	ipam    *diff.IPAMParser
	dm      DiffMerger
	log     *slog.Logger

	// hook runs before every state transition; an error aborts the attempt.
	hook func(State) error
}

// New creates a merger.
func New(
	reg *registry.Registry,
	locks *lock.Registry,
	coord *diff.Coordinator,
	runner *validators.Runner,
	applier *schemamigration.Applier,
	ipam *diff.IPAMParser,
	log *slog.Logger,
) *Merger {
	return &Merger{
		reg:     reg,
		locks:   locks,
		coord:   coord,
		runner:  runner,
		applier: applier,
		ipam:    ipam,
		log:     log.With(logger.Scope("merger")),
	}
}

// branches resolves an open, non-trunk branch and its trunk.
func (m *Merger) branches(name string) (*branch.Branch, *branch.Branch, error) {
	b, err := m.reg.Branch(name)
	if err != nil {
		return nil, nil, err
	}
	if b.IsTrunk() {
		return nil, nil, apperror.NewBadRequest(fmt.Sprintf("branch '%s' is a trunk branch", name))
	}
	if b.Status != branch.StatusOpen {
		return nil, nil, apperror.NewBadRequest(fmt.Sprintf("branch '%s' is %s", name, b.Status))
	}
	trunk, err := m.reg.Branch(m.reg.TrunkFor(b))
	if err != nil {
		return nil, nil, err
	}
	return b, trunk, nil
}

// candidateSchema returns the schema b has once rebased onto the current
// trunk: trunk definitions overlaid with the branch's own.
func (m *Merger) candidateSchema(ctx context.Context, b *branch.Branch) (*schema.Processed, error) {
	rebased := b.Clone()
	rebased.Rebase(m.reg.Clock().Now())
	return m.reg.LoadSchema(ctx, rebased)
}

func conflictError(b, trunk *branch.Branch, diffs *diff.EnrichedDiffs) error {
	paths := diffs.ConflictPaths()
	return apperror.NewConflict(
		fmt.Sprintf("branch '%s' has %d conflicts with '%s'", b.Name, len(paths), trunk.Name), paths)
}

// validate computes the tracked diff, refuses conflicts and runs every
// required constraint against the rebased view of b. It writes nothing but
// the tracked diff.
func (m *Merger) validate(ctx context.Context, r *run, b, trunk *branch.Branch) (*diff.EnrichedDiffs, *schema.Processed, error) {
	diffs, err := m.coord.UpdateBranchDiff(ctx, trunk, b)
	if err != nil {
		return nil, nil, err
	}
	if err := r.advance(StateDiffComputed); err != nil {
		return nil, nil, err
	}

	if diffs.HasConflicts() {
		return nil, nil, conflictError(b, trunk, diffs)
	}
	if err := r.advance(StateConflictChecked); err != nil {
		return nil, nil, err
	}

	candidate, err := m.candidateSchema(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	summaries, err := m.coord.Repository().GetNodeFieldSummaries(ctx, diffs.Branch.UUID)
	if err != nil {
		return nil, nil, err
	}
	var schemaDiff *schema.Diff
	if b.HasSchemaChanges() {
		trunkSchema, err := m.reg.Schema(trunk.Name)
		if err != nil {
			return nil, nil, err
		}
		schemaDiff = trunkSchema.Diff(candidate)
	}

	constraints := validators.NewDeterminer(candidate).GetConstraints(summaries, schemaDiff)
	messages, err := m.runner.Validate(ctx, b.Name, trunk.Name, m.reg.Clock().Now(), candidate, constraints)
	if err != nil {
		return nil, nil, err
	}
	if len(messages) > 0 {
		return nil, nil, apperror.NewValidationFailed(messages)
	}
	if err := r.advance(StateValidated); err != nil {
		return nil, nil, err
	}
	return diffs, candidate, nil
}

// recheck runs under the graph lock. It reloads b and trunk and recomputes
// their diff, so writes that landed after validation are part of the commit,
// and refuses a branch that is no longer open or has gained conflicts.
func (m *Merger) recheck(ctx context.Context, b, trunk *branch.Branch) (*branch.Branch, *branch.Branch, *diff.EnrichedDiffs, error) {
	branches := m.reg.BranchStore()
	current, err := branches.GetByName(ctx, b.Name)
	if err != nil {
		return nil, nil, nil, err
	}
	if current.Status != branch.StatusOpen {
		return nil, nil, nil, apperror.NewBadRequest(fmt.Sprintf("branch '%s' is %s", current.Name, current.Status))
	}
	currentTrunk, err := branches.GetByName(ctx, trunk.Name)
	if err != nil {
		return nil, nil, nil, err
	}
	diffs, err := m.coord.UpdateBranchDiff(ctx, currentTrunk, current)
	if err != nil {
		return nil, nil, nil, err
	}
	if diffs.HasConflicts() {
		return nil, nil, nil, conflictError(current, currentTrunk, diffs)
	}
	return current, currentTrunk, diffs, nil
}

// withSchemaLock runs fn holding the global schema lock when b has written
// schema rows of its own. The caller already holds the graph lock.
func (m *Merger) withSchemaLock(ctx context.Context, b *branch.Branch, fn func(ctx context.Context) error) error {
	touched, err := m.reg.SchemaStore().ChangedKinds(ctx, b.Name, time.Time{})
	if err != nil {
		return err
	}
	if len(touched) == 0 {
		return fn(ctx)
	}
	return m.locks.WithLock(ctx, lock.GlobalSchema, fn)
}

// mark records a transition after the commit, when it can no longer abort.
func (m *Merger) mark(r *run, s State) {
	if err := r.advance(s); err != nil {
		m.log.Warn("post-commit transition failed", slog.String("state", string(s)), logger.Error(err))
	}
}

// migrate applies the migrations between previous and current on target.
func (m *Merger) migrate(ctx context.Context, r *run, res *Result, target *branch.Branch, trunk string, previous, current *schema.Processed, sd *schema.Diff) {
	res.Migrations = schema.DetermineMigrations(previous, current, sd)
	if len(res.Migrations) == 0 {
		return
	}
	res.MigrationErrors = m.applier.Apply(ctx, schemamigration.Request{
		Branch:     target,
		Trunk:      trunk,
		Previous:   previous,
		New:        current,
		Migrations: res.Migrations,
	})
	m.mark(r, StateMigrated)
}

// ipamNodes collects the IPAM records of diffs, read on target. Failures are
// logged; the write they follow has already committed.
func (m *Merger) ipamNodes(ctx context.Context, diffs *diff.EnrichedDiffs, target string, sch *schema.Processed) []diff.IPAMNodeDetails {
	if m.ipam == nil {
		return nil
	}
	nodes, err := m.ipam.GetChangedIPAMNodeDetails(ctx, diffs, target, sch)
	if err != nil {
		m.log.Warn("collect ipam nodes failed", slog.String("branch", target), logger.Error(err))
		return nil
	}
	return nodes
}

// Rebase moves the divergence point of branch name to now.
func (m *Merger) Rebase(ctx context.Context, name string) (*Result, error) {
	ctx, span := tracing.Start(ctx, "merger.rebase", attribute.String("branch.name", name))
	defer span.End()

	b, trunk, err := m.branches(name)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	r := newRun("rebase", b.Name, m.log, m.hook)

	if _, _, err := m.validate(ctx, r, b, trunk); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	var (
		res       = &Result{}
		rebased   *branch.Branch
		current   *schema.Processed
		committed bool
	)
	err = m.locks.WithLock(ctx, lock.GlobalGraph, func(ctx context.Context) error {
		_, currentTrunk, diffs, err := m.recheck(ctx, b, trunk)
		if err != nil {
			return err
		}
		res.Diff = diffs
		previous, err := m.reg.Schema(b.Name)
		if err != nil {
			return err
		}
		trunkSchema, err := m.reg.Schema(currentTrunk.Name)
		if err != nil {
			return err
		}

		err = m.reg.DB().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			branches := m.reg.BranchStore().WithTx(tx)
			fresh, err := branches.GetByName(ctx, b.Name)
			if err != nil {
				return err
			}
			fresh.Rebase(m.reg.Clock().Now())
			// Own rows must land strictly after the new divergence point.
			if _, err := graph.NewStore(tx).Restamp(ctx, fresh.Name, m.reg.Clock().Now()); err != nil {
				return err
			}
			current, err = m.reg.LoadSchemaWith(ctx, m.reg.SchemaStore().WithTx(tx), fresh)
			if err != nil {
				return err
			}
			fresh.BranchPointHash = trunkSchema.Hash().Main
			fresh.UpdateSchemaHash(current.Hash())
			if err := branches.Save(ctx, fresh); err != nil {
				return err
			}
			rebased = fresh
			return nil
		})
		if err != nil {
			return err
		}
		committed = true
		m.reg.Set(rebased, current)
		m.mark(r, StateDataCommitted)

		if sd := previous.Diff(current); !sd.IsEmpty() {
			m.mark(r, StateSchemaApplied)
			m.migrate(ctx, r, res, rebased, currentTrunk.Name, previous, current, sd)
		}
		return nil
	})
	if err != nil && !committed {
		tracing.RecordError(span, err)
		m.log.Error("rebase write failed", slog.String("branch", b.Name), logger.Error(err))
		return nil, err
	}
	if err != nil {
		m.log.Warn("rebase committed but lock release failed", slog.String("branch", b.Name), logger.Error(err))
	}

	res.Branch = rebased.Clone()
	res.IPAMNodes = m.ipamNodes(ctx, res.Diff, rebased.Name, current)

	if _, err := m.coord.UpdateBranchDiff(ctx, trunk, rebased); err != nil {
		m.log.Warn("refresh diff after rebase failed", slog.String("branch", rebased.Name), logger.Error(err))
	}

	m.mark(r, StateDone)
	res.States = r.States()
	m.log.Info("branch rebased",
		slog.String("branch", rebased.Name),
		slog.Time("branched_from", rebased.BranchedFromTime()),
		slog.Int("migrations", len(res.Migrations)),
		slog.Int("migration_errors", len(res.MigrationErrors)))
	return res, nil
}

// Merge applies the changes of branch name onto its trunk and marks it
// merged.
func (m *Merger) Merge(ctx context.Context, name string) (*Result, error) {
	ctx, span := tracing.Start(ctx, "merger.merge", attribute.String("branch.name", name))
	defer span.End()

	b, trunk, err := m.branches(name)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	r := newRun("merge", b.Name, m.log, m.hook)

	_, candidate, err := m.validate(ctx, r, b, trunk)
	if err != nil {
		if r.state != StateStart {
			_ = r.rollback(ctx)
		}
		tracing.RecordError(span, err)
		return nil, err
	}

	var (
		res       = &Result{}
		c         *commit
		writing   bool
		committed bool
	)
	err = m.locks.WithLock(ctx, lock.GlobalGraph, func(ctx context.Context) error {
		current, currentTrunk, diffs, err := m.recheck(ctx, b, trunk)
		if err != nil {
			return err
		}
		res.Diff = diffs
		return m.withSchemaLock(ctx, current, func(ctx context.Context) error {
			previous, err := m.reg.Schema(currentTrunk.Name)
			if err != nil {
				return err
			}
			writing = true
			c, err = m.commitMerge(ctx, r, current, currentTrunk, diffs, candidate, previous)
			if err != nil {
				if rerr := r.rollback(ctx); rerr != nil {
					err = errors.Join(err, rerr)
				}
				return err
			}
			committed = true
			if !c.applied.IsEmpty() {
				m.migrate(ctx, r, res, c.trunk, c.trunk.Name, previous, c.schema, c.applied)
			}
			return nil
		})
	})
	switch {
	case err != nil && committed:
		m.log.Warn("merge committed but lock release failed", slog.String("branch", b.Name), logger.Error(err))
	case err != nil:
		if r.state != StateRolledBack {
			_ = r.rollback(ctx)
		}
		if writing {
			err = apperror.ErrMergeFailed.
				WithMessage(fmt.Sprintf("merge of branch '%s' into '%s' failed", b.Name, trunk.Name)).
				WithInternal(err)
		}
		tracing.RecordError(span, err)
		m.log.Error("merge failed", slog.String("branch", b.Name), logger.Error(err))
		return nil, err
	}

	res.Branch, res.Trunk = c.merged, c.trunk
	res.IPAMNodes = m.ipamNodes(ctx, res.Diff, c.trunk.Name, c.schema)

	m.mark(r, StateDone)
	res.States = r.States()
	m.log.Info("branch merged",
		slog.String("branch", b.Name),
		slog.String("into", c.trunk.Name),
		slog.Int("elements", len(res.Diff.Branch.Elements)),
		slog.Int("migrations", len(res.Migrations)),
		slog.Int("migration_errors", len(res.MigrationErrors)))
	return res, nil
}

// commit is the outcome of the protected part of a merge.
type commit struct {
	merged  *branch.Branch
	trunk   *branch.Branch
	applied *schema.Diff
	schema  *schema.Processed
}

// commitMerge performs the protected steps of a merge, registering a
// compensation after each one commits.
func (m *Merger) commitMerge(
	ctx context.Context,
	r *run,
	b, trunk *branch.Branch,
	diffs *diff.EnrichedDiffs,
	candidate, previous *schema.Processed,
) (*commit, error) {
	db := m.reg.DB()
	at := m.reg.Clock().Now()

	var rowIDs []string
	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		rowIDs, err = m.dm.MergeGraph(ctx, tx, diffs, trunk.Name, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.onRollback("graph rows", func(ctx context.Context) error {
		return graph.NewStore(db).DeleteByIDs(ctx, rowIDs)
	})
	if err := r.advance(StateDataCommitted); err != nil {
		return nil, err
	}

	var (
		schemaIDs  []string
		newTrunk   *branch.Branch
		newSchema  *schema.Processed
		schemaDiff *schema.Diff
	)
	err = db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		schemaIDs, schemaDiff, err = m.dm.MergeSchema(ctx, tx, trunk.Name, b.Name, previous, candidate, at)
		if err != nil || schemaDiff.IsEmpty() {
			return err
		}
		branches := m.reg.BranchStore().WithTx(tx)
		newTrunk, err = branches.GetByName(ctx, trunk.Name)
		if err != nil {
			return err
		}
		newSchema, err = m.reg.LoadSchemaWith(ctx, m.reg.SchemaStore().WithTx(tx), newTrunk)
		if err != nil {
			return err
		}
		newTrunk.UpdateSchemaHash(newSchema.Hash())
		return branches.Save(ctx, newTrunk)
	})
	if err != nil {
		return nil, err
	}
	if !schemaDiff.IsEmpty() {
		oldTrunk := trunk.Clone()
		r.onRollback("schema rows", func(ctx context.Context) error {
			if err := schema.NewStore(db).DeleteByIDs(ctx, schemaIDs); err != nil {
				return err
			}
			if err := m.reg.BranchStore().Save(ctx, oldTrunk); err != nil {
				return err
			}
			m.reg.Set(oldTrunk, previous)
			return nil
		})
		m.reg.Set(newTrunk, newSchema)
		if err := r.advance(StateSchemaApplied); err != nil {
			return nil, err
		}
	} else {
		newTrunk = trunk
		newSchema = previous
	}

	merged := b.Clone()
	merged.Status = branch.StatusMerged
	if err := m.reg.BranchStore().Save(ctx, merged); err != nil {
		return nil, err
	}
	r.onRollback("branch status", func(ctx context.Context) error {
		if err := m.reg.BranchStore().Save(ctx, b); err != nil {
			return err
		}
		m.reg.Set(b, nil)
		return nil
	})
	m.reg.Set(merged, nil)

	return &commit{merged: merged.Clone(), trunk: newTrunk.Clone(), applied: schemaDiff, schema: newSchema}, nil
}
