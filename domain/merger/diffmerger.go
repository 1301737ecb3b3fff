package merger

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

// DiffMerger writes the branch side of a diff onto the trunk.
type DiffMerger struct{}

// MergeGraph appends the final state of every element changed on the branch
// side of diffs to trunk at at, and returns the ids of the new rows.
func (DiffMerger) MergeGraph(ctx context.Context, db bun.IDB, diffs *diff.EnrichedDiffs, trunk string, at time.Time) ([]string, error) {
	var rows []*graph.Change
	for _, e := range diffs.Branch.Elements {
		if e.Action == diff.ActionUnchanged || e.Final == nil {
			continue
		}
		row := *e.Final
		row.ID = ""
		row.Branch = trunk
		row.ChangedAt = timestamp.FromTime(at)
		rows = append(rows, &row)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids, err := graph.NewStore(db).Append(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("merge %s into %s: %w", diffs.Branch.DiffBranch, trunk, err)
	}
	return ids, nil
}

// MergeSchema writes the kinds changed on branchName onto trunk. Kinds the
// branch never touched keep their trunk definition. It returns the ids of the
// new schema rows and the applied diff, relative to trunkSchema.
func (DiffMerger) MergeSchema(ctx context.Context, db bun.IDB, trunk, branchName string, trunkSchema, branchSchema *schema.Processed, at time.Time) ([]string, *schema.Diff, error) {
	store := schema.NewStore(db)
	touched, err := store.ChangedKinds(ctx, branchName, time.Time{})
	if err != nil {
		return nil, nil, err
	}
	if len(touched) == 0 {
		return nil, &schema.Diff{}, nil
	}

	full := trunkSchema.Diff(branchSchema)
	applied := &schema.Diff{}
	for _, kind := range touched {
		if kd := full.Get(kind); kd != nil {
			applied.Kinds = append(applied.Kinds, kd)
		}
	}
	if applied.IsEmpty() {
		return nil, applied, nil
	}

	ids, err := store.SaveDiff(ctx, trunk, applied, branchSchema.Source(), at)
	if err != nil {
		return nil, nil, fmt.Errorf("merge schema of %s into %s: %w", branchName, trunk, err)
	}
	return ids, applied, nil
}
