package diff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/internal/testutil"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

type fixture struct {
	reg     *registry.Registry
	manager *graph.Manager
	repo    *Repository
	coord   *Coordinator
}

func infraSchema() []*schema.Definition {
	site := schema.NodeSchema("Infra", "Site").WithAttributes(
		&schema.AttributeSchema{Name: "name", Kind: schema.KindText},
	)
	device := schema.NodeSchema("Infra", "Device").WithAttributes(
		&schema.AttributeSchema{Name: "name", Kind: schema.KindText},
		&schema.AttributeSchema{Name: "role", Kind: schema.KindText, Optional: true},
		&schema.AttributeSchema{Name: "mtu", Kind: schema.KindNumber, Optional: true, DefaultValue: 1500},
	).WithRelationships(
		&schema.RelationshipSchema{Name: "site", Peer: "InfraSite", Cardinality: schema.CardinalityOne, Optional: true},
	)
	return []*schema.Definition{site, device}
}

func newFixture(t *testing.T, defs ...*schema.Definition) *fixture {
	t.Helper()
	ctx := context.Background()

	var models []any
	var indexes []database.Index
	for _, tables := range []func() ([]any, []database.Index){branch.Tables, schema.Tables, graph.Tables, Tables} {
		m, i := tables()
		models = append(models, m...)
		indexes = append(indexes, i...)
	}
	db := testutil.NewSQLiteDB(t, models, indexes...)
	log := testutil.Logger(t)
	reg := registry.New(db, registry.Config{DefaultBranch: "main", GlobalBranch: "-global-"}, timestamp.NewClock(), log)
	require.NoError(t, reg.Refresh(ctx))

	sb := schema.NewSchemaBranch("main")
	sb.Load(defs...)
	_, err := reg.SchemaStore().SaveAll(ctx, "main", sb, reg.Clock().Now())
	require.NoError(t, err)
	require.NoError(t, reg.RefreshBranch(ctx, "main"))

	manager := graph.NewManager(reg, log)
	repo, err := NewRepository(db, 16)
	require.NoError(t, err)
	return &fixture{
		reg:     reg,
		manager: manager,
		repo:    repo,
		coord:   NewCoordinator(reg, NewCalculator(manager.Store()), repo, log),
	}
}

func (f *fixture) branch(t *testing.T, name string) *branch.Branch {
	t.Helper()
	ctx := context.Background()
	b := &branch.Branch{
		Name: name, OriginBranch: "main", HierarchyLevel: branch.LevelUser,
		IsIsolated: true, BranchedFrom: timestamp.FromTime(f.reg.Clock().Now()),
	}
	require.NoError(t, f.reg.BranchStore().Create(ctx, b))
	require.NoError(t, f.reg.RefreshBranch(ctx, name))
	got, err := f.reg.Branch(name)
	require.NoError(t, err)
	return got
}

func (f *fixture) main(t *testing.T) *branch.Branch {
	t.Helper()
	b, err := f.reg.Branch("main")
	require.NoError(t, err)
	return b
}

func (f *fixture) device(t *testing.T, name string) *graph.Node {
	t.Helper()
	n, err := f.manager.Create(context.Background(), "main", "InfraDevice", graph.Input{Attributes: map[string]any{"name": name}})
	require.NoError(t, err)
	return n
}

func (f *fixture) update(t *testing.T, branchName, id string, attrs map[string]any) {
	t.Helper()
	_, err := f.manager.Update(context.Background(), branchName, id, graph.Input{Attributes: attrs})
	require.NoError(t, err)
}

func TestUpdateBranchDiff_BaseChangeOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, infraSchema()...)
	dev := f.device(t, "r1")
	cr1 := f.branch(t, "cr1")

	f.update(t, "main", dev.ID(), map[string]any{"role": "edge"})

	d, err := f.coord.UpdateBranchDiff(ctx, f.main(t), cr1)
	require.NoError(t, err)

	assert.True(t, d.Branch.IsEmpty())
	assert.Empty(t, d.Conflicts())
	require.Len(t, d.Base.Nodes, 1)

	node := d.Base.Node(dev.ID())
	require.NotNil(t, node)
	assert.Equal(t, ActionUpdated, node.Action)
	require.Len(t, node.Attributes, 1)
	role := node.Attribute("role")
	require.NotNil(t, role)
	assert.Equal(t, ActionAdded, role.Action)
	assert.Nil(t, role.Previous)
	assert.Equal(t, "edge", role.New)
	assert.Equal(t, TrackingID("cr1"), d.Branch.TrackingID)
	assert.Equal(t, d.Base.UUID, d.Branch.PartnerUUID)
}

func TestCalculate_Conflicts(t *testing.T) {
	tests := []struct {
		name       string
		baseRole   string
		branchRole string
		conflicts  int
	}{
		{name: "diverging values", baseRole: "edge", branchRole: "core", conflicts: 1},
		{name: "converging values", baseRole: "edge", branchRole: "edge", conflicts: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, infraSchema()...)
			dev := f.device(t, "r1")
			cr1 := f.branch(t, "cr1")

			f.update(t, "main", dev.ID(), map[string]any{"role": tt.baseRole})
			f.update(t, "cr1", dev.ID(), map[string]any{"role": tt.branchRole})

			d, err := f.coord.Calculate(ctx, f.main(t), cr1)
			require.NoError(t, err)
			require.Len(t, d.Conflicts(), tt.conflicts)
			assert.NotNil(t, d.Base.Node(dev.ID()).Attribute("role"))
			assert.NotNil(t, d.Branch.Node(dev.ID()).Attribute("role"))

			if tt.conflicts == 1 {
				c := d.Conflicts()[0]
				assert.Equal(t, dev.ID()+"/role", c.Path)
				assert.Equal(t, `"edge"`, c.BaseValue)
				assert.Equal(t, `"core"`, c.BranchValue)
				assert.Same(t, c, d.Branch.Node(dev.ID()).Attribute("role").Conflict)
				assert.Equal(t, []string{dev.ID() + "/role"}, d.ConflictPaths())
			}
		})
	}
}

func TestCalculate_NodeRemovedOnBaseConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, infraSchema()...)
	dev := f.device(t, "r1")
	cr1 := f.branch(t, "cr1")

	f.update(t, "cr1", dev.ID(), map[string]any{"role": "core"})
	require.NoError(t, f.manager.Delete(ctx, "main", dev.ID()))

	d, err := f.coord.Calculate(ctx, f.main(t), cr1)
	require.NoError(t, err)

	assert.Equal(t, ActionRemoved, d.Base.Node(dev.ID()).Action)
	require.Len(t, d.Conflicts(), 1)
	c := d.Conflicts()[0]
	assert.Equal(t, dev.ID(), c.Path)
	assert.Equal(t, ActionRemoved, c.BaseAction)
	assert.Equal(t, ActionUpdated, c.BranchAction)
	assert.Same(t, c, d.Branch.Node(dev.ID()).Conflict)
}

func TestCalculate_RelationshipChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, infraSchema()...)
	site, err := f.manager.Create(ctx, "main", "InfraSite", graph.Input{Attributes: map[string]any{"name": "ams"}})
	require.NoError(t, err)
	dev := f.device(t, "r1")
	cr1 := f.branch(t, "cr1")

	_, err = f.manager.Update(ctx, "cr1", dev.ID(), graph.Input{Relationships: map[string][]string{"site": {site.ID()}}})
	require.NoError(t, err)

	d, err := f.coord.Calculate(ctx, f.main(t), cr1)
	require.NoError(t, err)
	rel := d.Branch.Node(dev.ID()).Relationship("site")
	require.NotNil(t, rel)
	assert.Equal(t, []string{site.ID()}, rel.Added())
	assert.Empty(t, rel.Removed())
	assert.True(t, d.Base.IsEmpty())
}

func TestUpdateBranchDiff_Incremental(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, infraSchema()...)
	dev := f.device(t, "r1")
	cr1 := f.branch(t, "cr1")
	main := f.main(t)

	f.update(t, "cr1", dev.ID(), map[string]any{"mtu": 9000})
	d1, err := f.coord.UpdateBranchDiff(ctx, main, cr1)
	require.NoError(t, err)

	f.update(t, "cr1", dev.ID(), map[string]any{"role": "edge"})
	d2, err := f.coord.UpdateBranchDiff(ctx, main, cr1)
	require.NoError(t, err)

	assert.NotEqual(t, d1.Branch.UUID, d2.Branch.UUID)
	assert.True(t, d1.Branch.FromTime.Equal(d2.Branch.FromTime))
	assert.True(t, d2.Branch.ToTime.After(d1.Branch.ToTime))
	node := d2.Branch.Node(dev.ID())
	require.NotNil(t, node)
	assert.NotNil(t, node.Attribute("mtu"))
	assert.NotNil(t, node.Attribute("role"))

	f.update(t, "cr1", dev.ID(), map[string]any{"mtu": 1500})
	d3, err := f.coord.UpdateBranchDiff(ctx, main, cr1)
	require.NoError(t, err)
	node = d3.Branch.Node(dev.ID())
	require.NotNil(t, node)
	assert.Nil(t, node.Attribute("mtu"))
	assert.NotNil(t, node.Attribute("role"))

	full, err := f.coord.Calculate(ctx, main, cr1)
	require.NoError(t, err)
	assert.Equal(t, elementPaths(full.Branch), elementPaths(d3.Branch))

	tracked, err := f.coord.GetTracked(ctx, "cr1")
	require.NoError(t, err)
	require.NotNil(t, tracked)
	assert.Equal(t, d3.Branch.UUID, tracked.Branch.UUID)

	_, err = f.coord.GetDiff(ctx, d1.Branch.UUID)
	assert.True(t, apperror.Is(err, apperror.ErrNotFound))
}

func TestUpdateBranchDiff_RecomputesAfterRebase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, infraSchema()...)
	dev := f.device(t, "r1")
	cr1 := f.branch(t, "cr1")

	f.update(t, "main", dev.ID(), map[string]any{"role": "edge"})
	d1, err := f.coord.UpdateBranchDiff(ctx, f.main(t), cr1)
	require.NoError(t, err)
	require.False(t, d1.Base.IsEmpty())

	cr1.Rebase(f.reg.Clock().Now())
	require.NoError(t, f.reg.BranchStore().Save(ctx, cr1))

	d2, err := f.coord.UpdateBranchDiff(ctx, f.main(t), cr1)
	require.NoError(t, err)
	assert.True(t, d2.Base.IsEmpty())
	assert.True(t, d2.Branch.IsEmpty())
	assert.True(t, d2.Branch.FromTime.Equal(cr1.BranchedFromTime()))
}

func TestRepository_SummariesAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, infraSchema()...)
	dev := f.device(t, "r1")
	cr1 := f.branch(t, "cr1")
	f.update(t, "cr1", dev.ID(), map[string]any{"mtu": 9000, "role": "edge"})

	d, err := f.coord.UpdateBranchDiff(ctx, f.main(t), cr1)
	require.NoError(t, err)

	got, err := f.repo.Get(ctx, d.Base.UUID)
	require.NoError(t, err)
	assert.Equal(t, d.Branch.UUID, got.Branch.UUID)
	assert.Equal(t, elementPaths(d.Branch), elementPaths(got.Branch))
	require.NotNil(t, got.Branch.Node(dev.ID()))

	summaries, err := f.repo.GetNodeFieldSummaries(ctx, d.Branch.UUID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, NodeFieldSummary{
		NodeUUID:   dev.ID(),
		Kind:       "InfraDevice",
		Action:     ActionUpdated,
		Attributes: []string{"mtu", "role"},
	}, summaries[0])

	again, err := f.repo.GetNodeFieldSummaries(ctx, d.Branch.UUID)
	require.NoError(t, err)
	assert.Equal(t, summaries, again)

	names, err := f.repo.TrackedBranches(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"cr1"}, names)

	require.NoError(t, f.coord.DeleteForBranch(ctx, "cr1"))
	_, err = f.repo.Get(ctx, d.Branch.UUID)
	assert.True(t, apperror.Is(err, apperror.ErrNotFound))
	_, err = f.repo.Get(ctx, d.Base.UUID)
	assert.True(t, apperror.Is(err, apperror.ErrNotFound))
	summaries, err = f.repo.GetNodeFieldSummaries(ctx, d.Branch.UUID)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestRefreshBranchDiffs_SkipsClosedBranches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, infraSchema()...)
	dev := f.device(t, "r1")
	cr1 := f.branch(t, "cr1")
	cr2 := f.branch(t, "cr2")

	_, err := f.coord.UpdateBranchDiff(ctx, f.main(t), cr1)
	require.NoError(t, err)
	_, err = f.coord.UpdateBranchDiff(ctx, f.main(t), cr2)
	require.NoError(t, err)

	cr2.Status = branch.StatusMerged
	require.NoError(t, f.reg.BranchStore().Save(ctx, cr2))
	require.NoError(t, f.reg.RefreshBranch(ctx, "cr2"))

	f.update(t, "main", dev.ID(), map[string]any{"role": "core"})
	refreshed, err := f.coord.RefreshBranchDiffs(ctx, f.main(t))
	require.NoError(t, err)
	require.Len(t, refreshed, 1)
	assert.Equal(t, "cr1", refreshed[0].Branch.DiffBranch)
	assert.NotNil(t, refreshed[0].Base.Node(dev.ID()))
}

func elementPaths(root *EnrichedDiffRoot) []string {
	var out []string
	for _, e := range root.Elements {
		if e.Action != ActionUnchanged {
			out = append(out, string(e.Key.ElementType)+":"+e.Key.Path())
		}
	}
	return out
}
