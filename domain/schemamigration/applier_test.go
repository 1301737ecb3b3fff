package schemamigration

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
	store   *graph.Store
	applier *Applier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var models []any
	var indexes []database.Index
	for _, tables := range []func() ([]any, []database.Index){branch.Tables, graph.Tables} {
		m, i := tables()
		models = append(models, m...)
		indexes = append(indexes, i...)
	}
	db := testutil.NewSQLiteDB(t, models, indexes...)
	reg := registry.New(db, registry.Config{DefaultBranch: "main", GlobalBranch: "-global-"}, timestamp.NewClock(), testutil.Logger(t))
	return &fixture{reg: reg, store: graph.NewStore(db), applier: NewApplier(reg, testutil.Logger(t))}
}

var mainBranch = &branch.Branch{Name: "main", HierarchyLevel: branch.LevelTrunk, IsDefault: true, Status: branch.StatusOpen}

func (f *fixture) seed(t *testing.T, rows ...*graph.Change) {
	t.Helper()
	f.seedOn(t, "main", rows...)
}

func (f *fixture) seedOn(t *testing.T, branchName string, rows ...*graph.Change) {
	t.Helper()
	for _, r := range rows {
		r.Branch = branchName
		r.ChangedAt = timestamp.FromTime(f.reg.Clock().Now())
	}
	_, err := f.store.Append(context.Background(), rows)
	require.NoError(t, err)
}

func (f *fixture) state(t *testing.T) graph.State {
	t.Helper()
	return f.stateOf(t, mainBranch)
}

func (f *fixture) stateOf(t *testing.T, b *branch.Branch) graph.State {
	t.Helper()
	s, err := f.store.StateAt(context.Background(), graph.ViewOf(b, "main", f.reg.Clock().Now()), graph.Filter{})
	require.NoError(t, err)
	return s
}

func node(id, kind string) *graph.Change {
	return &graph.Change{NodeID: id, Kind: kind, ElementType: graph.ElementNode}
}

func attr(id, kind, name, value string) *graph.Change {
	return &graph.Change{NodeID: id, Kind: kind, ElementType: graph.ElementAttribute, FieldName: name, Value: value}
}

func rel(id, kind, name, peer string) *graph.Change {
	return &graph.Change{NodeID: id, Kind: kind, ElementType: graph.ElementRelationship, FieldName: name, PeerID: peer}
}

func processed(t *testing.T, sb *schema.SchemaBranch) *schema.Processed {
	t.Helper()
	p, err := sb.Process()
	require.NoError(t, err)
	return p
}

func baseSchema() *schema.SchemaBranch {
	site := schema.NodeSchema("Infra", "Site").WithAttributes(
		&schema.AttributeSchema{Name: "name", Kind: schema.KindText},
	)
	dev := schema.NodeSchema("Infra", "Device").WithAttributes(
		&schema.AttributeSchema{Name: "name", Kind: schema.KindText},
		&schema.AttributeSchema{Name: "serial", Kind: schema.KindText, Optional: true},
	).WithRelationships(
		&schema.RelationshipSchema{Name: "site", Peer: "InfraSite", Cardinality: schema.CardinalityOne, Optional: true},
	)
	sb := schema.NewSchemaBranch("main")
	sb.Load(site, dev)
	return sb
}

func (f *fixture) migrate(t *testing.T, before, after *schema.SchemaBranch) []error {
	t.Helper()
	return f.migrateOn(t, mainBranch, before, after)
}

func (f *fixture) migrateOn(t *testing.T, b *branch.Branch, before, after *schema.SchemaBranch) []error {
	t.Helper()
	prev, next := processed(t, before), processed(t, after)
	migrations := schema.DetermineMigrations(prev, next, before.Diff(after))
	require.NotEmpty(t, migrations)
	return f.applier.Apply(context.Background(), Request{
		Branch: b, Trunk: "main", Previous: prev, New: next, Migrations: migrations,
	})
}

// withMTU returns a copy of before where InfraDevice has a mandatory mtu
// defaulting to 1500.
func withMTU(t *testing.T, before *schema.SchemaBranch) *schema.SchemaBranch {
	t.Helper()
	after := before.Duplicate(before.Name())
	dev, err := after.Get("InfraDevice")
	require.NoError(t, err)
	dev.Attributes = append(dev.Attributes, &schema.AttributeSchema{Name: "mtu", Kind: schema.KindNumber, DefaultValue: 1500})
	after.Set(dev)
	return after
}

func TestApply_AttributeAddBackfillsDefault(t *testing.T) {
	f := newFixture(t)
	f.seed(t, node("d1", "InfraDevice"), attr("d1", "InfraDevice", "name", `"r1"`))

	before := baseSchema()
	assert.Empty(t, f.migrate(t, before, withMTU(t, before)))

	c, ok := f.state(t).Active(graph.ElementKey{NodeID: "d1", ElementType: graph.ElementAttribute, FieldName: "mtu"})
	require.True(t, ok)
	assert.Equal(t, "1500", c.Value)
}

func TestApply_IsolatedBranchOnlyTouchesVisibleNodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, node("d1", "InfraDevice"), attr("d1", "InfraDevice", "name", `"r1"`))
	cr1 := &branch.Branch{
		Name: "cr1", OriginBranch: "main", HierarchyLevel: branch.LevelUser,
		IsIsolated: true, Status: branch.StatusOpen,
		BranchedFrom: timestamp.FromTime(f.reg.Clock().Now()),
	}
	// Created on main after cr1 forked: invisible to cr1.
	f.seed(t, node("d2", "InfraDevice"), attr("d2", "InfraDevice", "name", `"r2"`))
	f.seedOn(t, "cr1", node("d3", "InfraDevice"), attr("d3", "InfraDevice", "name", `"r3"`))

	before := baseSchema()
	assert.Empty(t, f.migrateOn(t, cr1, before, withMTU(t, before)))

	now := f.reg.Clock().Now()
	written, err := f.store.ChangesInWindow(ctx, "cr1", cr1.BranchedFromTime(), now)
	require.NoError(t, err)
	var fields []string
	for _, c := range written {
		if c.ElementType == graph.ElementAttribute && c.FieldName == "mtu" {
			fields = append(fields, c.NodeID+"/"+c.FieldName)
		}
	}
	assert.ElementsMatch(t, []string{"d1/mtu", "d3/mtu"}, fields)

	state := f.stateOf(t, cr1)
	_, ok := state.Active(graph.ElementKey{NodeID: "d2", ElementType: graph.ElementNode})
	assert.False(t, ok)
	_, ok = f.state(t).Active(graph.ElementKey{NodeID: "d2", ElementType: graph.ElementAttribute, FieldName: "mtu"})
	assert.False(t, ok)
}

func TestApply_RenameThenConvert(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		node("d1", "InfraDevice"), attr("d1", "InfraDevice", "serial", `"42"`),
		node("d2", "InfraDevice"), attr("d2", "InfraDevice", "serial", `"7"`),
	)

	before := baseSchema()
	after := before.Duplicate("main")
	dev, err := after.Get("InfraDevice")
	require.NoError(t, err)
	dev.Attribute("serial").Name = "asset_number"
	dev.Attribute("asset_number").Kind = schema.KindNumber
	after.Set(dev)

	assert.Empty(t, f.migrate(t, before, after))

	state := f.state(t)
	_, ok := state.Active(graph.ElementKey{NodeID: "d1", ElementType: graph.ElementAttribute, FieldName: "serial"})
	assert.False(t, ok)
	c, ok := state.Active(graph.ElementKey{NodeID: "d1", ElementType: graph.ElementAttribute, FieldName: "asset_number"})
	require.True(t, ok)
	assert.Equal(t, "42", c.Value)
	c, ok = state.Active(graph.ElementKey{NodeID: "d2", ElementType: graph.ElementAttribute, FieldName: "asset_number"})
	require.True(t, ok)
	assert.Equal(t, "7", c.Value)
}

func TestApply_FailureIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		node("s1", "InfraSite"),
		node("d1", "InfraDevice"), attr("d1", "InfraDevice", "serial", `"not-a-number"`),
		rel("d1", "InfraDevice", "site", "s1"),
	)

	before := baseSchema()
	after := before.Duplicate("main")
	dev, err := after.Get("InfraDevice")
	require.NoError(t, err)
	dev.Attribute("serial").Kind = schema.KindNumber
	dev.Relationships = nil
	after.Set(dev)

	errs := f.migrate(t, before, after)
	require.Len(t, errs, 1)
	assert.True(t, apperror.Is(errs[0], apperror.ErrMigrationFailed))

	state := f.state(t)
	c, ok := state.Active(graph.ElementKey{NodeID: "d1", ElementType: graph.ElementAttribute, FieldName: "serial"})
	require.True(t, ok)
	assert.Equal(t, `"not-a-number"`, c.Value)
	_, ok = state.Active(graph.ElementKey{NodeID: "d1", ElementType: graph.ElementRelationship, FieldName: "site", PeerID: "s1"})
	assert.False(t, ok)
}

func TestApply_NodeRemove(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		node("s1", "InfraSite"), attr("s1", "InfraSite", "name", `"ams"`),
		node("d1", "InfraDevice"), rel("d1", "InfraDevice", "site", "s1"),
	)

	before := baseSchema()
	after := before.Duplicate("main")
	dev, err := after.Get("InfraDevice")
	require.NoError(t, err)
	dev.Relationships = nil
	after.Set(dev)
	after.Delete("InfraSite")

	assert.Empty(t, f.migrate(t, before, after))

	state := f.state(t)
	_, ok := state.Active(graph.ElementKey{NodeID: "s1", ElementType: graph.ElementNode})
	assert.False(t, ok)
	_, ok = state.Active(graph.ElementKey{NodeID: "s1", ElementType: graph.ElementAttribute, FieldName: "name"})
	assert.False(t, ok)
	_, ok = state.Active(graph.ElementKey{NodeID: "d1", ElementType: graph.ElementNode})
	assert.True(t, ok)
}
