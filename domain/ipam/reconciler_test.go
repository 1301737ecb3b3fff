package ipam

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/internal/testutil"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

func testKinds() diff.IPAMKinds {
	return diff.IPAMKinds{
		PrefixGeneric:    "BuiltinIPPrefix",
		AddressGeneric:   "BuiltinIPAddress",
		PrefixAttribute:  "prefix",
		AddressAttribute: "address",
		NamespaceRel:     "ip_namespace",
		ParentRel:        "parent",
		AddressParentRel: "ip_prefix",
	}
}

func ipamSchema() []*schema.Definition {
	prefixGeneric := schema.GenericSchema("Builtin", "IPPrefix").WithAttributes(
		&schema.AttributeSchema{Name: "prefix", Kind: schema.KindIPNetwork},
	)
	addressGeneric := schema.GenericSchema("Builtin", "IPAddress").WithAttributes(
		&schema.AttributeSchema{Name: "address", Kind: schema.KindIPHost},
	)
	namespace := schema.NodeSchema("Ipam", "Namespace").WithAttributes(
		&schema.AttributeSchema{Name: "name", Kind: schema.KindText},
	)
	prefix := schema.NodeSchema("Ipam", "IPPrefix").WithRelationships(
		&schema.RelationshipSchema{Name: "ip_namespace", Peer: "IpamNamespace", Cardinality: schema.CardinalityOne},
		&schema.RelationshipSchema{Name: "parent", Peer: "IpamIPPrefix", Cardinality: schema.CardinalityOne, Optional: true},
	)
	prefix.InheritFrom = []string{"BuiltinIPPrefix"}
	address := schema.NodeSchema("Ipam", "IPAddress").WithRelationships(
		&schema.RelationshipSchema{Name: "ip_namespace", Peer: "IpamNamespace", Cardinality: schema.CardinalityOne},
		&schema.RelationshipSchema{Name: "ip_prefix", Peer: "IpamIPPrefix", Cardinality: schema.CardinalityOne, Optional: true},
	)
	address.InheritFrom = []string{"BuiltinIPAddress"}
	return []*schema.Definition{prefixGeneric, addressGeneric, namespace, prefix, address}
}

func newManager(t *testing.T) *graph.Manager {
	t.Helper()
	ctx := context.Background()

	var models []any
	var indexes []database.Index
	for _, tables := range []func() ([]any, []database.Index){branch.Tables, schema.Tables, graph.Tables} {
		m, i := tables()
		models = append(models, m...)
		indexes = append(indexes, i...)
	}
	db := testutil.NewSQLiteDB(t, models, indexes...)
	log := testutil.Logger(t)
	reg := registry.New(db, registry.Config{DefaultBranch: "main", GlobalBranch: "-global-"}, timestamp.NewClock(), log)
	require.NoError(t, reg.Refresh(ctx))

	sb := schema.NewSchemaBranch("main")
	sb.Load(ipamSchema()...)
	_, err := reg.SchemaStore().SaveAll(ctx, "main", sb, reg.Clock().Now())
	require.NoError(t, err)
	require.NoError(t, reg.RefreshBranch(ctx, "main"))
	return graph.NewManager(reg, log)
}

func TestReconcile_ReparentsToMostSpecificPrefix(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	rec := NewReconciler(testKinds(), m, testutil.Logger(t))

	create := func(kind string, attrs map[string]any, rels map[string][]string) *graph.Node {
		n, err := m.Create(ctx, "main", kind, graph.Input{Attributes: attrs, Relationships: rels})
		require.NoError(t, err)
		return n
	}
	ns := create("IpamNamespace", map[string]any{"name": "default"}, nil)
	other := create("IpamNamespace", map[string]any{"name": "other"}, nil)
	net8 := create("IpamIPPrefix", map[string]any{"prefix": "10.0.0.0/8"},
		map[string][]string{"ip_namespace": {ns.ID()}})
	net16 := create("IpamIPPrefix", map[string]any{"prefix": "10.10.0.0/16"},
		map[string][]string{"ip_namespace": {ns.ID()}, "parent": {net8.ID()}})
	addr := create("IpamIPAddress", map[string]any{"address": "10.10.10.1/24"},
		map[string][]string{"ip_namespace": {ns.ID()}, "ip_prefix": {net16.ID()}})
	foreign := create("IpamIPPrefix", map[string]any{"prefix": "10.10.10.0/25"},
		map[string][]string{"ip_namespace": {other.ID()}})

	net24 := create("IpamIPPrefix", map[string]any{"prefix": "10.10.10.0/24"},
		map[string][]string{"ip_namespace": {ns.ID()}})

	res, err := rec.Reconcile(ctx, "main", []diff.IPAMNodeDetails{
		{NodeUUID: net24.ID(), NamespaceID: ns.ID(), IPValue: "10.10.10.0/24"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Namespaces)
	assert.Equal(t, 2, res.Reparented)

	peers := func(id, rel string) []string {
		n, err := m.Get(ctx, "main", id)
		require.NoError(t, err)
		return n.Peers(rel)
	}
	assert.Equal(t, []string{net16.ID()}, peers(net24.ID(), "parent"))
	assert.Equal(t, []string{net24.ID()}, peers(addr.ID(), "ip_prefix"))
	assert.Equal(t, []string{net8.ID()}, peers(net16.ID(), "parent"))
	assert.Empty(t, peers(foreign.ID(), "parent"))

	require.NoError(t, m.Delete(ctx, "main", net16.ID()))
	res, err = rec.Reconcile(ctx, "main", []diff.IPAMNodeDetails{
		{NodeUUID: net16.ID(), NamespaceID: ns.ID(), IsDelete: true, IPValue: "10.10.0.0/16"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reparented)
	assert.Equal(t, []string{net8.ID()}, peers(net24.ID(), "parent"))

	res, err = rec.Reconcile(ctx, "main", []diff.IPAMNodeDetails{{NodeUUID: net24.ID()}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reparented)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in        string
		isAddress bool
		want      string
	}{
		{in: "10.1.2.3/16", want: "10.1.0.0/16"},
		{in: "10.1.2.3/16", isAddress: true, want: "10.1.2.3/32"},
		{in: "2001:db8::1", isAddress: true, want: "2001:db8::1/128"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := parseValue(tt.in, tt.isAddress)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.String())
		})
	}

	_, err := parseValue("nope", false)
	assert.Error(t, err)
}
