package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/internal/testutil"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	var models []any
	var indexes []database.Index
	for _, tables := range []func() ([]any, []database.Index){branch.Tables, schema.Tables} {
		m, i := tables()
		models = append(models, m...)
		indexes = append(indexes, i...)
	}
	db := testutil.NewSQLiteDB(t, models, indexes...)
	return New(db, Config{DefaultBranch: "main", GlobalBranch: "-global-"}, timestamp.NewClock(), testutil.Logger(t))
}

func TestRefresh_CreatesTrunks(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.Refresh(ctx))

	main, p, err := r.Default()
	require.NoError(t, err)
	assert.True(t, main.IsDefault)
	assert.Equal(t, 0, len(p.Kinds()))

	global, err := r.Branch("-global-")
	require.NoError(t, err)
	assert.True(t, global.IsGlobal)
	assert.Len(t, r.Branches(), 2)

	// Refresh is repeatable and keeps exactly one of each trunk.
	require.NoError(t, r.Refresh(ctx))
	assert.Len(t, r.Branches(), 2)
}

func TestRefresh_LoadsBranchSchemas(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.Refresh(ctx))

	sb := schema.NewSchemaBranch("main")
	sb.Set(schema.NodeSchema("Infra", "Site"))
	_, err := r.SchemaStore().SaveAll(ctx, "main", sb, r.Clock().Now())
	require.NoError(t, err)

	cr1 := &branch.Branch{
		Name: "cr1", OriginBranch: "main", HierarchyLevel: branch.LevelUser,
		IsIsolated: true, BranchedFrom: timestamp.FromTime(r.Clock().Now()),
	}
	require.NoError(t, r.BranchStore().Create(ctx, cr1))
	require.NoError(t, r.RefreshBranch(ctx, "cr1"))

	p, err := r.Schema("cr1")
	require.NoError(t, err)
	assert.True(t, p.Has("InfraSite"))
	assert.Equal(t, sb.Hash(), p.Hash())

	_, err = r.BranchStore().Delete(ctx, cr1.ID)
	require.NoError(t, err)
	require.NoError(t, r.RefreshBranch(ctx, "cr1"))
	_, err = r.Branch("cr1")
	assert.True(t, apperror.Is(err, apperror.ErrBranchNotFound))
}

func TestBranch_ReturnsCopies(t *testing.T) {
	r := New(nil, Config{DefaultBranch: "main"}, timestamp.NewClock(), testutil.Logger(t))
	r.Set(&branch.Branch{Name: "main", IsDefault: true}, nil)

	b, err := r.Branch("main")
	require.NoError(t, err)
	b.Description = "changed"

	again, err := r.Branch("main")
	require.NoError(t, err)
	assert.Empty(t, again.Description)

	_, err = r.Schema("main")
	assert.True(t, apperror.Is(err, apperror.ErrNotFound))
}
