package branch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/internal/testutil"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	models, indexes := Tables()
	return NewStore(testutil.NewSQLiteDB(t, models, indexes...))
}

func TestUpdateSchemaHash(t *testing.T) {
	b := &Branch{Name: "cr1", HierarchyLevel: LevelUser}
	h := schema.Hash{Main: "m", Nodes: "n", Generics: "g", Profiles: "p"}

	assert.True(t, b.UpdateSchemaHash(h))
	assert.False(t, b.UpdateSchemaHash(h))
	assert.Equal(t, h, b.SchemaHash())

	h.Nodes = "n2"
	assert.True(t, b.UpdateSchemaHash(h))
}

func TestHasSchemaChanges(t *testing.T) {
	b := &Branch{Name: "cr1", HierarchyLevel: LevelUser, BranchPointHash: "m"}
	b.UpdateSchemaHash(schema.Hash{Main: "m"})
	assert.False(t, b.HasSchemaChanges())

	b.UpdateSchemaHash(schema.Hash{Main: "m2"})
	assert.True(t, b.HasSchemaChanges())

	trunk := &Branch{Name: "main", IsDefault: true}
	trunk.UpdateSchemaHash(schema.Hash{Main: "x"})
	assert.False(t, trunk.HasSchemaChanges())
	assert.Equal(t, "x", trunk.BranchPointHash)
}

func TestVisibleTrunkTime(t *testing.T) {
	forked := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := forked.Add(time.Hour)

	isolated := &Branch{IsIsolated: true, BranchedFrom: timestamp.FromTime(forked)}
	assert.True(t, forked.Equal(isolated.VisibleTrunkTime(now)))

	live := &Branch{BranchedFrom: timestamp.FromTime(forked)}
	assert.True(t, now.Equal(live.VisibleTrunkTime(now)))

	trunk := &Branch{IsDefault: true, IsIsolated: true}
	assert.True(t, now.Equal(trunk.VisibleTrunkTime(now)))

	isolated.Rebase(now)
	assert.True(t, now.Equal(isolated.BranchedFromTime()))
	view := isolated.SchemaView("main", now.Add(time.Minute))
	assert.Equal(t, schema.View{Branch: "", Trunk: "main", TrunkAt: now, At: now.Add(time.Minute)}, view)
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"cr1", true},
		{"feature/new-site", true},
		{"ab", false},
		{"has space", false},
		{"a..b", false},
		{"/leading", false},
		{"trailing/", false},
		{"ref@{1}", false},
		{"branch.lock", false},
		{"what?", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidName(tt.name))
		})
	}
}

func TestCreateRequest_Validate(t *testing.T) {
	require.NoError(t, (&CreateRequest{Name: "cr1"}).Validate())

	err := (&CreateRequest{Name: "x y", Origin: ".."}).Validate()
	require.Error(t, err)
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	assert.Len(t, appErr.Messages(), 2)
}

func TestStore_CreateGetDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	b := &Branch{Name: "cr1", OriginBranch: "main", HierarchyLevel: LevelUser, IsIsolated: true}
	require.NoError(t, store.Create(ctx, b))
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, StatusOpen, b.Status)

	err := store.Create(ctx, &Branch{Name: "cr1", HierarchyLevel: LevelUser})
	assert.True(t, apperror.Is(err, apperror.ErrAlreadyExists))

	got, err := store.GetByName(ctx, "cr1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.True(t, got.IsIsolated)

	got.Description = "updated"
	got.UpdateSchemaHash(schema.Hash{Main: "abc"})
	require.NoError(t, store.Save(ctx, got))
	again, err := store.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", again.Description)
	assert.Equal(t, "abc", again.SchemaHashMain)

	deleted, err := store.Delete(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = store.GetByName(ctx, "cr1")
	assert.True(t, apperror.Is(err, apperror.ErrBranchNotFound))
}

func TestStore_EnsureTrunksAreSingletons(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()

	main, err := store.EnsureDefault(ctx, "main", now)
	require.NoError(t, err)
	again, err := store.EnsureDefault(ctx, "other", now)
	require.NoError(t, err)
	assert.Equal(t, main.ID, again.ID)
	assert.Equal(t, "main", again.Name)

	global, err := store.EnsureGlobal(ctx, "-global-", now)
	require.NoError(t, err)
	assert.True(t, global.IsGlobal)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	def, err := store.GetDefault(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", def.Name)
}
