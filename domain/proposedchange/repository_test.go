package proposedchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/branchgraph/internal/testutil"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	models, indexes := Tables()
	db := testutil.NewSQLiteDB(t, models, indexes...)
	return NewRepository(db, timestamp.NewClock(), testutil.Logger(t))
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name  string
		req   CreateRequest
		valid bool
	}{
		{name: "valid", req: CreateRequest{Name: "add devices", SourceBranch: "cr1", DestinationBranch: "main"}, valid: true},
		{name: "missing name", req: CreateRequest{SourceBranch: "cr1", DestinationBranch: "main"}},
		{name: "same branches", req: CreateRequest{Name: "x", SourceBranch: "main", DestinationBranch: "main"}},
		{name: "bad branch name", req: CreateRequest{Name: "x", SourceBranch: "a b", DestinationBranch: "main"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestRepo(t).Create(context.Background(), &tt.req)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperror.Is(err, apperror.ErrValidationFailed))
		})
	}
}

func TestCancelForBranch(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	open, err := repo.Create(ctx, &CreateRequest{Name: "one", SourceBranch: "cr1", DestinationBranch: "main"})
	require.NoError(t, err)
	closed, err := repo.Create(ctx, &CreateRequest{Name: "two", SourceBranch: "cr1", DestinationBranch: "main"})
	require.NoError(t, err)
	require.NoError(t, repo.SetState(ctx, closed.ID, StateClosed))
	other, err := repo.Create(ctx, &CreateRequest{Name: "three", SourceBranch: "cr2", DestinationBranch: "main"})
	require.NoError(t, err)

	ids, err := repo.CancelForBranch(ctx, "cr1")
	require.NoError(t, err)
	assert.Equal(t, []string{open.ID}, ids)

	got, err := repo.GetByID(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, got.State)

	got, err = repo.GetByID(ctx, closed.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)

	got, err = repo.GetByID(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, got.State)

	ids, err = repo.CancelForBranch(ctx, "cr1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.True(t, apperror.Is(repo.SetState(ctx, open.ID, StateMerged), apperror.ErrNotFound))
}
