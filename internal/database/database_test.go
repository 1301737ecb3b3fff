package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

type sample struct {
	bun.BaseModel `bun:"table:samples"`

	ID   string `bun:"id,pk"`
	Name string `bun:"name,notnull"`
}

func openTestDB(t *testing.T) *bun.DB {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	err = CreateTables(context.Background(), db, []any{(*sample)(nil)}, []Index{
		{Model: (*sample)(nil), Name: "samples_name_idx", Columns: []string{"name"}, Unique: true},
	})
	require.NoError(t, err)
	return db
}

func TestCreateTables_IsIdempotent(t *testing.T) {
	db := openTestDB(t)
	err := CreateTables(context.Background(), db, []any{(*sample)(nil)}, nil)
	assert.NoError(t, err)
	assert.False(t, IsPostgres(db))
}

func TestCreateTables_UniqueIndex(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.NewInsert().Model(&sample{ID: "1", Name: "a"}).Exec(ctx)
	require.NoError(t, err)
	_, err = db.NewInsert().Model(&sample{ID: "2", Name: "a"}).Exec(ctx)
	assert.Error(t, err)
}

func TestSafeTx_RollbackAfterCommitIsNoop(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	tx, err := BeginSafeTx(ctx, db)
	require.NoError(t, err)
	_, err = tx.NewInsert().Model(&sample{ID: "1", Name: "a"}).Exec(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, tx.Rollback())

	count, err := db.NewSelect().Model((*sample)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSafeTx_RollbackDiscards(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	tx, err := BeginSafeTx(ctx, db)
	require.NoError(t, err)
	_, err = tx.NewInsert().Model(&sample{ID: "1", Name: "a"}).Exec(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	count, err := db.NewSelect().Model((*sample)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
