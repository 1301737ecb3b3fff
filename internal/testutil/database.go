// Package testutil provides helpers shared by package tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/internal/database"
)

// NewSQLiteDB returns an isolated in-memory sqlite database with tables for
// the given models. It is closed when the test ends.
//
// The pool holds a single connection, so code running inside RunInTx must use
// the tx for every query or it will wait on itself.
func NewSQLiteDB(t testing.TB, models []any, indexes ...database.Index) *bun.DB {
	t.Helper()

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.CreateTables(context.Background(), db, models, indexes))
	return db
}

// Logger returns a logger that only surfaces errors, matching production
// structure without flooding test output.
func Logger(t testing.TB) *slog.Logger {
	t.Helper()
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testWriter struct{ t testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
