// Package storetest opens throwaway databases for tests.
package storetest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"cms-engine/internal/store"
)

// OpenSQLite creates a migrated SQLite database in a temp directory.
// The database is closed when the test finishes.
func OpenSQLite(t testing.TB) *store.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)

	s, err := store.Open(context.Background(), db, "sqlite")
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.RunMigrations())
	return s
}

// MustExec runs DDL or seed statements, failing the test on error.
func MustExec(t testing.TB, s *store.Store, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		_, err := s.DB.ExecContext(context.Background(), stmt)
		require.NoError(t, err, stmt)
	}
}
