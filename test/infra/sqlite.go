package infra

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"searchsync/db"
)

// OpenSQLite creates a migrated SQLite database in the test's temp dir. SQLite
// is the dialect without row locks, so tests using it exercise the writer-lock
// path of the event loader.
func OpenSQLite(tb testing.TB) (*sql.DB, db.Dialect, db.Schema) {
	tb.Helper()

	ctx := context.Background()
	schema := db.DefaultSchema()
	handle, dialect, err := db.Open(ctx, db.Options{
		Driver: db.DriverSQLite,
		DSN:    filepath.Join(tb.TempDir(), "searchsync.db"),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	tb.Cleanup(func() { handle.Close() })

	if err := db.Migrate(ctx, handle, dialect, schema); err != nil {
		tb.Fatalf("migrate sqlite: %v", err)
	}
	return handle, dialect, schema
}
