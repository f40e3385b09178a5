package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRebind(t *testing.T) {
	d := NewPostgres("")
	got := d.Rebind("SELECT id FROM t WHERE a = ? AND b IN (?, ?)")
	assert.Equal(t, "SELECT id FROM t WHERE a = $1 AND b IN ($2, $3)", got)
}

func TestSQLiteRebind_Identity(t *testing.T) {
	q := "SELECT id FROM t WHERE a = ?"
	assert.Equal(t, q, NewSQLite().Rebind(q))
}

func TestPostgresLockClause(t *testing.T) {
	skip := NewPostgres(LockSkipLocked)
	assert.Equal(t, "FOR UPDATE SKIP LOCKED", skip.LockClause())
	assert.True(t, skip.SkipsLocked())

	blocking := NewPostgres(LockBlocking)
	assert.Equal(t, "FOR UPDATE", blocking.LockClause())
	assert.False(t, blocking.SkipsLocked())

	assert.Empty(t, NewSQLite().LockClause())
	assert.False(t, NewSQLite().SkipsLocked())
}

func TestPostgresLockContention(t *testing.T) {
	d := NewPostgres("")
	for _, code := range []string{"55P03", "40P01", "40001"} {
		err := fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: code})
		assert.True(t, d.IsLockContention(err), code)
	}
	assert.False(t, d.IsLockContention(&pgconn.PgError{Code: "23505"}))
	assert.False(t, d.IsLockContention(errors.New("boom")))
	assert.False(t, d.IsLockContention(nil))
}

func TestSQLiteLockContention(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "busy.db")

	// No busy timeout, so the second writer fails straight away.
	holder, err := sql.Open(DriverSQLite, path+"?_txlock=immediate")
	require.NoError(t, err)
	t.Cleanup(func() { holder.Close() })
	contender, err := sql.Open(DriverSQLite, path+"?_txlock=immediate")
	require.NoError(t, err)
	t.Cleanup(func() { contender.Close() })

	_, err = holder.ExecContext(ctx, `CREATE TABLE t (id INTEGER)`)
	require.NoError(t, err)
	_, other := contender.ExecContext(ctx, `SELECT * FROM missing`)
	require.Error(t, other)

	tx, err := holder.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback() //nolint:errcheck

	_, busy := contender.BeginTx(ctx, nil)
	require.Error(t, busy)

	d := NewSQLite()
	assert.True(t, d.IsLockContention(busy), "%v", busy)
	assert.True(t, d.IsLockContention(fmt.Errorf("wrapped: %w", busy)))

	assert.False(t, d.IsLockContention(other))
	assert.False(t, d.IsLockContention(errors.New("select failed (5)")))
	assert.False(t, d.IsLockContention(nil))
}

func TestSchemaNames(t *testing.T) {
	s := DefaultSchema()
	assert.Equal(t, `"searchsync_agent"`, s.AgentTableName())
	assert.Equal(t, `"searchsync_outbox_event"`, s.EventTableName())

	s.Schema = "search"
	s.Catalog = "app"
	assert.Equal(t, `"app"."search"."searchsync_outbox_event"`, s.EventTableName())
}

func TestSchemaStatements_Postgres(t *testing.T) {
	s := Schema{Schema: "search", IDType: IDTypeChar, PayloadType: "TEXT"}
	stmts := s.Statements(NewPostgres(""))
	require.Len(t, stmts, 5)

	assert.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "search"."searchsync_agent"`)
	assert.Contains(t, stmts[0], "id VARCHAR(36) NOT NULL PRIMARY KEY")
	assert.Contains(t, stmts[1], "payload TEXT NOT NULL")
	assert.Contains(t, stmts[1], "process_after TIMESTAMP WITH TIME ZONE NOT NULL")
	assert.Equal(t,
		`CREATE INDEX IF NOT EXISTS "searchsync_outbox_event_entity_id_hash_idx" ON "search"."searchsync_outbox_event" (entity_id_hash)`,
		stmts[2])
}

func TestSchemaStatements_SQLiteQualifiedIndex(t *testing.T) {
	s := Schema{Schema: "main"}
	stmts := s.Statements(NewSQLite())
	assert.Equal(t,
		`CREATE INDEX IF NOT EXISTS "main"."searchsync_outbox_event_status_idx" ON "searchsync_outbox_event" (status)`,
		stmts[4])
}

func TestSchemaValidate(t *testing.T) {
	assert.NoError(t, DefaultSchema().Validate())
	assert.Error(t, Schema{IDType: "serial"}.Validate())
}

func TestTimestampScan(t *testing.T) {
	instant := time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)

	var ts Timestamp
	require.NoError(t, ts.Scan(instant.UnixMicro()))
	assert.True(t, instant.Equal(ts.Time))

	require.NoError(t, ts.Scan(instant.In(time.FixedZone("x", 3600))))
	assert.True(t, instant.Equal(ts.Time))
	assert.Equal(t, time.UTC, ts.Location())

	require.NoError(t, ts.Scan("2024-05-06T09:08:09.123456+02:00"))
	assert.True(t, instant.Equal(ts.Time))

	require.NoError(t, ts.Scan([]byte("2024-05-06 07:08:09.123456")))
	assert.True(t, instant.Equal(ts.Time))

	require.NoError(t, ts.Scan(nil))
	assert.True(t, ts.IsZero())

	assert.Error(t, ts.Scan("2024-05-06"))
	assert.Error(t, ts.Scan(3.5))
}

func TestMigrateSQLite(t *testing.T) {
	ctx := context.Background()
	handle, dialect, err := Open(ctx, Options{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "schema.db")})
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	require.NoError(t, Migrate(ctx, handle, dialect, DefaultSchema()))
	// Idempotent.
	require.NoError(t, Migrate(ctx, handle, dialect, DefaultSchema()))

	var count int
	require.NoError(t, handle.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name LIKE 'searchsync_outbox_event_%'`).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	handle, dialect, err := Open(ctx, Options{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "tx.db")})
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })
	require.NoError(t, Migrate(ctx, handle, dialect, DefaultSchema()))

	boom := errors.New("boom")
	err = InTx(ctx, handle, time.Second, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO "searchsync_agent" (id, type, name, state, expiration) VALUES ('a', 't', 'n', 'SUSPENDED', 0)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, handle.QueryRowContext(ctx, `SELECT COUNT(*) FROM "searchsync_agent"`).Scan(&count))
	assert.Zero(t, count)
}

func TestOpen_Errors(t *testing.T) {
	_, _, err := Open(context.Background(), Options{Driver: DriverSQLite})
	assert.Error(t, err)

	_, _, err = Open(context.Background(), Options{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}
