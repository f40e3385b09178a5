package infra

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"searchsync/db"
)

// OpenPostgres connects to dsn and applies the searchsync schema. When isolate
// is true the tables live in a per-run schema that the returned teardown
// drops.
func OpenPostgres(ctx context.Context, dsn string, lock db.LockStrategy, isolate bool) (*sql.DB, db.Dialect, db.Schema, func(context.Context) error, error) {
	schema := db.DefaultSchema()
	cleanup := func(context.Context) error { return nil }

	if isolate {
		schema.Schema = fmt.Sprintf("searchsync_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema.Schema}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, db.Schema{}, nil, fmt.Errorf("connect for schema: %w", err)
		}
		if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", ident)); err != nil {
			conn.Close(ctx)
			return nil, nil, db.Schema{}, nil, fmt.Errorf("create schema %s: %w", schema.Schema, err)
		}
		conn.Close(ctx)

		cleanup = func(ctx context.Context) error {
			dropConn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer dropConn.Close(ctx)
			_, err = dropConn.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", ident))
			return err
		}
	}

	handle, dialect, err := db.Open(ctx, db.Options{
		Driver:       db.DriverPostgres,
		DSN:          dsn,
		LockStrategy: lock,
		MaxConns:     32,
	})
	if err != nil {
		_ = cleanup(ctx)
		return nil, nil, db.Schema{}, nil, err
	}
	if err := db.Migrate(ctx, handle, dialect, schema); err != nil {
		handle.Close()
		_ = cleanup(ctx)
		return nil, nil, db.Schema{}, nil, err
	}
	return handle, dialect, schema, cleanup, nil
}
