package infra

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"searchsync/db"
)

// EnvPostgresDSN points integration tests at an existing database instead of
// a container.
const EnvPostgresDSN = "SEARCHSYNC_TEST_PG_DSN"

// PostgresDSN returns a database to test against: overrideDSN, then
// SEARCHSYNC_TEST_PG_DSN, then a fresh postgres:16 container. stop releases
// the container and is a no-op for reused databases.
func PostgresDSN(ctx context.Context, overrideDSN string) (dsn string, stop func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if overrideDSN != "" {
		return overrideDSN, noop, nil
	}
	if env := os.Getenv(EnvPostgresDSN); env != "" {
		return env, noop, nil
	}

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("searchsync"),
		postgres.WithUsername("searchsync"),
		postgres.WithPassword("searchsync"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("run container: %w", err)
	}
	stop = func(ctx context.Context) error { return container.Terminate(ctx) }

	dsn, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = stop(ctx)
		return "", nil, fmt.Errorf("container dsn: %w", err)
	}
	return dsn, stop, nil
}

// Harness owns a migrated Postgres database for the lifetime of a test run.
type Harness struct {
	handle   *sql.DB
	dialect  db.Dialect
	schema   db.Schema
	dsn      string
	teardown func(context.Context) error
	stop     func(context.Context) error
}

// NewHarness resolves a database with PostgresDSN and applies the schema in
// an isolated namespace.
func NewHarness(ctx context.Context, overrideDSN string, lock db.LockStrategy) (*Harness, error) {
	dsn, stop, err := PostgresDSN(ctx, overrideDSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	handle, dialect, schema, teardown, err := OpenPostgres(ctx, dsn, lock, true)
	if err != nil {
		_ = stop(ctx)
		return nil, err
	}
	return &Harness{
		handle:   handle,
		dialect:  dialect,
		schema:   schema,
		dsn:      dsn,
		teardown: teardown,
		stop:     stop,
	}, nil
}

func (h *Harness) DB() *sql.DB { return h.handle }

func (h *Harness) Dialect() db.Dialect { return h.dialect }

func (h *Harness) Schema() db.Schema { return h.schema }

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string { return h.dsn }

// Close drops the run schema and stops the container.
func (h *Harness) Close(ctx context.Context) {
	h.handle.Close()
	_ = h.teardown(ctx)
	_ = h.stop(ctx)
}
