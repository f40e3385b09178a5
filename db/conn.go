package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options tune the connection pool and locking behavior of a database handle.
type Options struct {
	Driver       string
	DSN          string
	LockStrategy LockStrategy
	MaxConns     int
}

// Open constructs a pooled database handle and the dialect matching the driver.
func Open(ctx context.Context, opts Options) (*sql.DB, Dialect, error) {
	if opts.DSN == "" {
		return nil, nil, fmt.Errorf("db: empty connection string")
	}

	var (
		handle  *sql.DB
		dialect Dialect
	)
	switch strings.ToLower(opts.Driver) {
	case "", DriverPostgres, "pgx", "postgresql":
		cfg, err := pgx.ParseConfig(opts.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("db: parse config: %w", err)
		}
		handle = stdlib.OpenDB(*cfg)
		if opts.MaxConns > 0 {
			handle.SetMaxOpenConns(opts.MaxConns)
		}
		handle.SetConnMaxIdleTime(30 * time.Second)
		handle.SetConnMaxLifetime(5 * time.Minute)
		dialect = NewPostgres(opts.LockStrategy)
	case DriverSQLite:
		var err error
		handle, err = sql.Open("sqlite", sqliteDSN(opts.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("db: open sqlite: %w", err)
		}
		maxConns := opts.MaxConns
		if maxConns <= 0 {
			maxConns = 4
		}
		handle.SetMaxOpenConns(maxConns)
		handle.SetMaxIdleConns(2)
		handle.SetConnMaxLifetime(30 * time.Minute)
		dialect = NewSQLite()
	default:
		return nil, nil, fmt.Errorf("db: unsupported driver %q", opts.Driver)
	}

	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, nil, fmt.Errorf("db: ping: %w", err)
	}
	return handle, dialect, nil
}

// sqliteDSN enables WAL, a busy timeout and immediate transactions. Immediate
// transactions take the writer lock on BEGIN, which is what serializes agents
// on a database without row locks.
func sqliteDSN(path string) string {
	if strings.Contains(path, "_txlock=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
}
