package db

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// LockStrategy selects how event rows are locked on dialects with row locks.
type LockStrategy string

const (
	// LockSkipLocked skips rows locked by concurrent transactions.
	LockSkipLocked LockStrategy = "skip_locked"
	// LockBlocking waits for conflicting locks and relies on the database
	// deadlock detector to break cycles.
	LockBlocking LockStrategy = "blocking"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect interface {
	// Name identifies the dialect ("postgres", "sqlite").
	Name() string
	// Rebind rewrites '?' placeholders into the dialect's bind syntax.
	Rebind(query string) string
	// Time encodes an instant as a bind argument for timestamp columns.
	Time(t time.Time) any
	// LockClause is appended to SELECT statements that must lock rows.
	LockClause() string
	// SkipsLocked reports whether LockClause skips rows locked elsewhere.
	SkipsLocked() bool
	// IsLockContention reports whether err means "rows are locked elsewhere"
	// and the statement should simply be retried on a later round.
	IsLockContention(err error) bool

	columnTypes() columnTypes
}

type columnTypes struct {
	uuid      string
	char36    string
	text      string
	integer   string
	timestamp string
	binary    string
}

type postgresDialect struct {
	lock LockStrategy
}

// NewPostgres returns the PostgreSQL dialect. An empty strategy means skip-locked.
func NewPostgres(lock LockStrategy) Dialect {
	if lock == "" {
		lock = LockSkipLocked
	}
	return postgresDialect{lock: lock}
}

func (postgresDialect) Name() string { return DriverPostgres }

func (postgresDialect) Rebind(query string) string {
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (postgresDialect) Time(t time.Time) any { return t.UTC() }

func (d postgresDialect) LockClause() string {
	if d.lock == LockBlocking {
		return "FOR UPDATE"
	}
	return "FOR UPDATE SKIP LOCKED"
}

func (d postgresDialect) SkipsLocked() bool { return d.lock != LockBlocking }

// Lock contention SQLSTATEs: lock_not_available, deadlock_detected,
// serialization_failure.
func (postgresDialect) IsLockContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40P01", "40001":
			return true
		}
	}
	return false
}

func (postgresDialect) columnTypes() columnTypes {
	return columnTypes{
		uuid:      "UUID",
		char36:    "VARCHAR(36)",
		text:      "VARCHAR(255)",
		integer:   "INTEGER",
		timestamp: "TIMESTAMP WITH TIME ZONE",
		binary:    "BYTEA",
	}
}

type sqliteDialect struct{}

// NewSQLite returns the SQLite dialect. SQLite has no row locks: the writer
// lock taken by immediate transactions serializes agents instead.
func NewSQLite() Dialect { return sqliteDialect{} }

func (sqliteDialect) Name() string { return DriverSQLite }

func (sqliteDialect) Rebind(query string) string { return query }

// Timestamps are stored as integer microseconds so that comparisons are
// numeric rather than lexicographic.
func (sqliteDialect) Time(t time.Time) any { return t.UnixMicro() }

func (sqliteDialect) LockClause() string { return "" }

func (sqliteDialect) SkipsLocked() bool { return false }

// Busy and locked result codes, extended codes included.
func (sqliteDialect) IsLockContention(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func (sqliteDialect) columnTypes() columnTypes {
	return columnTypes{
		uuid:      "TEXT",
		char36:    "TEXT",
		text:      "TEXT",
		integer:   "INTEGER",
		timestamp: "INTEGER",
		binary:    "BLOB",
	}
}
