package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"searchsync/db"
)

// ErrLockContention is returned when the rows are locked by another
// transaction. On PostgreSQL the failed statement aborted the caller's
// transaction, so it must be rolled back rather than committed.
var ErrLockContention = errors.New("outbox: events locked by another transaction")

// Loader locks specific event rows for the rest of the caller's transaction.
//
// On PostgreSQL with the skip-locked strategy, rows held by another processor
// are left out of the result. With the blocking strategy the statement waits
// for conflicting locks; a lock cycle is only broken by the database deadlock
// detector aborting one of the transactions. SQLite has no row locks: the
// immediate transaction already holds the database writer lock.
type Loader struct {
	dialect db.Dialect
	table   string
}

func NewLoader(dialect db.Dialect, schema db.Schema) *Loader {
	return &Loader{dialect: dialect, table: schema.EventTableName()}
}

// LoadLocking locks and returns the rows among ids that still exist. Rows
// skipped by a skip-locked clause are simply left out. Any other lock
// contention returns ErrLockContention; the caller rolls back and retries on a
// later round.
func (l *Loader) LoadLocking(ctx context.Context, q db.Querier, ids []uuid.UUID) ([]Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s
FROM %s
WHERE id IN (%s)
ORDER BY id`, columns, l.table, placeholders(len(ids)))
	if clause := l.dialect.LockClause(); clause != "" {
		query += "\n" + clause
	}

	rows, err := q.QueryContext(ctx, l.dialect.Rebind(query), idArgs(ids)...)
	if err != nil {
		if l.dialect.IsLockContention(err) {
			return nil, fmt.Errorf("%w: %w", ErrLockContention, err)
		}
		return nil, fmt.Errorf("outbox: load locking: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil && l.dialect.IsLockContention(err) {
		return nil, fmt.Errorf("%w: %w", ErrLockContention, err)
	}
	return events, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
