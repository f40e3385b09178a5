package outbox

import (
	"context"
	"fmt"
	"time"

	"searchsync/db"
	"searchsync/shard"
)

// Finder selects batches of events eligible for processing by one shard.
type Finder struct {
	dialect    db.Dialect
	table      string
	assignment *shard.Assignment
	shard      Predicate
}

// NewFinder builds a finder scoped to the assignment. A nil assignment selects
// from the whole hash space.
func NewFinder(dialect db.Dialect, schema db.Schema, assignment *shard.Assignment) (*Finder, error) {
	pred, err := ShardPredicate(assignment)
	if err != nil {
		return nil, fmt.Errorf("outbox: finder: %w", err)
	}
	var a *shard.Assignment
	if assignment != nil {
		copied := *assignment
		a = &copied
	}
	return &Finder{
		dialect:    dialect,
		table:      schema.EventTableName(),
		assignment: a,
		shard:      pred,
	}, nil
}

// Assignment returns the shard the finder is scoped to, or nil.
func (f *Finder) Assignment() *shard.Assignment {
	return f.assignment
}

// Query renders the selection statement. The shard predicate comes first.
func (f *Finder) Query(now time.Time, limit int) (string, []any) {
	where := And(f.shard, StatusIs(StatusPending), EligibleBefore(f.dialect, now))
	query := fmt.Sprintf(`SELECT %s
FROM %s
WHERE %s
ORDER BY process_after, id
LIMIT %d`, columns, f.table, where.SQL, limit)
	return f.dialect.Rebind(query), where.Args
}

// Find returns up to limit pending events eligible at now, oldest first.
func (f *Finder) Find(ctx context.Context, q db.Querier, now time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("outbox: find: invalid limit %d", limit)
	}
	query, args := f.Query(now, limit)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox: find: %w", err)
	}
	return scanEvents(rows)
}
