package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"searchsync/db"
)

// Repository applies batch dispositions and serves diagnostic listings.
type Repository struct {
	dialect db.Dialect
	table   string
}

func NewRepository(dialect db.Dialect, schema db.Schema) *Repository {
	return &Repository{dialect: dialect, table: schema.EventTableName()}
}

// Delete removes processed events.
func (r *Repository) Delete(ctx context.Context, q db.Querier, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, r.table, placeholders(len(ids)))
	if _, err := q.ExecContext(ctx, r.dialect.Rebind(query), idArgs(ids)...); err != nil {
		return fmt.Errorf("outbox: delete: %w", err)
	}
	return nil
}

// Requeue bumps the retry counter of failed events and delays them until
// processAfter.
func (r *Repository) Requeue(ctx context.Context, q db.Querier, processAfter time.Time, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
UPDATE %s
SET retries = retries + 1,
    process_after = ?
WHERE id IN (%s)
`, r.table, placeholders(len(ids)))
	args := append([]any{r.dialect.Time(processAfter)}, idArgs(ids)...)
	if _, err := q.ExecContext(ctx, r.dialect.Rebind(query), args...); err != nil {
		return fmt.Errorf("outbox: requeue: %w", err)
	}
	return nil
}

// Abort marks events that exhausted their retry budget. The retry counter is
// bumped so it reflects the failed attempt.
func (r *Repository) Abort(ctx context.Context, q db.Querier, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
UPDATE %s
SET retries = retries + 1,
    status = ?
WHERE id IN (%s)
`, r.table, placeholders(len(ids)))
	args := append([]any{string(StatusAborted)}, idArgs(ids)...)
	if _, err := q.ExecContext(ctx, r.dialect.Rebind(query), args...); err != nil {
		return fmt.Errorf("outbox: abort: %w", err)
	}
	return nil
}

// Revive puts aborted events back in the queue with a fresh retry budget and
// returns how many were revived. Pending events are left untouched.
func (r *Repository) Revive(ctx context.Context, q db.Querier, processAfter time.Time, ids ...uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
UPDATE %s
SET retries = 0,
    status = ?,
    process_after = ?
WHERE status = ? AND id IN (%s)
`, r.table, placeholders(len(ids)))
	args := append([]any{string(StatusPending), r.dialect.Time(processAfter), string(StatusAborted)}, idArgs(ids)...)
	res, err := q.ExecContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("outbox: revive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox: revive: %w", err)
	}
	return int(n), nil
}

// Filter narrows a diagnostic listing. Empty fields match everything.
type Filter struct {
	Status     Status
	EntityName string
	Limit      int
}

// DefaultListLimit caps listings that set no limit.
const DefaultListLimit = 100

// FindAny lists events without the processing filters, in processing order.
func (r *Repository) FindAny(ctx context.Context, q db.Querier, f Filter) ([]Event, error) {
	var preds []Predicate
	if f.Status != "" {
		preds = append(preds, StatusIs(f.Status))
	}
	if f.EntityName != "" {
		preds = append(preds, EntityNameIs(f.EntityName))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	where := And(preds...)
	query := fmt.Sprintf(`SELECT %s FROM %s`, columns, r.table)
	if !where.IsEmpty() {
		query += " WHERE " + where.SQL
	}
	query += fmt.Sprintf(" ORDER BY process_after, id LIMIT %d", limit)

	rows, err := q.QueryContext(ctx, r.dialect.Rebind(query), where.Args...)
	if err != nil {
		return nil, fmt.Errorf("outbox: list: %w", err)
	}
	return scanEvents(rows)
}

// CountByStatus returns the number of events per status.
func (r *Repository) CountByStatus(ctx context.Context, q db.Querier) (map[Status]int, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, r.table))
	if err != nil {
		return nil, fmt.Errorf("outbox: count: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{StatusPending: 0, StatusAborted: 0}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("outbox: count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: count: %w", err)
	}
	return counts, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e            Event
			status       string
			processAfter db.Timestamp
		)
		if err := rows.Scan(
			&e.ID, &e.EntityName, &e.EntityID, &e.EntityIDHash,
			&e.Payload, &e.Retries, &processAfter, &status,
		); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		e.ProcessAfter = processAfter.Time
		e.Status = Status(status)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: scan: %w", err)
	}
	return events, nil
}

func idArgs(ids []uuid.UUID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
