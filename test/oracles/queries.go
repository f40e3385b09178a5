package oracles

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"searchsync/agent"
	"searchsync/db"
)

type Oracle struct {
	Name string
	SQL  string
	Args []any
}

// All returns the checks that must never match a row. Only live event
// processors are considered: a crashed agent's row stays until its lease
// expires.
func All(d db.Dialect, s db.Schema, now time.Time) []Oracle {
	agents := s.AgentTableName()
	live := []any{
		d.Time(now),
		string(agent.StateRunning),
		string(agent.TypeDynamicSharding),
		string(agent.TypeStaticSharding),
	}
	running := `expiration > ? AND state = ? AND type IN (?, ?)`
	return []Oracle{
		{
			Name: "O1_duplicate_running_shard",
			SQL: fmt.Sprintf(`SELECT total_shard_count, assigned_shard_index, COUNT(*) FROM %s
                  WHERE %s
                  GROUP BY total_shard_count, assigned_shard_index HAVING COUNT(*) > 1`, agents, running),
			Args: live,
		},
		{
			Name: "O2_mixed_running_layouts",
			SQL: fmt.Sprintf(`SELECT COUNT(DISTINCT total_shard_count) FROM %s
                  WHERE %s
                  HAVING COUNT(DISTINCT total_shard_count) > 1`, agents, running),
			Args: live,
		},
		{
			Name: "O3_running_without_shard",
			SQL:  fmt.Sprintf(`SELECT id FROM %s WHERE %s AND (total_shard_count IS NULL OR assigned_shard_index IS NULL)`, agents, running),
			Args: live,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, q db.Querier, d db.Dialect, s db.Schema, now time.Time) (string, string, error) {
	for _, o := range All(d, s, now) {
		rows, err := q.QueryContext(ctx, d.Rebind(o.SQL), o.Args...)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		row, err := firstRow(rows)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if row != "" {
			return o.Name, row, nil
		}
	}
	return "", "", nil
}

func firstRow(rows *sql.Rows) (string, error) {
	defer rows.Close()
	if !rows.Next() {
		return "", rows.Err()
	}
	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return "", err
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s=%v", c, vals[i])
	}
	return strings.Join(parts, " "), nil
}
