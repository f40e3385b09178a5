package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"searchsync/db"
	"searchsync/shard"
)

var (
	// ErrNotFound is returned when no agent row exists for the identifier.
	ErrNotFound = errors.New("agent: not found")
)

const columns = `id, type, name, state, expiration, total_shard_count, assigned_shard_index, cluster_members`

// Repository reads and writes agent rows inside the caller's transaction.
type Repository struct {
	dialect db.Dialect
	table   string
}

func NewRepository(dialect db.Dialect, schema db.Schema) *Repository {
	return &Repository{dialect: dialect, table: schema.AgentTableName()}
}

// FindAllOrderByID returns every agent row ordered by id. Callers must read
// before they write in the same transaction.
func (r *Repository) FindAllOrderByID(ctx context.Context, q db.Querier) ([]Agent, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, columns, r.table)
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}
	defer rows.Close()

	agents := []Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}

	// The database collation of a character id column may not match byte
	// order; every agent must see the same order.
	sort.SliceStable(agents, func(i, j int) bool {
		return agents[i].ID.String() < agents[j].ID.String()
	})
	return agents, nil
}

// Find loads a single agent.
func (r *Repository) Find(ctx context.Context, q db.Querier, id uuid.UUID) (Agent, error) {
	query := r.dialect.Rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, columns, r.table))
	a, err := scanAgent(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	return a, err
}

// Create inserts a new agent row.
func (r *Repository) Create(ctx context.Context, q db.Querier, a Agent) error {
	if a.ID == uuid.Nil {
		return fmt.Errorf("agent: missing id")
	}
	total, index := shardArgs(a.Shard)
	members, err := membersArg(a.ClusterMembers)
	if err != nil {
		return err
	}

	query := r.dialect.Rebind(fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, r.table, columns))
	if _, err := q.ExecContext(ctx, query,
		a.ID, string(a.Type), a.Name, string(a.State), r.dialect.Time(a.Expiration), total, index, members,
	); err != nil {
		return fmt.Errorf("agent: insert: %w", err)
	}
	return nil
}

// Update persists the mutable columns of a.
func (r *Repository) Update(ctx context.Context, q db.Querier, a Agent) error {
	total, index := shardArgs(a.Shard)
	members, err := membersArg(a.ClusterMembers)
	if err != nil {
		return err
	}

	query := r.dialect.Rebind(fmt.Sprintf(`
UPDATE %s
SET state = ?,
    expiration = ?,
    total_shard_count = ?,
    assigned_shard_index = ?,
    cluster_members = ?
WHERE id = ?
`, r.table))
	res, err := q.ExecContext(ctx, query,
		string(a.State), r.dialect.Time(a.Expiration), total, index, members, a.ID,
	)
	if err != nil {
		return fmt.Errorf("agent: update: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the given agents. Missing rows are ignored.
func (r *Repository) Delete(ctx context.Context, q db.Querier, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := r.dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, r.table, placeholders(len(ids))))
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("agent: delete: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (Agent, error) {
	var (
		a          Agent
		typ, state string
		expiration db.Timestamp
		total      sql.NullInt64
		index      sql.NullInt64
		members    sql.NullString
	)
	if err := row.Scan(&a.ID, &typ, &a.Name, &state, &expiration, &total, &index, &members); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, err
		}
		return Agent{}, fmt.Errorf("agent: scan: %w", err)
	}
	a.Type = Type(typ)
	a.State = State(state)
	a.Expiration = expiration.Time
	if total.Valid && index.Valid {
		a.Shard = &shard.Assignment{
			TotalShardCount:    int(total.Int64),
			AssignedShardIndex: int(index.Int64),
		}
	}
	if members.Valid && members.String != "" {
		if err := json.Unmarshal([]byte(members.String), &a.ClusterMembers); err != nil {
			return Agent{}, fmt.Errorf("agent: decode cluster members of %s: %w", a.ID, err)
		}
	}
	return a, nil
}

func shardArgs(a *shard.Assignment) (any, any) {
	if a == nil {
		return nil, nil
	}
	return int64(a.TotalShardCount), int64(a.AssignedShardIndex)
}

func membersArg(members []string) (any, error) {
	if len(members) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("agent: encode cluster members: %w", err)
	}
	return string(b), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
