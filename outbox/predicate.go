package outbox

import (
	"math"
	"strings"
	"time"

	"searchsync/db"
	"searchsync/shard"
)

// Predicate is a SQL boolean expression over the event table with '?' binds.
// The zero value matches every row.
type Predicate struct {
	SQL  string
	Args []any
}

// IsEmpty reports whether p places no restriction.
func (p Predicate) IsEmpty() bool { return p.SQL == "" }

// And joins predicates in order, dropping empty ones.
func And(preds ...Predicate) Predicate {
	var (
		parts []string
		args  []any
	)
	for _, p := range preds {
		if p.IsEmpty() {
			continue
		}
		parts = append(parts, p.SQL)
		args = append(args, p.Args...)
	}
	if len(parts) == 1 {
		return Predicate{SQL: parts[0], Args: args}
	}
	for i, part := range parts {
		parts[i] = "(" + part + ")"
	}
	return Predicate{SQL: strings.Join(parts, " AND "), Args: args}
}

// HashRange restricts rows to entity id hashes inside r. Bounds equal to the
// int32 limits are omitted.
func HashRange(r shard.Range) Predicate {
	switch {
	case r.Full():
		return Predicate{}
	case r.Lower == math.MinInt32:
		return Predicate{SQL: "entity_id_hash <= ?", Args: []any{int64(r.Upper)}}
	case r.Upper == math.MaxInt32:
		return Predicate{SQL: "entity_id_hash >= ?", Args: []any{int64(r.Lower)}}
	default:
		return Predicate{
			SQL:  "entity_id_hash >= ? AND entity_id_hash <= ?",
			Args: []any{int64(r.Lower), int64(r.Upper)},
		}
	}
}

// ShardPredicate restricts rows to the slice of the hash space owned by a.
// A nil assignment or a single shard places no restriction.
func ShardPredicate(a *shard.Assignment) (Predicate, error) {
	if a == nil {
		return Predicate{}, nil
	}
	r, restricted, err := a.Range()
	if err != nil {
		return Predicate{}, err
	}
	if !restricted {
		return Predicate{}, nil
	}
	return HashRange(r), nil
}

// StatusIs matches rows in the given status.
func StatusIs(s Status) Predicate {
	return Predicate{SQL: "status = ?", Args: []any{string(s)}}
}

// EligibleBefore matches rows whose process_after lies before now.
func EligibleBefore(d db.Dialect, now time.Time) Predicate {
	return Predicate{SQL: "process_after < ?", Args: []any{d.Time(now)}}
}

// EntityNameIs matches rows of one entity type.
func EntityNameIs(name string) Predicate {
	return Predicate{SQL: "entity_name = ?", Args: []any{name}}
}
