package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"searchsync/db"
	"searchsync/shard"
)

// ErrInvalidEntry is returned for entries missing an entity name or id.
var ErrInvalidEntry = errors.New("outbox: invalid entry")

// Sender appends change events inside the writer's own transaction, so an
// event exists if and only if the entity change committed.
type Sender struct {
	dialect db.Dialect
	table   string
	now     func() time.Time
}

func NewSender(dialect db.Dialect, schema db.Schema) *Sender {
	return &Sender{dialect: dialect, table: schema.EventTableName(), now: time.Now}
}

// Send stores e as a pending event and returns its id.
func (s *Sender) Send(ctx context.Context, q db.Querier, e Entry) (uuid.UUID, error) {
	if e.EntityName == "" || e.EntityID == "" {
		return uuid.Nil, fmt.Errorf("%w: entity name and id are required", ErrInvalidEntry)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("outbox: generate id: %w", err)
	}
	processAfter := e.ProcessAfter
	if processAfter.IsZero() {
		processAfter = s.now()
	}
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES (?, ?, ?, ?, ?, 0, ?, ?)
`, s.table, columns)
	if _, err := q.ExecContext(ctx, s.dialect.Rebind(query),
		id, e.EntityName, e.EntityID, int64(shard.Hash(e.EntityID)), payload,
		s.dialect.Time(processAfter), string(StatusPending),
	); err != nil {
		return uuid.Nil, fmt.Errorf("outbox: send: %w", err)
	}
	return id, nil
}
