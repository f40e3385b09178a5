// Package outbox stores pending entity-change events and hands them to event
// processors in shard-scoped batches.
package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the processing status of an outbox event.
type Status string

const (
	StatusPending Status = "PENDING"
	// StatusAborted events exhausted their retry budget and are never selected again.
	StatusAborted Status = "ABORTED"
)

// Event mirrors one row of the outbox event table.
type Event struct {
	ID           uuid.UUID
	EntityName   string
	EntityID     string
	EntityIDHash int32
	Payload      []byte
	Retries      int
	ProcessAfter time.Time
	Status       Status
}

// EntityKey identifies the entity an event belongs to.
type EntityKey struct {
	Name string
	ID   string
}

// Key returns the entity the event was emitted for.
func (e Event) Key() EntityKey {
	return EntityKey{Name: e.EntityName, ID: e.EntityID}
}

// Entry is a change event submitted by the write path.
type Entry struct {
	EntityName string
	EntityID   string
	Payload    []byte
	// ProcessAfter delays eligibility. Zero means immediately.
	ProcessAfter time.Time
}

const columns = `id, entity_name, entity_id, entity_id_hash, payload, retries, process_after, status`
