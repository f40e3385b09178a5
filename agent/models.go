package agent

import (
	"time"

	"github.com/google/uuid"

	"searchsync/shard"
)

// Type distinguishes the roles an agent can play in the cluster.
type Type string

const (
	TypeDynamicSharding Type = "EVENT_PROCESSING_DYNAMIC_SHARDING"
	TypeStaticSharding  Type = "EVENT_PROCESSING_STATIC_SHARDING"
	TypeMassIndexing    Type = "MASS_INDEXING"
)

// IsEventProcessor reports whether agents of this type consume outbox events.
func (t Type) IsEventProcessor() bool {
	return t == TypeDynamicSharding || t == TypeStaticSharding
}

// State is an agent's participation state.
type State string

const (
	StateSuspended State = "SUSPENDED"
	StateWaiting   State = "WAITING"
	StateRunning   State = "RUNNING"
)

// Agent mirrors one row of the agent table.
type Agent struct {
	ID         uuid.UUID
	Type       Type
	Name       string
	State      State
	Expiration time.Time
	// Shard is nil until the agent has been assigned a slice of the hash space.
	Shard *shard.Assignment
	// ClusterMembers is the member list the agent last agreed on, in shard
	// order. Empty strings stand for shards nobody has claimed.
	ClusterMembers []string
}

// IsExpired reports whether the agent's lease ran out before now.
func (a Agent) IsExpired(now time.Time) bool {
	return a.Expiration.Before(now)
}

// HasAssignment reports whether the agent persisted exactly the given assignment.
func (a Agent) HasAssignment(target shard.Assignment) bool {
	return a.Shard != nil && *a.Shard == target
}
