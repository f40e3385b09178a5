package cluster

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"searchsync/agent"
	"searchsync/shard"
)

var (
	// ErrMixedSharding is returned when static and dynamic processors share a cluster.
	ErrMixedSharding = errors.New("cluster: static and dynamic sharding agents in the same cluster")
	// ErrInconsistentShardCount is returned when static agents disagree on the total shard count.
	ErrInconsistentShardCount = errors.New("cluster: static agents disagree on the total shard count")
)

// Target is the cluster layout every processor derives from the same agent
// snapshot. Members are agent ids in shard order; an empty entry is a static
// shard no agent has claimed.
type Target struct {
	Members []string
}

// TotalShardCount is the number of shards in the target.
func (t Target) TotalShardCount() int { return len(t.Members) }

// IndexOf returns the shard index of id, or -1 when id is not a member.
func (t Target) IndexOf(id uuid.UUID) int {
	s := id.String()
	for i, m := range t.Members {
		if m == s {
			return i
		}
	}
	return -1
}

// Assignment returns the shard assignment of the member at index.
func (t Target) Assignment(index int) shard.Assignment {
	return shard.Assignment{TotalShardCount: len(t.Members), AssignedShardIndex: index}
}

// Unclaimed returns the indices of shards without a member.
func (t Target) Unclaimed() []int {
	var out []int
	for i, m := range t.Members {
		if m == "" {
			out = append(out, i)
		}
	}
	return out
}

// Excludes reports whether a is an event processor left out of the target.
func (t Target) Excludes(a agent.Agent) bool {
	return a.Type.IsEventProcessor() && t.IndexOf(a.ID) < 0
}

// ComputeTarget derives the target from agents, which must be ordered by id.
// Only event processors take part. Dynamic processors split the hash space
// evenly in id order. Static processors keep their configured shard; when two
// claim the same shard the one with the lowest id wins.
func ComputeTarget(agents []agent.Agent) (Target, error) {
	var dynamic, static []agent.Agent
	for _, a := range agents {
		switch a.Type {
		case agent.TypeDynamicSharding:
			dynamic = append(dynamic, a)
		case agent.TypeStaticSharding:
			static = append(static, a)
		}
	}

	switch {
	case len(dynamic) > 0 && len(static) > 0:
		return Target{}, fmt.Errorf("%w: %d dynamic, %d static", ErrMixedSharding, len(dynamic), len(static))
	case len(static) > 0:
		return staticTarget(static)
	default:
		members := make([]string, len(dynamic))
		for i, a := range dynamic {
			members[i] = a.ID.String()
		}
		return Target{Members: members}, nil
	}
}

func staticTarget(static []agent.Agent) (Target, error) {
	total := 0
	for _, a := range static {
		if a.Shard == nil {
			return Target{}, fmt.Errorf("cluster: static agent %s (%s) has no shard assignment", a.ID, a.Name)
		}
		if err := a.Shard.Validate(); err != nil {
			return Target{}, fmt.Errorf("cluster: static agent %s (%s): %w", a.ID, a.Name, err)
		}
		if total == 0 {
			total = a.Shard.TotalShardCount
			continue
		}
		if a.Shard.TotalShardCount != total {
			return Target{}, fmt.Errorf("%w: %d and %d", ErrInconsistentShardCount, total, a.Shard.TotalShardCount)
		}
	}

	members := make([]string, total)
	for _, a := range static {
		if members[a.Shard.AssignedShardIndex] == "" {
			members[a.Shard.AssignedShardIndex] = a.ID.String()
		}
	}
	return Target{Members: members}, nil
}
