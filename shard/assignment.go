package shard

import "fmt"

// Assignment is one agent's slice of the hash space.
type Assignment struct {
	TotalShardCount    int
	AssignedShardIndex int
}

// Validate checks the assignment is internally consistent.
func (a Assignment) Validate() error {
	if a.TotalShardCount < 1 {
		return fmt.Errorf("%w: total shard count %d", ErrInvalidShard, a.TotalShardCount)
	}
	if a.AssignedShardIndex < 0 || a.AssignedShardIndex >= a.TotalShardCount {
		return fmt.Errorf("%w: index %d out of [0, %d)", ErrInvalidShard, a.AssignedShardIndex, a.TotalShardCount)
	}
	return nil
}

// Range returns the hashes owned by the assignment. The second result is false
// when the assignment covers the whole hash space and needs no predicate.
func (a Assignment) Range() (Range, bool, error) {
	r, err := RangeFor(a.AssignedShardIndex, a.TotalShardCount)
	if err != nil {
		return Range{}, false, err
	}
	if a.TotalShardCount == 1 {
		return r, false, nil
	}
	return r, true, nil
}

// Owns reports whether the entity id with the given hash belongs to a.
func (a Assignment) Owns(hash int32) bool {
	idx, err := For(hash, a.TotalShardCount)
	return err == nil && idx == a.AssignedShardIndex
}

func (a Assignment) String() string {
	return fmt.Sprintf("%d/%d", a.AssignedShardIndex, a.TotalShardCount)
}
