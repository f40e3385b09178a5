package shard

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidShard is returned for shard counts or indices outside their domain.
var ErrInvalidShard = errors.New("shard: invalid shard")

const hashSpace = int64(1) << 32

// Range is an inclusive interval of entity id hashes.
type Range struct {
	Lower int32
	Upper int32
}

// Contains reports whether hash falls within r.
func (r Range) Contains(hash int32) bool {
	return hash >= r.Lower && hash <= r.Upper
}

// Full reports whether r covers every 32-bit hash.
func (r Range) Full() bool {
	return r.Lower == math.MinInt32 && r.Upper == math.MaxInt32
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Lower, r.Upper)
}

// Table splits the hash space into contiguous, equally sized buckets; the last
// bucket absorbs the remainder.
type Table struct {
	size       int
	bucketSize int64
}

// NewTable returns a table with size buckets.
func NewTable(size int) (Table, error) {
	if size < 1 || int64(size) > hashSpace {
		return Table{}, fmt.Errorf("%w: shard count %d", ErrInvalidShard, size)
	}
	return Table{size: size, bucketSize: hashSpace / int64(size)}, nil
}

// Size returns the number of buckets.
func (t Table) Size() int { return t.size }

// IndexOf returns the bucket holding hash.
func (t Table) IndexOf(hash int32) int {
	idx := (int64(hash) - math.MinInt32) / t.bucketSize
	if idx >= int64(t.size) {
		idx = int64(t.size) - 1
	}
	return int(idx)
}

// RangeOf returns the hashes held by bucket index.
func (t Table) RangeOf(index int) (Range, error) {
	if index < 0 || index >= t.size {
		return Range{}, fmt.Errorf("%w: index %d out of [0, %d)", ErrInvalidShard, index, t.size)
	}
	lower := int64(math.MinInt32) + int64(index)*t.bucketSize
	upper := lower + t.bucketSize - 1
	if index == t.size-1 {
		upper = math.MaxInt32
	}
	return Range{Lower: int32(lower), Upper: int32(upper)}, nil
}

// For returns the shard owning hash when the hash space is split into total
// shards.
func For(hash int32, total int) (int, error) {
	table, err := NewTable(total)
	if err != nil {
		return 0, err
	}
	return table.IndexOf(hash), nil
}

// RangeFor returns the hashes owned by shard index out of total shards.
func RangeFor(index, total int) (Range, error) {
	table, err := NewTable(total)
	if err != nil {
		return Range{}, err
	}
	return table.RangeOf(index)
}
