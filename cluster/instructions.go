// Package cluster implements the pulse protocol through which agents agree on
// membership and shard assignments using nothing but the agent table.
package cluster

import "time"

// Instructions is the outcome of a pulse: either retry after Expiration, or
// proceed with a handle until Expiration. A caller holding instructions that
// have not expired skips pulsing.
type Instructions[H any] struct {
	expiration time.Time
	handle     H
	proceed    bool
}

// RetryAfter withholds work until expiration, when the agent pulses again.
func RetryAfter[H any](expiration time.Time) Instructions[H] {
	return Instructions[H]{expiration: expiration}
}

// Proceed allows work with handle until expiration.
func Proceed[H any](expiration time.Time, handle H) Instructions[H] {
	return Instructions[H]{expiration: expiration, handle: handle, proceed: true}
}

// Expiration returns the instant after which the instructions are stale.
func (i Instructions[H]) Expiration() time.Time { return i.expiration }

// Handle returns the work handle and whether work may proceed.
func (i Instructions[H]) Handle() (H, bool) { return i.handle, i.proceed }

// Valid reports whether the instructions still apply at now. The zero value
// is never valid.
func (i Instructions[H]) Valid(now time.Time) bool {
	return now.Before(i.expiration)
}

func (i Instructions[H]) String() string {
	if i.proceed {
		return "proceed until " + i.expiration.Format(time.RFC3339Nano)
	}
	return "retry after " + i.expiration.Format(time.RFC3339Nano)
}
