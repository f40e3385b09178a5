// Package chaos kills database sessions while the cluster runs.
package chaos

import (
	"context"
	"database/sql"
	"math/rand"
	"sync/atomic"
	"time"
)

// Killer terminates random backends of the test database so agents see
// dropped connections mid-transaction.
type Killer struct {
	handle *sql.DB
	rng    *rand.Rand
	every  time.Duration
	killed atomic.Int64
}

func NewKiller(handle *sql.DB, seed int64) *Killer {
	return &Killer{handle: handle, rng: rand.New(rand.NewSource(seed)), every: 2 * time.Second}
}

// Run kills a backend with probability 1/5 per tick until ctx ends or stop
// closes. Idle sessions are preferred targets only when nothing is active.
func (k *Killer) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(k.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
		if k.rng.Intn(5) != 0 {
			continue
		}
		var n int64
		err := k.handle.QueryRowContext(ctx, `
SELECT COUNT(*) FROM (
  SELECT pg_terminate_backend(pid)
  FROM pg_stat_activity
  WHERE datname = current_database() AND pid <> pg_backend_pid()
  ORDER BY (state = 'idle'), random()
  LIMIT 1
) killed`).Scan(&n)
		if err == nil {
			k.killed.Add(n)
		}
	}
}

// Killed reports how many backends were terminated.
func (k *Killer) Killed() int64 {
	return k.killed.Load()
}
