package cluster

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"searchsync/agent"
	"searchsync/db"
	"searchsync/shard"
)

// Timing holds the protocol intervals.
type Timing struct {
	// PollingInterval bounds how often an agent pulses while the cluster
	// has not converged.
	PollingInterval time.Duration
	// PulseInterval is how long running instructions stay valid.
	PulseInterval time.Duration
	// PulseExpiration is the lease granted by each pulse. It must exceed
	// PulseInterval so that a live agent renews before peers expire it.
	PulseExpiration time.Duration
}

// Validate checks the intervals are usable.
func (t Timing) Validate() error {
	if t.PollingInterval <= 0 || t.PulseInterval <= 0 || t.PulseExpiration <= 0 {
		return fmt.Errorf("cluster: intervals must be positive")
	}
	if t.PulseExpiration <= t.PulseInterval {
		return fmt.Errorf("cluster: pulse expiration %s must exceed pulse interval %s", t.PulseExpiration, t.PulseInterval)
	}
	return nil
}

// Member describes the agent a link pulses for.
type Member struct {
	Type agent.Type
	Name string
	// Static is the configured shard of a static sharding processor.
	Static *shard.Assignment
}

// View is what a strategy sees during a pulse.
type View struct {
	Now time.Time
	// Agents are the live agents ordered by id, self included.
	Agents []agent.Agent
}

// Strategy decides what an agent of one type does on a pulse. Decide runs
// after self's lease was renewed and may change self's state, assignment and
// member list; the pulse persists self afterwards in the same transaction.
type Strategy[H any] interface {
	Decide(ctx context.Context, view View, self *agent.Agent) Instructions[H]
}

// Link is one agent's membership in the cluster. It is owned by a single
// goroutine: every method must be called from the agent's worker loop.
type Link[H any] struct {
	pool     db.TxBeginner
	agents   *agent.Repository
	member   Member
	timing   Timing
	strategy Strategy[H]
	base     zerolog.Logger
	logger   zerolog.Logger
	now      func() time.Time

	selfID uuid.UUID
	state  agent.State
}

// NewLink creates a link. A nil now defaults to time.Now.
func NewLink[H any](pool db.TxBeginner, agents *agent.Repository, member Member, timing Timing, strategy Strategy[H], logger zerolog.Logger, now func() time.Time) *Link[H] {
	if now == nil {
		now = time.Now
	}
	base := logger.With().Str("agent", member.Name).Str("agent_type", string(member.Type)).Logger()
	return &Link[H]{
		pool:     pool,
		agents:   agents,
		member:   member,
		timing:   timing,
		strategy: strategy,
		base:     base,
		logger:   base,
		now:      now,
	}
}

// ID returns the agent id, or uuid.Nil before the first pulse.
func (l *Link[H]) ID() uuid.UUID { return l.selfID }

// State returns the state persisted by the last successful pulse.
func (l *Link[H]) State() agent.State { return l.state }

// Pulse runs one pulse in its own transaction.
func (l *Link[H]) Pulse(ctx context.Context) (Instructions[H], error) {
	var (
		out   Instructions[H]
		self  agent.Agent
		newID bool
	)
	err := db.InTx(ctx, l.pool, 0, func(tx *sql.Tx) error {
		var err error
		out, self, newID, err = l.pulse(ctx, tx)
		return err
	})
	if err != nil {
		return RetryAfter[H](time.Time{}), fmt.Errorf("cluster: pulse: %w", err)
	}

	if newID {
		l.logger = l.base.With().Str("agent_id", self.ID.String()).Logger()
		l.logger.Info().Msg("joined cluster")
	}
	l.selfID = self.ID
	if self.State != l.state {
		l.logger.Info().
			Str("from", string(l.state)).
			Str("to", string(self.State)).
			Strs("members", self.ClusterMembers).
			Msg("agent state changed")
		l.state = self.State
	}
	l.logger.Debug().Str("instructions", out.String()).Msg("pulse")
	return out, nil
}

func (l *Link[H]) pulse(ctx context.Context, tx *sql.Tx) (Instructions[H], agent.Agent, bool, error) {
	now := l.now()

	// Read everything before writing anything.
	all, err := l.agents.FindAllOrderByID(ctx, tx)
	if err != nil {
		return Instructions[H]{}, agent.Agent{}, false, err
	}

	var (
		self    *agent.Agent
		live    []agent.Agent
		expired []agent.Agent
	)
	for i := range all {
		a := all[i]
		switch {
		case l.selfID != uuid.Nil && a.ID == l.selfID:
			self = &a
			live = append(live, a)
		case a.IsExpired(now):
			expired = append(expired, a)
		default:
			live = append(live, a)
		}
	}

	created := self == nil
	if created {
		id, err := uuid.NewV7()
		if err != nil {
			return Instructions[H]{}, agent.Agent{}, false, fmt.Errorf("cluster: generate agent id: %w", err)
		}
		self = &agent.Agent{
			ID:         id,
			Type:       l.member.Type,
			Name:       l.member.Name,
			State:      agent.StateSuspended,
			Expiration: now.Add(l.timing.PulseExpiration),
		}
		if l.member.Static != nil {
			static := *l.member.Static
			self.Shard = &static
		}
		if l.selfID != uuid.Nil {
			l.logger.Warn().Str("previous_id", l.selfID.String()).Msg("agent row vanished, rejoining")
		}
	}

	if len(expired) > 0 {
		ids := make([]uuid.UUID, len(expired))
		for i, a := range expired {
			ids[i] = a.ID
			l.logger.Warn().
				Str("expired_id", a.ID.String()).
				Str("expired_name", a.Name).
				Time("expiration", a.Expiration).
				Msg("removing expired agent")
		}
		if err := l.agents.Delete(ctx, tx, ids...); err != nil {
			return Instructions[H]{}, agent.Agent{}, false, err
		}
		// Self may be created alongside deletions but is updated on the next pulse.
		if created {
			if err := l.agents.Create(ctx, tx, *self); err != nil {
				return Instructions[H]{}, agent.Agent{}, false, err
			}
		}
		return RetryAfter[H](now.Add(l.timing.PollingInterval)), *self, created, nil
	}

	if created {
		live = append(live, *self)
		sort.SliceStable(live, func(i, j int) bool { return live[i].ID.String() < live[j].ID.String() })
	} else {
		self.Expiration = now.Add(l.timing.PulseExpiration)
	}

	// The strategy sees self as it will be persisted.
	for i := range live {
		if live[i].ID == self.ID {
			live[i] = *self
		}
	}
	out := l.strategy.Decide(ctx, View{Now: now, Agents: live}, self)

	if created {
		err = l.agents.Create(ctx, tx, *self)
	} else {
		err = l.agents.Update(ctx, tx, *self)
	}
	if err != nil {
		return Instructions[H]{}, agent.Agent{}, false, err
	}
	return out, *self, created, nil
}

// Leave deletes the agent's row so peers need not wait for its lease to
// expire. The link may pulse again afterwards and will rejoin under a new id.
func (l *Link[H]) Leave(ctx context.Context) error {
	if l.selfID == uuid.Nil {
		return nil
	}
	err := db.InTx(ctx, l.pool, 0, func(tx *sql.Tx) error {
		return l.agents.Delete(ctx, tx, l.selfID)
	})
	if err != nil {
		return fmt.Errorf("cluster: leave: %w", err)
	}
	l.logger.Info().Msg("left cluster")
	l.selfID = uuid.Nil
	l.state = ""
	return nil
}
