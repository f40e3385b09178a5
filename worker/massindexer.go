package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"searchsync/agent"
	"searchsync/cluster"
	"searchsync/db"
	"searchsync/metrics"
)

// MassIndexerAgent holds the mass-indexing role in the cluster while a full
// index rebuild runs. Event processors suspend while it exists.
type MassIndexerAgent struct {
	link   *cluster.Link[struct{}]
	timing cluster.Timing
	logger zerolog.Logger
	now    func() time.Time

	ready     chan struct{}
	readyOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewMassIndexerAgent creates the agent. A nil now defaults to time.Now.
func NewMassIndexerAgent(pool db.TxBeginner, dialect db.Dialect, schema db.Schema, name string, timing cluster.Timing, logger zerolog.Logger, now func() time.Time) *MassIndexerAgent {
	if now == nil {
		now = time.Now
	}
	member := cluster.Member{Type: agent.TypeMassIndexing, Name: name}
	return &MassIndexerAgent{
		link: cluster.NewLink[struct{}](pool, agent.NewRepository(dialect, schema), member, timing,
			cluster.NewMassIndexerStrategy(timing, logger), logger, now),
		timing: timing,
		logger: logger.With().Str("agent", name).Logger(),
		now:    now,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins pulsing in the background.
func (m *MassIndexerAgent) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Ready is closed once the agent may run: every event processor suspended.
func (m *MassIndexerAgent) Ready() <-chan struct{} {
	return m.ready
}

// Stop ends the pulse loop and leaves the cluster so processors resume.
func (m *MassIndexerAgent) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	<-m.done
	return m.link.Leave(ctx)
}

func (m *MassIndexerAgent) loop(ctx context.Context) {
	defer close(m.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(m.pulse(ctx))
	}
}

func (m *MassIndexerAgent) pulse(ctx context.Context) time.Duration {
	inst, err := m.link.Pulse(ctx)
	if err != nil {
		metrics.Pulses.WithLabelValues(string(agent.TypeMassIndexing), "error").Inc()
		if ctx.Err() == nil {
			m.logger.Warn().Err(err).Msg("pulse failed")
		}
		return m.timing.PollingInterval
	}
	if _, ok := inst.Handle(); ok {
		metrics.Pulses.WithLabelValues(string(agent.TypeMassIndexing), "proceed").Inc()
		m.readyOnce.Do(func() {
			m.logger.Info().Msg("mass indexing may start")
			close(m.ready)
		})
	} else {
		metrics.Pulses.WithLabelValues(string(agent.TypeMassIndexing), "retry").Inc()
	}
	return max(inst.Expiration().Sub(m.now()), 0)
}
