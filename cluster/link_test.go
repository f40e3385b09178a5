package cluster

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/agent"
	"searchsync/processing"
	"searchsync/shard"
	"searchsync/test/infra"
)

var testTiming = Timing{
	PollingInterval: 100 * time.Millisecond,
	PulseInterval:   2 * time.Second,
	PulseExpiration: 30 * time.Second,
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type failureRecorder struct {
	failures []processing.Failure
}

func (r *failureRecorder) Handle(f processing.Failure) { r.failures = append(r.failures, f) }

type env struct {
	handle *sql.DB
	agents *agent.Repository
	clock  *testClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	handle, dialect, schema := infra.OpenSQLite(t)
	return &env{
		handle: handle,
		agents: agent.NewRepository(dialect, schema),
		clock:  &testClock{now: time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
}

type processor struct {
	link     *Link[shard.Assignment]
	strategy *ProcessorStrategy[shard.Assignment]
	failures *failureRecorder
	last     Instructions[shard.Assignment]
}

func (e *env) processor(name string, static *shard.Assignment) *processor {
	typ := agent.TypeDynamicSharding
	if static != nil {
		typ = agent.TypeStaticSharding
	}
	rec := &failureRecorder{}
	strategy := NewProcessorStrategy(testTiming, func(a shard.Assignment) (shard.Assignment, error) {
		return a, nil
	}, rec, zerolog.Nop())
	link := NewLink[shard.Assignment](e.handle, e.agents, Member{Type: typ, Name: name, Static: static}, testTiming, strategy, zerolog.Nop(), e.clock.Now)
	return &processor{link: link, strategy: strategy, failures: rec}
}

func (p *processor) pulse(t *testing.T) Instructions[shard.Assignment] {
	t.Helper()
	out, err := p.link.Pulse(context.Background())
	require.NoError(t, err)
	p.last = out
	return out
}

func (e *env) row(t *testing.T, id uuid.UUID) agent.Agent {
	t.Helper()
	a, err := e.agents.Find(context.Background(), e.handle, id)
	require.NoError(t, err)
	return a
}

// converge pulses every processor in turn until all of them may proceed.
func (e *env) converge(t *testing.T, procs ...*processor) {
	t.Helper()
	for round := 0; round < 20; round++ {
		ready := 0
		for _, p := range procs {
			if _, ok := p.pulse(t).Handle(); ok {
				ready++
			}
		}
		if ready == len(procs) {
			return
		}
		e.clock.Advance(testTiming.PollingInterval)
	}
	t.Fatalf("processors did not converge")
}

func TestLink_TwoDynamicAgentsConverge(t *testing.T) {
	e := newEnv(t)
	a := e.processor("a", nil)
	b := e.processor("b", nil)

	// First pulses publish intent; nobody runs straight away.
	_, ok := a.pulse(t).Handle()
	assert.False(t, ok)
	_, ok = b.pulse(t).Handle()
	assert.False(t, ok)
	assert.Equal(t, agent.StateWaiting, e.row(t, a.link.ID()).State)

	e.converge(t, a, b)

	handleA, _ := a.last.Handle()
	handleB, _ := b.last.Handle()
	assert.Equal(t, shard.Assignment{TotalShardCount: 2, AssignedShardIndex: 0}, handleA)
	assert.Equal(t, shard.Assignment{TotalShardCount: 2, AssignedShardIndex: 1}, handleB)

	rowA := e.row(t, a.link.ID())
	rowB := e.row(t, b.link.ID())
	assert.Equal(t, agent.StateRunning, rowA.State)
	assert.Equal(t, agent.StateRunning, rowB.State)
	assert.Equal(t, []string{a.link.ID().String(), b.link.ID().String()}, rowA.ClusterMembers)
	assert.Equal(t, rowA.ClusterMembers, rowB.ClusterMembers)
	assert.True(t, e.clock.Now().Add(testTiming.PulseExpiration).Equal(rowB.Expiration))

	assert.Equal(t, e.clock.Now().Add(testTiming.PulseInterval), b.last.Expiration())
	assert.True(t, b.last.Valid(e.clock.Now()))
	assert.False(t, b.last.Valid(b.last.Expiration()))
	assert.Empty(t, a.failures.failures)
	assert.Empty(t, b.failures.failures)
}

func TestLink_NeverRunsOnFirstPulse(t *testing.T) {
	e := newEnv(t)
	a := e.processor("solo", nil)

	out := a.pulse(t)
	_, ok := out.Handle()
	assert.False(t, ok)
	assert.Equal(t, e.clock.Now().Add(testTiming.PollingInterval), out.Expiration())

	e.converge(t, a)
	handle, _ := a.last.Handle()
	assert.Equal(t, shard.Assignment{TotalShardCount: 1, AssignedShardIndex: 0}, handle)
	assert.Equal(t, agent.StateRunning, a.link.State())
}

func TestLink_ExpiredAgentIsRemovedAndExcluded(t *testing.T) {
	e := newEnv(t)
	a := e.processor("a", nil)
	b := e.processor("b", nil)
	e.converge(t, a, b)
	before := e.row(t, a.link.ID())

	// b stops pulsing.
	e.clock.Advance(testTiming.PulseExpiration + time.Second)

	out := a.pulse(t)
	_, ok := out.Handle()
	assert.False(t, ok)
	assert.Equal(t, e.clock.Now().Add(testTiming.PollingInterval), out.Expiration())

	_, err := e.agents.Find(context.Background(), e.handle, b.link.ID())
	assert.ErrorIs(t, err, agent.ErrNotFound)
	// Self is not updated in the transaction that deleted peers.
	assert.True(t, before.Expiration.Equal(e.row(t, a.link.ID()).Expiration))

	e.converge(t, a)
	handle, _ := a.last.Handle()
	assert.Equal(t, shard.Assignment{TotalShardCount: 1, AssignedShardIndex: 0}, handle)
}

func TestLink_RejoinsAfterRowRemoved(t *testing.T) {
	e := newEnv(t)
	a := e.processor("a", nil)
	e.converge(t, a)
	old := a.link.ID()

	require.NoError(t, e.agents.Delete(context.Background(), e.handle, old))
	_, ok := a.pulse(t).Handle()
	assert.False(t, ok)
	assert.NotEqual(t, old, a.link.ID())

	e.converge(t, a)
}

func TestLink_Leave(t *testing.T) {
	e := newEnv(t)
	a := e.processor("a", nil)
	b := e.processor("b", nil)
	e.converge(t, a, b)

	id := b.link.ID()
	require.NoError(t, b.link.Leave(context.Background()))
	_, err := e.agents.Find(context.Background(), e.handle, id)
	assert.ErrorIs(t, err, agent.ErrNotFound)
	assert.Equal(t, uuid.Nil, b.link.ID())

	// The remaining agent takes over the whole hash space.
	e.clock.Advance(testTiming.PulseInterval)
	e.converge(t, a)
	handle, _ := a.last.Handle()
	assert.Equal(t, 1, handle.TotalShardCount)

	require.NoError(t, b.link.Leave(context.Background()), "leaving twice is a no-op")
}

func TestLink_StaticSharding(t *testing.T) {
	e := newEnv(t)
	s0 := e.processor("s0", &shard.Assignment{TotalShardCount: 2, AssignedShardIndex: 0})

	// Shard 1 is unclaimed.
	out := s0.pulse(t)
	_, ok := out.Handle()
	assert.False(t, ok)
	assert.Equal(t, agent.StateWaiting, e.row(t, s0.link.ID()).State)

	dup := e.processor("dup", &shard.Assignment{TotalShardCount: 2, AssignedShardIndex: 0})
	out = dup.pulse(t)
	_, ok = out.Handle()
	assert.False(t, ok)
	assert.Equal(t, e.clock.Now().Add(testTiming.PulseInterval), out.Expiration(), "excluded agents retry after the pulse interval")
	assert.Equal(t, agent.StateSuspended, e.row(t, dup.link.ID()).State)

	s1 := e.processor("s1", &shard.Assignment{TotalShardCount: 2, AssignedShardIndex: 1})
	e.converge(t, s0, s1)

	h0, _ := s0.last.Handle()
	h1, _ := s1.last.Handle()
	assert.Equal(t, 0, h0.AssignedShardIndex)
	assert.Equal(t, 1, h1.AssignedShardIndex)

	_, ok = dup.pulse(t).Handle()
	assert.False(t, ok)
	assert.Empty(t, dup.failures.failures)
}

func TestLink_JoinerWaitsForRunningPeers(t *testing.T) {
	e := newEnv(t)
	a := e.processor("a", nil)
	b := e.processor("b", nil)
	e.converge(t, a, b)

	c := e.processor("c", nil)
	for i := 0; i < 5; i++ {
		_, ok := c.pulse(t).Handle()
		require.False(t, ok, "c proceeded on pulse %d while a and b still run the old layout", i)
		e.clock.Advance(testTiming.PollingInterval)
	}
	rowC := e.row(t, c.link.ID())
	assert.Equal(t, agent.StateWaiting, rowC.State)
	assert.Equal(t, &shard.Assignment{TotalShardCount: 3, AssignedShardIndex: 2}, rowC.Shard)
	assert.Equal(t, &shard.Assignment{TotalShardCount: 2, AssignedShardIndex: 0}, e.row(t, a.link.ID()).Shard)
	assert.True(t, a.last.Valid(e.clock.Now()), "a still holds instructions for 0/2")

	// a and b re-pulse and publish the new layout before anyone runs with it.
	e.clock.Advance(testTiming.PulseInterval)
	for _, p := range []*processor{a, b} {
		_, ok := p.pulse(t).Handle()
		assert.False(t, ok)
	}
	handle, ok := c.pulse(t).Handle()
	require.True(t, ok)
	assert.Equal(t, shard.Assignment{TotalShardCount: 3, AssignedShardIndex: 2}, handle)

	e.converge(t, a, b, c)
	handleA, _ := a.last.Handle()
	assert.Equal(t, shard.Assignment{TotalShardCount: 3, AssignedShardIndex: 0}, handleA)
}

func TestLink_DisplacedStaticAgentBlocksOthers(t *testing.T) {
	e := newEnv(t)
	s0 := e.processor("s0", &shard.Assignment{TotalShardCount: 2, AssignedShardIndex: 0})
	s1 := e.processor("s1", &shard.Assignment{TotalShardCount: 2, AssignedShardIndex: 1})
	e.converge(t, s0, s1)

	// An agent with a lower id claims shard 0, displacing the running s0.
	usurper := agent.Agent{
		ID:         uuid.MustParse("00000000-0000-7000-8000-000000000001"),
		Type:       agent.TypeStaticSharding,
		Name:       "usurper",
		State:      agent.StateWaiting,
		Expiration: e.clock.Now().Add(testTiming.PulseExpiration),
		Shard:      &shard.Assignment{TotalShardCount: 2, AssignedShardIndex: 0},
	}
	require.NoError(t, e.agents.Create(context.Background(), e.handle, usurper))

	e.clock.Advance(testTiming.PulseInterval)
	_, ok := s1.pulse(t).Handle()
	assert.False(t, ok, "s1 must wait while displaced s0 is not suspended")
	assert.Equal(t, agent.StateRunning, e.row(t, s0.link.ID()).State)

	_, ok = s0.pulse(t).Handle()
	assert.False(t, ok)
	assert.Equal(t, agent.StateSuspended, e.row(t, s0.link.ID()).State)

	handle, ok := s1.pulse(t).Handle()
	require.True(t, ok)
	assert.Equal(t, shard.Assignment{TotalShardCount: 2, AssignedShardIndex: 1}, handle)
}

func TestLink_MixedShardingIsReported(t *testing.T) {
	e := newEnv(t)
	static := e.processor("static", &shard.Assignment{TotalShardCount: 1, AssignedShardIndex: 0})
	dynamic := e.processor("dynamic", nil)

	static.pulse(t)
	out := dynamic.pulse(t)
	_, ok := out.Handle()
	assert.False(t, ok)
	assert.Equal(t, e.clock.Now().Add(testTiming.PulseInterval), out.Expiration())
	require.Len(t, dynamic.failures.failures, 1)
	assert.ErrorIs(t, dynamic.failures.failures[0].Cause, ErrMixedSharding)
	assert.Equal(t, agent.StateSuspended, e.row(t, dynamic.link.ID()).State)
}

func TestLink_MassIndexerSuspendsProcessors(t *testing.T) {
	e := newEnv(t)
	a := e.processor("a", nil)
	b := e.processor("b", nil)
	e.converge(t, a, b)

	mass := NewLink[struct{}](e.handle, e.agents, Member{Type: agent.TypeMassIndexing, Name: "mass"}, testTiming,
		NewMassIndexerStrategy(testTiming, zerolog.Nop()), zerolog.Nop(), e.clock.Now)

	out, err := mass.Pulse(context.Background())
	require.NoError(t, err)
	_, ok := out.Handle()
	assert.False(t, ok, "processors are still running")

	// Processors see the mass indexer once their instructions expire.
	e.clock.Advance(testTiming.PulseInterval)
	for _, p := range []*processor{a, b} {
		_, ok := p.pulse(t).Handle()
		assert.False(t, ok)
		assert.Equal(t, agent.StateSuspended, e.row(t, p.link.ID()).State)
	}

	out, err = mass.Pulse(context.Background())
	require.NoError(t, err)
	_, ok = out.Handle()
	assert.True(t, ok)
	assert.Equal(t, agent.StateRunning, mass.State())

	require.NoError(t, mass.Leave(context.Background()))
	e.clock.Advance(testTiming.PollingInterval)
	e.converge(t, a, b)
}

func TestLink_MassIndexerPassesThroughWaiting(t *testing.T) {
	e := newEnv(t)
	mass := NewLink[struct{}](e.handle, e.agents, Member{Type: agent.TypeMassIndexing, Name: "mass"}, testTiming,
		NewMassIndexerStrategy(testTiming, zerolog.Nop()), zerolog.Nop(), e.clock.Now)

	out, err := mass.Pulse(context.Background())
	require.NoError(t, err)
	_, ok := out.Handle()
	assert.False(t, ok)
	assert.Equal(t, agent.StateWaiting, mass.State())

	out, err = mass.Pulse(context.Background())
	require.NoError(t, err)
	_, ok = out.Handle()
	assert.True(t, ok)
}

func TestTiming_Validate(t *testing.T) {
	assert.NoError(t, testTiming.Validate())
	assert.Error(t, Timing{PollingInterval: time.Second, PulseInterval: time.Second, PulseExpiration: time.Second}.Validate())
	assert.Error(t, Timing{}.Validate())
}
