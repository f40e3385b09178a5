// Package worker runs agents: one single-flight loop per agent alternating
// pulses and event batches.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"searchsync/agent"
	"searchsync/cluster"
	"searchsync/db"
	"searchsync/metrics"
	"searchsync/outbox"
	"searchsync/processing"
	"searchsync/shard"
)

// LeaveTimeout bounds the final transaction removing an agent's row.
const LeaveTimeout = 5 * time.Second

var agentStates = []string{string(agent.StateSuspended), string(agent.StateWaiting), string(agent.StateRunning)}

// Config tunes an event processor.
type Config struct {
	Timing    cluster.Timing
	BatchSize int
	// TransactionTimeout bounds the processing and disposition transactions.
	// Zero means no timeout.
	TransactionTimeout time.Duration
	Retry              processing.RetryPolicy
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Timing.Validate(); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("worker: batch size must be positive, got %d", c.BatchSize)
	}
	if c.TransactionTimeout < 0 {
		return fmt.Errorf("worker: negative transaction timeout")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.Delay < 0 {
		return fmt.Errorf("worker: negative retry policy")
	}
	return nil
}

// Options wires an event processor.
type Options struct {
	DB       db.TxBeginner
	Dialect  db.Dialect
	Schema   db.Schema
	Member   cluster.Member
	Plan     *processing.Plan
	Failures processing.FailureHandler
	Config   Config
	Metrics  *metrics.BatchMetrics
	Logger   zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// EventProcessor is one event-processing agent.
type EventProcessor struct {
	pool    db.TxBeginner
	dialect db.Dialect
	name    string
	typ     agent.Type
	link    *cluster.Link[*outbox.Finder]
	loader  *outbox.Loader
	events  *outbox.Repository
	plan    *processing.Plan
	cfg     Config
	metrics *metrics.BatchMetrics
	logger  zerolog.Logger
	now     func() time.Time

	wake         chan struct{}
	instructions cluster.Instructions[*outbox.Finder]
}

func NewEventProcessor(opts Options) (*EventProcessor, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if !opts.Member.Type.IsEventProcessor() {
		return nil, fmt.Errorf("worker: %s is not an event processor type", opts.Member.Type)
	}
	if opts.Plan == nil {
		return nil, errors.New("worker: missing processing plan")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.With().Str("agent", opts.Member.Name).Logger()

	newFinder := func(a shard.Assignment) (*outbox.Finder, error) {
		return outbox.NewFinder(opts.Dialect, opts.Schema, &a)
	}
	strategy := cluster.NewProcessorStrategy(opts.Config.Timing, newFinder, opts.Failures, logger)
	link := cluster.NewLink[*outbox.Finder](opts.DB, agent.NewRepository(opts.Dialect, opts.Schema),
		opts.Member, opts.Config.Timing, strategy, opts.Logger, opts.Now)

	return &EventProcessor{
		pool:    opts.DB,
		dialect: opts.Dialect,
		name:    opts.Member.Name,
		typ:     opts.Member.Type,
		link:    link,
		loader:  outbox.NewLoader(opts.Dialect, opts.Schema),
		events:  outbox.NewRepository(opts.Dialect, opts.Schema),
		plan:    opts.Plan,
		cfg:     opts.Config,
		metrics: opts.Metrics,
		logger:  logger,
		now:     opts.Now,
		wake:    make(chan struct{}, 1),
	}, nil
}

// ID returns the agent id, or uuid.Nil before the first pulse.
func (p *EventProcessor) ID() uuid.UUID { return p.link.ID() }

// Wake asks the loop to run now instead of waiting for its timer. Calls made
// while a wake-up is pending are coalesced.
func (p *EventProcessor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled, then leaves the cluster. A run is never
// started while the previous one is in flight.
func (p *EventProcessor) Run(ctx context.Context) error {
	p.logger.Info().
		Str("driver", p.dialect.Name()).
		Bool("skip_locked", p.dialect.SkipsLocked()).
		Msg("event processor started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.leave()
		case <-timer.C:
		case <-p.wake:
		}
		timer.Reset(p.RunOnce(ctx))
	}
}

// RunOnce pulses when the current instructions expired, processes one batch
// when allowed, and returns how long to wait before the next run.
func (p *EventProcessor) RunOnce(ctx context.Context) time.Duration {
	poll := p.cfg.Timing.PollingInterval

	if !p.instructions.Valid(p.now()) {
		if err := p.pulse(ctx); err != nil {
			if ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("pulse failed")
			}
			return poll
		}
	}

	finder, ok := p.instructions.Handle()
	if !ok {
		return max(p.instructions.Expiration().Sub(p.now()), 0)
	}

	found, err := p.processBatch(ctx, finder)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("event batch failed")
		}
		return poll
	}
	if found {
		return 0
	}
	return poll
}

func (p *EventProcessor) pulse(ctx context.Context) error {
	ctx, span := metrics.Tracer.Start(ctx, "searchsync.pulse")
	defer span.End()

	inst, err := p.link.Pulse(ctx)
	if err != nil {
		p.instructions = cluster.Instructions[*outbox.Finder]{}
		metrics.Pulses.WithLabelValues(string(p.typ), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "pulse failed")
		return err
	}
	p.instructions = inst

	outcome := "retry"
	if _, ok := inst.Handle(); ok {
		outcome = "proceed"
	}
	metrics.Pulses.WithLabelValues(string(p.typ), outcome).Inc()
	metrics.SetAgentState(p.name, string(p.link.State()), agentStates...)
	span.SetAttributes(
		attribute.String("agent.id", p.link.ID().String()),
		attribute.String("agent.state", string(p.link.State())),
		attribute.String("pulse.outcome", outcome),
	)
	return nil
}

// processBatch runs the processing transaction then the disposition
// transaction. It reports whether a batch was processed.
func (p *EventProcessor) processBatch(ctx context.Context, finder *outbox.Finder) (bool, error) {
	ctx, span := metrics.Tracer.Start(ctx, "searchsync.process_batch")
	defer span.End()
	start := time.Now()

	var (
		locked  []outbox.Event
		outcome processing.Outcome
	)
	err := db.InTx(ctx, p.pool, p.cfg.TransactionTimeout, func(tx *sql.Tx) error {
		candidates, err := finder.Find(ctx, tx, p.now(), p.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		locked, err = p.loader.LoadLocking(ctx, tx, eventIDs(candidates))
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return nil
		}
		outcome = p.plan.Execute(ctx, locked)
		return nil
	})
	if errors.Is(err, outbox.ErrLockContention) {
		p.logger.Debug().Err(err).Msg("batch locked by another transaction, retrying next round")
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing transaction failed")
		return false, fmt.Errorf("worker: process: %w", err)
	}
	if len(locked) == 0 {
		return false, nil
	}

	d, err := p.dispose(ctx, outcome)
	if errors.Is(err, outbox.ErrLockContention) {
		p.logger.Debug().Err(err).Int("events", len(locked)).Msg("disposition locked by another transaction, events stay pending")
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "disposition transaction failed")
		return true, err
	}

	elapsed := time.Since(start)
	span.SetAttributes(
		attribute.Int("batch.size", len(locked)),
		attribute.Int("batch.deleted", len(d.Delete)),
		attribute.Int("batch.requeued", len(d.Requeue)),
		attribute.Int("batch.aborted", len(d.Abort)),
	)
	p.metrics.RecordBatch(ctx, p.name, elapsed, len(d.Delete), len(d.Requeue), len(d.Abort))
	p.logger.Debug().
		Int("events", len(locked)).
		Int("deleted", len(d.Delete)).
		Int("requeued", len(d.Requeue)).
		Int("aborted", len(d.Abort)).
		Dur("elapsed", elapsed).
		Msg("batch processed")
	return true, nil
}

// dispose re-locks the batch and deletes, requeues or aborts each event.
// Rows that cannot be locked are left pending and will be processed again.
// On lock contention the transaction rolls back and the whole batch stays
// pending.
func (p *EventProcessor) dispose(ctx context.Context, outcome processing.Outcome) (processing.Disposition, error) {
	var d processing.Disposition
	err := db.InTx(ctx, p.pool, p.cfg.TransactionTimeout, func(tx *sql.Tx) error {
		ids := append(eventIDs(outcome.Succeeded), eventIDs(outcome.Failed)...)
		current, err := p.loader.LoadLocking(ctx, tx, ids)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]outbox.Event, len(current))
		for _, e := range current {
			byID[e.ID] = e
		}

		var succeeded, failed []outbox.Event
		for _, e := range outcome.Succeeded {
			if cur, ok := byID[e.ID]; ok {
				succeeded = append(succeeded, cur)
			}
		}
		for _, e := range outcome.Failed {
			if cur, ok := byID[e.ID]; ok {
				failed = append(failed, cur)
			}
		}

		d = p.cfg.Retry.Dispose(succeeded, failed)
		if err := p.events.Delete(ctx, tx, d.Delete...); err != nil {
			return err
		}
		if err := p.events.Requeue(ctx, tx, p.cfg.Retry.NextAttempt(p.now()), d.Requeue...); err != nil {
			return err
		}
		return p.events.Abort(ctx, tx, d.Abort...)
	})
	if err != nil {
		return processing.Disposition{}, fmt.Errorf("worker: dispose: %w", err)
	}
	if len(d.Abort) > 0 {
		p.logger.Warn().Int("events", len(d.Abort)).Msg("events aborted after exhausting retries")
	}
	return d, nil
}

func (p *EventProcessor) leave() error {
	ctx, cancel := context.WithTimeout(context.Background(), LeaveTimeout)
	defer cancel()
	p.instructions = cluster.Instructions[*outbox.Finder]{}
	return p.link.Leave(ctx)
}

func eventIDs(events []outbox.Event) []uuid.UUID {
	ids := make([]uuid.UUID, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}
