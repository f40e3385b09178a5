// Package actors drives the stress test: event writers, recording index
// backends and processors that join and leave the cluster.
package actors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"searchsync/agent"
	"searchsync/cluster"
	"searchsync/db"
	"searchsync/outbox"
	"searchsync/processing"
	"searchsync/worker"
)

// Ledger records what writers committed and what backends applied.
type Ledger struct {
	mu         sync.Mutex
	sent       map[uuid.UUID]bool
	applied    map[uuid.UUID]int
	inFlight   map[uuid.UUID]string
	violations []string
	rng        *rand.Rand
	failRate   float64
}

// NewLedger creates a ledger whose backends reject an entity with
// probability failRate.
func NewLedger(seed int64, failRate float64) *Ledger {
	return &Ledger{
		sent:     map[uuid.UUID]bool{},
		applied:  map[uuid.UUID]int{},
		inFlight: map[uuid.UUID]string{},
		rng:      rand.New(rand.NewSource(seed)),
		failRate: failRate,
	}
}

func (l *Ledger) recordSent(ids []uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		l.sent[id] = true
	}
}

// Sent returns how many events writers committed.
func (l *Ledger) Sent() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

// Missing returns committed events no backend applied.
func (l *Ledger) Missing() []uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var missing []uuid.UUID
	for id := range l.sent {
		if l.applied[id] == 0 {
			missing = append(missing, id)
		}
	}
	return missing
}

// Violations lists events two agents applied at the same time.
func (l *Ledger) Violations() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.violations...)
}

// Backend returns an index backend for the named agent.
func (l *Ledger) Backend(name string) processing.Backend {
	return &backend{ledger: l, name: name}
}

type backend struct {
	ledger *Ledger
	name   string
}

func (b *backend) Apply(_ context.Context, ops []processing.Operation) (processing.Report, error) {
	l := b.ledger

	l.mu.Lock()
	for _, op := range ops {
		if other, ok := l.inFlight[op.EventID]; ok {
			l.violations = append(l.violations, fmt.Sprintf("event %s applied by %s and %s concurrently", op.EventID, other, b.name))
		}
		l.inFlight[op.EventID] = b.name
	}
	failing := map[string]bool{}
	for _, op := range ops {
		if l.rng.Float64() < l.failRate {
			failing[op.EntityName+"#"+op.EntityID] = true
		}
	}
	l.mu.Unlock()

	time.Sleep(time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	var refs []processing.EntityReference
	seen := map[string]bool{}
	for _, op := range ops {
		delete(l.inFlight, op.EventID)
		key := op.EntityName + "#" + op.EntityID
		if failing[key] {
			if !seen[key] {
				seen[key] = true
				refs = append(refs, processing.EntityReference{Type: op.EntityName, ID: op.EntityID})
			}
			continue
		}
		l.applied[op.EventID]++
	}
	if len(refs) > 0 {
		return processing.Report{Failure: errors.New("injected index failure"), FailingEntities: refs}, nil
	}
	return processing.Report{}, nil
}

// Env is what actors need to reach the database.
type Env struct {
	DB      *sql.DB
	Dialect db.Dialect
	Schema  db.Schema
	Config  worker.Config
	Logger  zerolog.Logger
}

// Writer appends small transactions of events for random entities until
// stop closes. Events of transactions that failed to commit are not recorded.
func Writer(ctx context.Context, env Env, ledger *Ledger, seed int64, entities int, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	sender := outbox.NewSender(env.Dialect, env.Schema)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var ids []uuid.UUID
		err := db.InTx(ctx, env.DB, 5*time.Second, func(tx *sql.Tx) error {
			ids = ids[:0]
			for n := 1 + rng.Intn(5); n > 0; n-- {
				id, err := sender.Send(ctx, tx, outbox.Entry{
					EntityName: "Book",
					EntityID:   strconv.Itoa(rng.Intn(entities)),
					Payload:    []byte(`{"title":"stress"}`),
				})
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return nil
		})
		if err == nil {
			ledger.recordSent(ids)
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Duration(5+rng.Intn(15)) * time.Millisecond)
	}
}

// Processor runs one dynamic event processor until ctx is cancelled.
func Processor(ctx context.Context, env Env, ledger *Ledger, name string) error {
	plan := processing.NewPlan(processing.JSONCodec{}, ledger.Backend(name), nil, nil, env.Logger)
	p, err := worker.NewEventProcessor(worker.Options{
		DB:      env.DB,
		Dialect: env.Dialect,
		Schema:  env.Schema,
		Member:  cluster.Member{Type: agent.TypeDynamicSharding, Name: name},
		Plan:    plan,
		Config:  env.Config,
		Logger:  env.Logger,
	})
	if err != nil {
		return err
	}
	if err := p.Run(ctx); err != nil {
		env.Logger.Warn().Err(err).Str("agent", name).Msg("leave failed")
	}
	return nil
}

// Churner repeatedly starts an extra processor and stops it after a random
// lifetime so the cluster keeps rebalancing.
func Churner(ctx context.Context, env Env, ledger *Ledger, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		runCtx, cancel := context.WithTimeout(ctx, time.Duration(1000+rng.Intn(3000))*time.Millisecond)
		err := Processor(runCtx, env, ledger, fmt.Sprintf("churn-%d", i))
		cancel()
		if err != nil {
			return err
		}
		time.Sleep(time.Duration(200+rng.Intn(800)) * time.Millisecond)
	}
}
