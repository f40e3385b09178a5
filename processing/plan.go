package processing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"searchsync/outbox"
)

// ErrUnattributedFailure is reported when the backend failed without naming
// the entities involved.
var ErrUnattributedFailure = errors.New("processing: backend failure not attributed to entities")

// Plan executes batches against a backend.
type Plan struct {
	decoder  PayloadDecoder
	backend  Backend
	resolver ReferenceResolver
	failures FailureHandler
	logger   zerolog.Logger
}

// NewPlan wires the collaborators. A nil resolver defaults to StringResolver
// and a nil failure handler logs failures.
func NewPlan(decoder PayloadDecoder, backend Backend, resolver ReferenceResolver, failures FailureHandler, logger zerolog.Logger) *Plan {
	if resolver == nil {
		resolver = StringResolver
	}
	if failures == nil {
		failures = LogFailureHandler(logger)
	}
	return &Plan{
		decoder:  decoder,
		backend:  backend,
		resolver: resolver,
		failures: failures,
		logger:   logger,
	}
}

// Execute decodes events, submits them as one batch and returns which events
// were applied. It never fails as a whole: every problem turns into failed
// events plus a report to the failure handler.
func (p *Plan) Execute(ctx context.Context, events []outbox.Event) Outcome {
	var (
		out     Outcome
		ops     []Operation
		decoded []outbox.Event
	)
	for _, e := range events {
		value, err := p.decode(e)
		if err != nil {
			key := e.Key()
			p.report(Failure{
				Operation: "decode payload",
				Entity:    &key,
				EventIDs:  []uuid.UUID{e.ID},
				Cause:     err,
			})
			out.Failed = append(out.Failed, e)
			continue
		}
		ops = append(ops, Operation{EventID: e.ID, EntityName: e.EntityName, EntityID: e.EntityID, Value: value})
		decoded = append(decoded, e)
	}
	if len(ops) == 0 {
		return out
	}

	report, err := p.apply(ctx, ops)
	if err != nil {
		p.failAll(&out, decoded, err)
		return out
	}
	if report.Failure == nil {
		out.Succeeded = append(out.Succeeded, decoded...)
		return out
	}
	if len(report.FailingEntities) == 0 {
		p.failAll(&out, decoded, fmt.Errorf("%w: %w", ErrUnattributedFailure, report.Failure))
		return out
	}

	failing := make(map[outbox.EntityKey]bool, len(report.FailingEntities))
	var order []outbox.EntityKey
	for _, ref := range report.FailingEntities {
		key, err := p.resolver.Resolve(ref)
		if err != nil {
			p.failAll(&out, decoded, fmt.Errorf("processing: resolve %s: %w (backend failure: %w)", ref, err, report.Failure))
			return out
		}
		if !failing[key] {
			failing[key] = true
			order = append(order, key)
		}
	}

	byEntity := make(map[outbox.EntityKey][]uuid.UUID, len(order))
	for _, e := range decoded {
		if failing[e.Key()] {
			out.Failed = append(out.Failed, e)
			byEntity[e.Key()] = append(byEntity[e.Key()], e.ID)
			continue
		}
		out.Succeeded = append(out.Succeeded, e)
	}
	for _, key := range order {
		p.report(Failure{
			Operation: "index entity",
			Entity:    &key,
			EventIDs:  byEntity[key],
			Cause:     report.Failure,
		})
	}
	return out
}

func (p *Plan) decode(e outbox.Event) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing: decoder panicked: %v", r)
		}
	}()
	return p.decoder.Decode(e)
}

func (p *Plan) apply(ctx context.Context, ops []Operation) (report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing: backend panicked: %v", r)
		}
	}()
	report, err = p.backend.Apply(ctx, ops)
	if err != nil {
		return Report{}, fmt.Errorf("processing: apply batch: %w", err)
	}
	return report, nil
}

func (p *Plan) failAll(out *Outcome, events []outbox.Event, cause error) {
	ids := make([]uuid.UUID, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	p.report(Failure{Operation: "index batch", EventIDs: ids, Cause: cause})
	out.Failed = append(out.Failed, events...)
}

func (p *Plan) report(f Failure) {
	Notify(p.logger, p.failures, f)
}
