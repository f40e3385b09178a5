// Package processing turns a batch of outbox events into one backend
// submission and maps the backend's verdict back onto the events.
package processing

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"searchsync/outbox"
)

// Operation is one decoded event handed to the backend.
type Operation struct {
	EventID    uuid.UUID
	EntityName string
	EntityID   string
	Value      any
}

// PayloadDecoder turns a serialized event payload into the value the backend
// understands.
type PayloadDecoder interface {
	Decode(e outbox.Event) (any, error)
}

// EntityReference is the backend's handle on an indexed entity.
type EntityReference struct {
	Type string
	ID   any
}

func (r EntityReference) String() string {
	return fmt.Sprintf("%s#%v", r.Type, r.ID)
}

// Report is the backend's verdict on a batch. A nil Failure means every
// operation was applied.
type Report struct {
	Failure         error
	FailingEntities []EntityReference
}

// Backend applies a batch of operations to the index as one unit.
type Backend interface {
	Apply(ctx context.Context, ops []Operation) (Report, error)
}

// ReferenceResolver maps a backend entity reference back to the entity name
// and serialized id stored on outbox events.
type ReferenceResolver interface {
	Resolve(ref EntityReference) (outbox.EntityKey, error)
}

// ReferenceResolverFunc adapts a function to ReferenceResolver.
type ReferenceResolverFunc func(ref EntityReference) (outbox.EntityKey, error)

func (f ReferenceResolverFunc) Resolve(ref EntityReference) (outbox.EntityKey, error) {
	return f(ref)
}

// StringResolver resolves references whose ID formats to the stored entity id.
var StringResolver = ReferenceResolverFunc(func(ref EntityReference) (outbox.EntityKey, error) {
	if ref.Type == "" || ref.ID == nil {
		return outbox.EntityKey{}, fmt.Errorf("processing: incomplete entity reference %v", ref)
	}
	return outbox.EntityKey{Name: ref.Type, ID: fmt.Sprint(ref.ID)}, nil
})

// Outcome splits a batch into applied and failed events.
type Outcome struct {
	Succeeded []outbox.Event
	Failed    []outbox.Event
}
