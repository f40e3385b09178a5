package processing

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"searchsync/outbox"
)

// Failure describes one fault worth an operator's attention.
type Failure struct {
	// Operation says what was being attempted.
	Operation string
	// Entity is set when the failure is attributed to a single entity.
	Entity   *outbox.EntityKey
	EventIDs []uuid.UUID
	Cause    error
}

// FailureHandler is the sink for failures.
type FailureHandler interface {
	Handle(f Failure)
}

// FailureHandlerFunc adapts a function to FailureHandler.
type FailureHandlerFunc func(f Failure)

func (fn FailureHandlerFunc) Handle(f Failure) { fn(f) }

// LogFailureHandler writes failures to logger at error level.
func LogFailureHandler(logger zerolog.Logger) FailureHandler {
	return FailureHandlerFunc(func(f Failure) {
		ev := logger.Error().Err(f.Cause).Str("operation", f.Operation)
		if f.Entity != nil {
			ev = ev.Str("entity_name", f.Entity.Name).Str("entity_id", f.Entity.ID)
		}
		if len(f.EventIDs) > 0 {
			ids := make([]string, len(f.EventIDs))
			for i, id := range f.EventIDs {
				ids[i] = id.String()
			}
			ev = ev.Strs("event_ids", ids)
		}
		ev.Msg("processing failure")
	})
}

// Notify hands f to h, containing any panic so callers never see one.
func Notify(logger zerolog.Logger, h FailureHandler, f Failure) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("operation", f.Operation).Msg("failure handler panicked")
		}
	}()
	h.Handle(f)
}
