package processing

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"searchsync/outbox"
)

// JSONCodec encodes payloads as JSON objects and decodes them into
// map[string]any.
type JSONCodec struct{}

// Encode serializes v for Entry.Payload.
func (JSONCodec) Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("processing: encode payload: %w", err)
	}
	return b, nil
}

func (JSONCodec) Decode(e outbox.Event) (any, error) {
	var doc map[string]any
	if err := json.Unmarshal(e.Payload, &doc); err != nil {
		return nil, fmt.Errorf("processing: decode payload of event %s: %w", e.ID, err)
	}
	return doc, nil
}

// LogBackend accepts every operation and logs it. Used for dry runs.
type LogBackend struct {
	Logger zerolog.Logger
}

func (b LogBackend) Apply(_ context.Context, ops []Operation) (Report, error) {
	for _, op := range ops {
		b.Logger.Info().
			Str("event_id", op.EventID.String()).
			Str("entity_name", op.EntityName).
			Str("entity_id", op.EntityID).
			Interface("value", op.Value).
			Msg("apply")
	}
	return Report{}, nil
}
