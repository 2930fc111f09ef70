package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidEvent = errors.New("invalid event")

// Event is an immutable record of something that happened in a lane.
// Build it with NewEvent; the payload is owned by the event and must be treated as read-only.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Kind          string         `json:"kind"`
	Lane          Lane           `json:"lane"`
	CorrelationID string         `json:"correlation_id"` // groups events of one session/stream
	Payload       map[string]any `json:"payload"`
}

// NewEvent is the only supported way to build an Event. Malformed input is rejected here,
// so appending to the store never fails.
func NewEvent(kind string, lane Lane, correlationID string, payload map[string]any, at time.Time) (Event, error) {
	body, err := normalizePayload(payload)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		ID:            uuid.New().String(),
		Timestamp:     at.UTC(),
		Kind:          kind,
		Lane:          ParseLane(string(lane)),
		CorrelationID: correlationID,
		Payload:       body,
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidEvent)
	case e.Kind == "":
		return fmt.Errorf("%w: empty kind", ErrInvalidEvent)
	case e.CorrelationID == "":
		return fmt.Errorf("%w: empty correlation id", ErrInvalidEvent)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: zero timestamp", ErrInvalidEvent)
	case !e.Lane.Known():
		return fmt.Errorf("%w: unknown lane %q", ErrInvalidEvent, e.Lane)
	}
	return nil
}

// MarshalEvent encodes the event as JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent decodes and validates an event produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	return e, nil
}

// normalizePayload copies the payload through its JSON form, so the event holds exactly
// what MarshalEvent/UnmarshalEvent reproduce (numbers become float64).
func normalizePayload(src map[string]any) (map[string]any, error) {
	dst := map[string]any{}
	if len(src) == 0 {
		return dst, nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not JSON-encodable: %v", ErrInvalidEvent, err)
	}
	if err := json.Unmarshal(data, &dst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return dst, nil
}
