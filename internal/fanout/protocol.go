package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/selftrade/agent/internal/events"
)

// Envelope is the wire format for events sent over the fanout WebSocket.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Exchange  string          `json:"exchange,omitempty"`
	Pair      string          `json:"pair,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalEvent serializes an Event into a JSON-encoded Envelope.
func MarshalEvent(evt events.Event) ([]byte, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		Type:      string(evt.Type),
		ID:        evt.ID,
		Exchange:  evt.Exchange,
		Pair:      evt.Pair,
		Timestamp: evt.Timestamp,
		Payload:   payload,
	}
	return json.Marshal(env)
}

// UnmarshalEvent deserializes a JSON Envelope back into a typed Event.
func UnmarshalEvent(data []byte) (events.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return events.Event{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	evt := events.Event{
		ID:        env.ID,
		Type:      events.EventType(env.Type),
		Exchange:  env.Exchange,
		Pair:      env.Pair,
		Timestamp: env.Timestamp,
	}

	switch evt.Type {
	case events.EventSignalReceived, events.EventSignalRejected:
		var se events.SignalEvent
		if err := json.Unmarshal(env.Payload, &se); err != nil {
			return evt, fmt.Errorf("unmarshal %s: %w", evt.Type, err)
		}
		evt.Payload = se
	case events.EventIntentCreated, events.EventIntentRejected:
		var ie events.IntentEvent
		if err := json.Unmarshal(env.Payload, &ie); err != nil {
			return evt, fmt.Errorf("unmarshal %s: %w", evt.Type, err)
		}
		evt.Payload = ie
	case events.EventOrderStateChanged:
		var oe events.OrderStateEvent
		if err := json.Unmarshal(env.Payload, &oe); err != nil {
			return evt, fmt.Errorf("unmarshal order_state_changed: %w", err)
		}
		evt.Payload = oe
	case events.EventStreamStatus:
		var ss events.StreamStatusEvent
		if err := json.Unmarshal(env.Payload, &ss); err != nil {
			return evt, fmt.Errorf("unmarshal stream_status: %w", err)
		}
		evt.Payload = ss
	default:
		return evt, fmt.Errorf("unknown event type: %s", env.Type)
	}

	return evt, nil
}
