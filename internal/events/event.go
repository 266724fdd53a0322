package events

import "time"

// Event is the envelope that flows through the event bus. Every pipeline
// event (signal received, intent created, order state changed) is wrapped
// in one. The presentation layer consumes these read-only; nothing on the
// bus mutates core state.
type Event struct {
	ID        string
	Type      EventType
	Exchange  string
	Pair      string
	Timestamp time.Time
	Payload   any
}

type EventType string

const (
	// Signal stream events
	EventSignalReceived EventType = "signal_received"
	EventSignalRejected EventType = "signal_rejected"
	EventStreamStatus   EventType = "stream_status"
	// Sizing events
	EventIntentCreated  EventType = "intent_created"
	EventIntentRejected EventType = "intent_rejected"
	// Execution events
	EventOrderStateChanged EventType = "order_state_changed"
)
