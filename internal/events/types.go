package events

import "github.com/selftrade/agent/internal/model"

// SignalEvent is published for every signal the stream client accepts or
// rejects. Reason is empty for accepted signals.
type SignalEvent struct {
	Signal model.Signal `json:"signal"`
	Reason string       `json:"reason,omitempty"`
}

// IntentEvent is published when sizing produces an order intent, or when
// it rejects a signal (Reason set, Intent zero).
type IntentEvent struct {
	SignalID string            `json:"signal_id"`
	Intent   model.OrderIntent `json:"intent,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// OrderStateEvent is published by the execution state machine on every
// transition it persists.
type OrderStateEvent struct {
	IntentID        string           `json:"intent_id"`
	ExchangeOrderID string           `json:"exchange_order_id,omitempty"`
	From            model.OrderState `json:"from"`
	To              model.OrderState `json:"to"`
	Note            string           `json:"note,omitempty"`
}

// StreamStatusEvent signals upstream feed connect/disconnect.
type StreamStatusEvent struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}
