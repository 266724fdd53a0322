// Package orders drives an order intent through its execution states,
// recording every transition in the ledger before acting on it. One
// Machine serves one exchange account; each intent executes on its own
// goroutine.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/selftrade/agent/internal/events"
	"github.com/selftrade/agent/internal/exchange"
	"github.com/selftrade/agent/internal/ledger"
	"github.com/selftrade/agent/internal/model"
	"github.com/selftrade/agent/internal/telemetry"
)

const (
	retryBase = 500 * time.Millisecond
	retryCap  = 15 * time.Second
)

// legal maps each state to the states it may move to. Any transition
// outside this table is a programming error and is refused.
var legal = map[model.OrderState][]model.OrderState{
	model.StateCreated:         {model.StateSubmitting},
	model.StateSubmitting:      {model.StateOpen, model.StateRejected, model.StateSubmitting},
	model.StateOpen:            {model.StatePartiallyFilled, model.StateFilled, model.StateRejected, model.StateCancelled},
	model.StatePartiallyFilled: {model.StateFilled, model.StateCancelled},
	model.StateFilled:          {model.StateClosed},
	model.StateRejected:        {model.StateClosed},
	model.StateCancelled:       {model.StateClosed},
}

func canMove(from, to model.OrderState) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Machine struct {
	ex                exchange.Exchange
	store             *ledger.Store
	bus               *events.Bus
	maxAttempts       int
	reconcileInterval time.Duration

	// onFilled runs after an order reaches Filled, before Closed.
	// The pipeline uses it to invalidate the balance snapshot and to
	// place the protective stop.
	onFilled func(ctx context.Context, intent model.OrderIntent, ord exchange.Order)

	// onFatal reports an unrecoverable venue error (bad credentials,
	// disabled permissions). The pipeline stops accepting signals on it.
	onFatal func(err error)
}

func NewMachine(ex exchange.Exchange, store *ledger.Store, bus *events.Bus, maxAttempts int, reconcileInterval time.Duration) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if reconcileInterval <= 0 {
		reconcileInterval = 2 * time.Second
	}
	return &Machine{
		ex:                ex,
		store:             store,
		bus:               bus,
		maxAttempts:       maxAttempts,
		reconcileInterval: reconcileInterval,
	}
}

// OnFilled registers a hook invoked once per fill, before the execution
// closes. Must be set before Execute is called.
func (m *Machine) OnFilled(fn func(ctx context.Context, intent model.OrderIntent, ord exchange.Order)) {
	m.onFilled = fn
}

// OnFatal registers a hook invoked when a venue error requires user
// action. Must be set before Execute is called.
func (m *Machine) OnFatal(fn func(err error)) {
	m.onFatal = fn
}

// move appends the transition to the ledger, then publishes it. The
// ledger write happens first so a crash can never leave an unrecorded
// state change.
func (m *Machine) move(rec *model.ExecutionRecord, to model.OrderState, note string) error {
	from := rec.State
	if !canMove(from, to) && from != to {
		telemetry.Errorf("orders: illegal transition %s -> %s for %s", from, to, rec.IntentID)
		return exchange.NewFatal("", "illegal transition "+string(from)+" -> "+string(to))
	}
	rec.State = to
	rec.UpdatedAt = time.Now().UTC()
	if to.Outcome() {
		if note != "" {
			rec.Result = note
		} else {
			rec.Result = string(to)
		}
	}
	if err := m.store.AppendTransition(*rec, from, note); err != nil {
		return err
	}
	m.bus.Publish(events.Event{
		ID:        rec.IntentID,
		Type:      events.EventOrderStateChanged,
		Exchange:  m.ex.Name(),
		Timestamp: rec.UpdatedAt,
		Payload: events.OrderStateEvent{
			IntentID:        rec.IntentID,
			ExchangeOrderID: rec.ExchangeOrderID,
			From:            from,
			To:              to,
			Note:            note,
		},
	})
	return nil
}

// Execute drives a freshly created intent to a terminal state. The
// intent's ledger row must already exist in state Created.
func (m *Machine) Execute(ctx context.Context, intent model.OrderIntent) {
	rec, err := m.store.Execution(intent.ID)
	if err != nil {
		telemetry.Errorf("orders: load execution %s: %v", intent.ID, err)
		return
	}
	m.run(ctx, intent, rec)
}

func (m *Machine) run(ctx context.Context, intent model.OrderIntent, rec model.ExecutionRecord) {
	telemetry.Metrics.OpenOrders.Inc()
	defer telemetry.Metrics.OpenOrders.Dec()

	if rec.State == model.StateCreated {
		if err := m.move(&rec, model.StateSubmitting, ""); err != nil {
			telemetry.Errorf("orders: %s: %v", intent.ID, err)
			return
		}
	}

	if rec.State == model.StateSubmitting {
		ord, err := m.submit(ctx, intent, &rec)
		if err != nil {
			// Rejected records close here. A record still Submitting
			// (shutdown mid-submit) is left for restart reconciliation
			// and close is a no-op.
			m.close(&rec)
			return
		}
		rec.ExchangeOrderID = ord.ExchangeOrderID
		if done := m.applyStatus(&rec, ord); done {
			m.finish(ctx, intent, &rec, ord)
			return
		}
		if err := m.move(&rec, model.StateOpen, ""); err != nil {
			telemetry.Errorf("orders: %s: %v", intent.ID, err)
			return
		}
	}

	m.watch(ctx, intent, rec)
}

// submit places the order, retrying transient failures with capped
// exponential backoff. Resubmits reuse the intent id as the client
// order reference, so a retry after an ambiguous failure adopts the
// venue's existing order instead of creating a second one.
func (m *Machine) submit(ctx context.Context, intent model.OrderIntent, rec *model.ExecutionRecord) (exchange.Order, error) {
	req := exchange.OrderRequest{
		Symbol:        intent.Pair,
		Side:          intent.Side,
		Type:          intent.Type,
		Qty:           intent.Qty,
		Price:         intent.Price,
		ClientOrderID: intent.ID,
	}

	delay := retryBase
	for {
		rec.Attempts++
		telemetry.Metrics.OrdersSubmitted.Inc()
		ord, err := m.ex.PlaceOrder(ctx, req)
		if err == nil {
			return ord, nil
		}
		rec.LastCode = codeOf(err)

		switch exchange.KindOf(err) {
		case exchange.KindRejected:
			telemetry.Warnf("orders: %s rejected by venue: %v", intent.ID, err)
			telemetry.Metrics.OrdersRejected.Inc()
			_ = m.move(rec, model.StateRejected, "VenueRejected:"+rec.LastCode)
			return exchange.Order{}, err
		case exchange.KindFatal:
			telemetry.Errorf("orders: %s fatal venue error, not retrying: %v", intent.ID, err)
			_ = m.move(rec, model.StateRejected, "Fatal:"+rec.LastCode)
			if m.onFatal != nil {
				m.onFatal(err)
			}
			return exchange.Order{}, err
		}

		if rec.Attempts >= m.maxAttempts {
			telemetry.Errorf("orders: %s exhausted %d submit attempts: %v", intent.ID, rec.Attempts, err)
			telemetry.Metrics.OrdersRejected.Inc()
			_ = m.move(rec, model.StateRejected, "MaxRetriesExceeded")
			return exchange.Order{}, err
		}

		telemetry.Warnf("orders: %s transient submit failure (attempt %d/%d), retrying in %s: %v",
			intent.ID, rec.Attempts, m.maxAttempts, delay, err)
		telemetry.Metrics.SubmitRetries.Inc()
		_ = m.move(rec, model.StateSubmitting, "retry")

		select {
		case <-ctx.Done():
			// The last attempt may have been an ambiguous timeout after
			// the venue accepted the order. Leave the record Submitting
			// so restart reconciliation checks the venue by the client
			// reference before deciding.
			telemetry.Warnf("orders: shutdown with %s mid-submit, will reconcile on restart", intent.ID)
			return exchange.Order{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
}

// watch polls the venue until the order settles.
func (m *Machine) watch(ctx context.Context, intent model.OrderIntent, rec model.ExecutionRecord) {
	ticker := time.NewTicker(m.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			telemetry.Warnf("orders: shutdown with %s still open, will reconcile on restart", intent.ID)
			return
		case <-ticker.C:
		}

		telemetry.Metrics.ReconcilePolls.Inc()
		ord, err := m.ex.GetOrderStatus(ctx, intent.Pair, intent.ID)
		if err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) {
				// The venue no longer knows the order: treat as
				// cancelled out of band.
				_ = m.move(&rec, model.StateCancelled, "NotFoundOnVenue")
				m.close(&rec)
				return
			}
			telemetry.Warnf("orders: poll %s: %v", intent.ID, err)
			continue
		}

		if done := m.applyStatus(&rec, ord); done {
			m.finish(ctx, intent, &rec, ord)
			return
		}
	}
}

// applyStatus folds a venue order snapshot into the record, returning
// true when the order has settled.
func (m *Machine) applyStatus(rec *model.ExecutionRecord, ord exchange.Order) bool {
	switch ord.Status {
	case exchange.StatusPartiallyFilled:
		if rec.State == model.StateOpen {
			_ = m.move(rec, model.StatePartiallyFilled, "")
		}
		return false
	case exchange.StatusFilled:
		// Created/Submitting records jump through Open so the history
		// stays contiguous.
		if rec.State == model.StateSubmitting {
			_ = m.move(rec, model.StateOpen, "")
		}
		_ = m.move(rec, model.StateFilled, "")
		telemetry.Metrics.OrdersFilled.Inc()
		return true
	case exchange.StatusCanceled, exchange.StatusExpired:
		if rec.State == model.StateSubmitting {
			_ = m.move(rec, model.StateOpen, "")
		}
		_ = m.move(rec, model.StateCancelled, string(ord.Status))
		return true
	case exchange.StatusRejected:
		if rec.State == model.StateSubmitting {
			_ = m.move(rec, model.StateRejected, "VenueRejected")
		} else {
			if rec.State == model.StatePartiallyFilled {
				_ = m.move(rec, model.StateCancelled, "VenueRejected")
			} else {
				_ = m.move(rec, model.StateRejected, "VenueRejected")
			}
		}
		telemetry.Metrics.OrdersRejected.Inc()
		return true
	}
	return false
}

func (m *Machine) finish(ctx context.Context, intent model.OrderIntent, rec *model.ExecutionRecord, ord exchange.Order) {
	if rec.State == model.StateFilled && m.onFilled != nil {
		m.onFilled(ctx, intent, ord)
	}
	m.close(rec)
}

func (m *Machine) close(rec *model.ExecutionRecord) {
	if !rec.State.Outcome() {
		return
	}
	if err := m.move(rec, model.StateClosed, ""); err != nil {
		telemetry.Errorf("orders: close %s: %v", rec.IntentID, err)
	}
}

// ReconcileOpen restores every non-closed execution after a restart.
// Created and Submitting intents are checked against the venue by their
// client reference: if the order exists it is adopted, otherwise the
// submission resumes. Open orders go straight back to polling.
func (m *Machine) ReconcileOpen(ctx context.Context) error {
	open, err := m.store.OpenExecutions()
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}
	telemetry.Infof("orders: reconciling %d open executions", len(open))

	for _, rec := range open {
		intent, err := m.store.Intent(rec.IntentID)
		if err != nil {
			telemetry.Errorf("orders: reconcile %s: load intent: %v", rec.IntentID, err)
			continue
		}

		switch rec.State {
		case model.StateCreated, model.StateSubmitting:
			ord, err := m.ex.GetOrderStatus(ctx, intent.Pair, intent.ID)
			if errors.Is(err, exchange.ErrOrderNotFound) {
				// Crash happened before the order reached the venue.
				telemetry.Infof("orders: reconcile %s: not on venue, resubmitting", rec.IntentID)
				go m.run(ctx, intent, rec)
				continue
			}
			if err != nil {
				telemetry.Warnf("orders: reconcile %s: %v", rec.IntentID, err)
				continue
			}
			telemetry.Infof("orders: reconcile %s: adopting venue order %s", rec.IntentID, ord.ExchangeOrderID)
			rec.ExchangeOrderID = ord.ExchangeOrderID
			if rec.State == model.StateCreated {
				if err := m.move(&rec, model.StateSubmitting, "reconcile"); err != nil {
					continue
				}
			}
			go func(intent model.OrderIntent, rec model.ExecutionRecord, ord exchange.Order) {
				telemetry.Metrics.OpenOrders.Inc()
				defer telemetry.Metrics.OpenOrders.Dec()
				if done := m.applyStatus(&rec, ord); done {
					m.finish(ctx, intent, &rec, ord)
					return
				}
				if err := m.move(&rec, model.StateOpen, "reconcile"); err != nil {
					return
				}
				m.watch(ctx, intent, rec)
			}(intent, rec, ord)

		case model.StateOpen, model.StatePartiallyFilled:
			go func(intent model.OrderIntent, rec model.ExecutionRecord) {
				telemetry.Metrics.OpenOrders.Inc()
				defer telemetry.Metrics.OpenOrders.Dec()
				m.watch(ctx, intent, rec)
			}(intent, rec)

		case model.StateFilled, model.StateRejected, model.StateCancelled:
			// Outcome reached but the close was lost in the crash.
			m.close(&rec)
		}
	}
	return nil
}

func codeOf(err error) string {
	var ae *exchange.Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
