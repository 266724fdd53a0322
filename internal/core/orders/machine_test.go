package orders

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selftrade/agent/internal/events"
	"github.com/selftrade/agent/internal/exchange"
	"github.com/selftrade/agent/internal/ledger"
	"github.com/selftrade/agent/internal/model"
)

// fakeExchange scripts venue behavior per call.
type fakeExchange struct {
	mu          sync.Mutex
	placeFn     func(call int, req exchange.OrderRequest) (exchange.Order, error)
	statusFn    func(call int, clientOrderID string) (exchange.Order, error)
	placeCalls  int
	statusCalls int
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	f.mu.Lock()
	f.placeCalls++
	call := f.placeCalls
	f.mu.Unlock()
	return f.placeFn(call, req)
}

func (f *fakeExchange) GetOrderStatus(_ context.Context, _, clientOrderID string) (exchange.Order, error) {
	f.mu.Lock()
	f.statusCalls++
	call := f.statusCalls
	f.mu.Unlock()
	if f.statusFn == nil {
		return exchange.Order{}, exchange.ErrOrderNotFound
	}
	return f.statusFn(call, clientOrderID)
}

func (f *fakeExchange) CancelOrder(context.Context, string, string) error { return nil }
func (f *fakeExchange) GetBalance(context.Context) (map[string]model.Balance, error) {
	return map[string]model.Balance{}, nil
}
func (f *fakeExchange) Ticker(context.Context, string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}

func (f *fakeExchange) places() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls
}

func filledOrder(req exchange.OrderRequest) exchange.Order {
	return exchange.Order{
		ExchangeOrderID: "ex-1",
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          exchange.StatusFilled,
		Qty:             req.Qty,
		FilledQty:       req.Qty,
		UpdatedAt:       time.Now(),
	}
}

func setupStore(t *testing.T) (*ledger.Store, model.OrderIntent) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sig := model.Signal{Pair: "BTCUSDT", Side: model.SideBuy, EmittedAt: time.Now()}
	sig.ID = sig.DeriveID()
	require.NoError(t, store.RecordSignal(sig))

	intent := model.OrderIntent{
		ID:        "intent-1",
		SignalID:  sig.ID,
		Pair:      "BTCUSDT",
		Side:      model.SideBuy,
		Qty:       0.001,
		Type:      model.OrderTypeMarket,
		RiskPct:   1,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateIntent(intent))
	return store, intent
}

func stateSequence(t *testing.T, store *ledger.Store, intentID string) []model.OrderState {
	t.Helper()
	trs, err := store.Transitions(intentID)
	require.NoError(t, err)
	out := make([]model.OrderState, len(trs))
	for i, tr := range trs {
		out[i] = tr[1]
	}
	return out
}

func TestExecuteImmediateFill(t *testing.T) {
	store, intent := setupStore(t)
	fake := &fakeExchange{
		placeFn: func(_ int, req exchange.OrderRequest) (exchange.Order, error) {
			return filledOrder(req), nil
		},
	}

	var filled bool
	m := NewMachine(fake, store, events.NewBus(), 3, 10*time.Millisecond)
	m.OnFilled(func(context.Context, model.OrderIntent, exchange.Order) { filled = true })
	m.Execute(context.Background(), intent)

	assert.True(t, filled)
	assert.Equal(t, []model.OrderState{
		model.StateCreated, model.StateSubmitting, model.StateOpen, model.StateFilled, model.StateClosed,
	}, stateSequence(t, store, intent.ID))

	rec, err := store.Execution(intent.ID)
	require.NoError(t, err)
	assert.Equal(t, "ex-1", rec.ExchangeOrderID)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "FILLED", rec.Result)
}

func TestExecuteRetriesTransientThenFills(t *testing.T) {
	store, intent := setupStore(t)
	fake := &fakeExchange{
		placeFn: func(call int, req exchange.OrderRequest) (exchange.Order, error) {
			if call == 1 {
				return exchange.Order{}, exchange.NewTransient("-1003", "throttled")
			}
			return filledOrder(req), nil
		},
	}

	m := NewMachine(fake, store, events.NewBus(), 3, 10*time.Millisecond)
	m.Execute(context.Background(), intent)

	assert.Equal(t, 2, fake.places())
	rec, err := store.Execution(intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, rec.State)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "FILLED", rec.Result)
}

func TestExecuteMaxRetriesExceeded(t *testing.T) {
	store, intent := setupStore(t)
	fake := &fakeExchange{
		placeFn: func(int, exchange.OrderRequest) (exchange.Order, error) {
			return exchange.Order{}, exchange.NewTransient("", "connection reset")
		},
	}

	m := NewMachine(fake, store, events.NewBus(), 2, 10*time.Millisecond)
	m.Execute(context.Background(), intent)

	assert.Equal(t, 2, fake.places())
	rec, err := store.Execution(intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, rec.State)
	assert.Equal(t, "MaxRetriesExceeded", rec.Result)
}

func TestExecuteVenueRejectionDoesNotRetry(t *testing.T) {
	store, intent := setupStore(t)
	fake := &fakeExchange{
		placeFn: func(int, exchange.OrderRequest) (exchange.Order, error) {
			return exchange.Order{}, exchange.NewRejected("-2010", "insufficient balance")
		},
	}

	m := NewMachine(fake, store, events.NewBus(), 5, 10*time.Millisecond)
	m.Execute(context.Background(), intent)

	assert.Equal(t, 1, fake.places())
	rec, err := store.Execution(intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, rec.State)
	assert.Equal(t, "VenueRejected:-2010", rec.Result)
	assert.Equal(t, "-2010", rec.LastCode)
}

func TestShutdownMidSubmitLeavesRecordSubmitting(t *testing.T) {
	store, intent := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	// An ambiguous timeout followed by shutdown: the venue may hold a
	// live order under the client reference, so the record must stay
	// open for restart reconciliation.
	fake := &fakeExchange{
		placeFn: func(int, exchange.OrderRequest) (exchange.Order, error) {
			cancel()
			return exchange.Order{}, exchange.NewTransient("", "request timeout")
		},
	}

	m := NewMachine(fake, store, events.NewBus(), 5, 10*time.Millisecond)
	m.Execute(ctx, intent)

	assert.Equal(t, 1, fake.places())
	rec, err := store.Execution(intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSubmitting, rec.State)

	open, err := store.OpenExecutions()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, intent.ID, open[0].IntentID)
}

func TestExecuteFatalErrorReportsAndCloses(t *testing.T) {
	store, intent := setupStore(t)
	fake := &fakeExchange{
		placeFn: func(int, exchange.OrderRequest) (exchange.Order, error) {
			return exchange.Order{}, exchange.NewFatal("-2014", "api key disabled")
		},
	}

	var reported error
	m := NewMachine(fake, store, events.NewBus(), 5, 10*time.Millisecond)
	m.OnFatal(func(err error) { reported = err })
	m.Execute(context.Background(), intent)

	assert.Equal(t, 1, fake.places())
	require.Error(t, reported)
	assert.Equal(t, exchange.KindFatal, exchange.KindOf(reported))

	rec, err := store.Execution(intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, rec.State)
	assert.Equal(t, "Fatal:-2014", rec.Result)
}

func TestExecutePollsOpenOrderToFill(t *testing.T) {
	store, intent := setupStore(t)
	fake := &fakeExchange{
		placeFn: func(_ int, req exchange.OrderRequest) (exchange.Order, error) {
			ord := filledOrder(req)
			ord.Status = exchange.StatusNew
			ord.FilledQty = 0
			return ord, nil
		},
		statusFn: func(call int, clientOrderID string) (exchange.Order, error) {
			ord := exchange.Order{
				ExchangeOrderID: "ex-1",
				ClientOrderID:   clientOrderID,
				Symbol:          "BTCUSDT",
				Status:          exchange.StatusPartiallyFilled,
			}
			if call >= 2 {
				ord.Status = exchange.StatusFilled
			}
			return ord, nil
		},
	}

	m := NewMachine(fake, store, events.NewBus(), 3, 10*time.Millisecond)
	m.Execute(context.Background(), intent)

	assert.Equal(t, []model.OrderState{
		model.StateCreated, model.StateSubmitting, model.StateOpen,
		model.StatePartiallyFilled, model.StateFilled, model.StateClosed,
	}, stateSequence(t, store, intent.ID))
}

func TestExecuteOrderVanishesWhileOpen(t *testing.T) {
	store, intent := setupStore(t)
	fake := &fakeExchange{
		placeFn: func(_ int, req exchange.OrderRequest) (exchange.Order, error) {
			ord := filledOrder(req)
			ord.Status = exchange.StatusNew
			return ord, nil
		},
		statusFn: func(int, string) (exchange.Order, error) {
			return exchange.Order{}, exchange.ErrOrderNotFound
		},
	}

	m := NewMachine(fake, store, events.NewBus(), 3, 10*time.Millisecond)
	m.Execute(context.Background(), intent)

	rec, err := store.Execution(intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, rec.State)
	assert.Equal(t, "NotFoundOnVenue", rec.Result)
}

func TestReconcileOpenAdoptsVenueOrder(t *testing.T) {
	store, intent := setupStore(t)
	// The previous run crashed after persisting the intent but the
	// venue did receive the order.
	fake := &fakeExchange{
		statusFn: func(_ int, clientOrderID string) (exchange.Order, error) {
			return exchange.Order{
				ExchangeOrderID: "ex-adopted",
				ClientOrderID:   clientOrderID,
				Symbol:          intent.Pair,
				Status:          exchange.StatusFilled,
				FilledQty:       intent.Qty,
			}, nil
		},
	}

	m := NewMachine(fake, store, events.NewBus(), 3, 10*time.Millisecond)
	require.NoError(t, m.ReconcileOpen(context.Background()))

	assert.Eventually(t, func() bool {
		rec, err := store.Execution(intent.ID)
		return err == nil && rec.State == model.StateClosed
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := store.Execution(intent.ID)
	require.NoError(t, err)
	assert.Equal(t, "ex-adopted", rec.ExchangeOrderID)
	assert.Equal(t, "FILLED", rec.Result)
	assert.Equal(t, 0, fake.places(), "adopted order must not be resubmitted")
}

func TestReconcileOpenResubmitsLostIntent(t *testing.T) {
	store, intent := setupStore(t)
	fake := &fakeExchange{
		placeFn: func(_ int, req exchange.OrderRequest) (exchange.Order, error) {
			assert.Equal(t, intent.ID, req.ClientOrderID)
			return filledOrder(req), nil
		},
		statusFn: func(int, string) (exchange.Order, error) {
			return exchange.Order{}, exchange.ErrOrderNotFound
		},
	}

	m := NewMachine(fake, store, events.NewBus(), 3, 10*time.Millisecond)
	require.NoError(t, m.ReconcileOpen(context.Background()))

	assert.Eventually(t, func() bool {
		rec, err := store.Execution(intent.ID)
		return err == nil && rec.State == model.StateClosed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, fake.places())
	rec, err := store.Execution(intent.ID)
	require.NoError(t, err)
	assert.Equal(t, "FILLED", rec.Result)
}
