package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selftrade/agent/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSignal() model.Signal {
	sig := model.Signal{
		Pair:       "BTCUSDT",
		Side:       model.SideBuy,
		EntryPrice: 60000,
		StopLoss:   59000,
		EmittedAt:  time.Unix(1725000000, 0),
		ReceivedAt: time.Now(),
	}
	sig.ID = sig.DeriveID()
	return sig
}

func testIntent(id, signalID string) model.OrderIntent {
	return model.OrderIntent{
		ID:        id,
		SignalID:  signalID,
		Pair:      "BTCUSDT",
		Side:      model.SideBuy,
		Qty:       0.001,
		Type:      model.OrderTypeMarket,
		RiskPct:   1,
		CreatedAt: time.Now(),
	}
}

func TestSignalDedup(t *testing.T) {
	s := openTestStore(t)
	sig := testSignal()

	seen, err := s.SeenSignal(sig.ID)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.RecordSignal(sig))
	seen, err = s.SeenSignal(sig.ID)
	require.NoError(t, err)
	assert.True(t, seen)

	// Redelivery is a no-op, not an error.
	require.NoError(t, s.RecordSignal(sig))
}

func TestOneIntentPerSignal(t *testing.T) {
	s := openTestStore(t)
	sig := testSignal()
	require.NoError(t, s.RecordSignal(sig))

	require.NoError(t, s.CreateIntent(testIntent("intent-1", sig.ID)))
	err := s.CreateIntent(testIntent("intent-2", sig.ID))
	assert.ErrorIs(t, err, ErrDuplicateSignal)

	// The first intent and its Created execution survive intact.
	intent, err := s.Intent("intent-1")
	require.NoError(t, err)
	assert.Equal(t, sig.ID, intent.SignalID)

	rec, err := s.Execution("intent-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateCreated, rec.State)

	_, err = s.Execution("intent-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionHistory(t *testing.T) {
	s := openTestStore(t)
	sig := testSignal()
	require.NoError(t, s.RecordSignal(sig))
	require.NoError(t, s.CreateIntent(testIntent("intent-1", sig.ID)))

	rec, err := s.Execution("intent-1")
	require.NoError(t, err)

	steps := []model.OrderState{model.StateSubmitting, model.StateOpen, model.StateFilled, model.StateClosed}
	for _, next := range steps {
		from := rec.State
		rec.State = next
		require.NoError(t, s.AppendTransition(rec, from, ""))
	}

	rec, err = s.Execution("intent-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, rec.State)

	trs, err := s.Transitions("intent-1")
	require.NoError(t, err)
	require.Len(t, trs, 5) // intent persisted + 4 moves
	assert.Equal(t, model.StateCreated, trs[0][1])
	assert.Equal(t, model.StateClosed, trs[4][1])
	// History is contiguous: every from matches the previous to.
	for i := 1; i < len(trs); i++ {
		assert.Equal(t, trs[i-1][1], trs[i][0])
	}
}

func TestAppendTransitionUnknownIntent(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendTransition(model.ExecutionRecord{IntentID: "nope", State: model.StateOpen}, model.StateCreated, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenExecutions(t *testing.T) {
	s := openTestStore(t)

	sigA := testSignal()
	require.NoError(t, s.RecordSignal(sigA))
	require.NoError(t, s.CreateIntent(testIntent("intent-a", sigA.ID)))

	sigB := testSignal()
	sigB.Side = model.SideSell
	sigB.ID = sigB.DeriveID()
	require.NoError(t, s.RecordSignal(sigB))
	require.NoError(t, s.CreateIntent(testIntent("intent-b", sigB.ID)))

	// Close intent-a; intent-b stays in Created.
	rec, err := s.Execution("intent-a")
	require.NoError(t, err)
	for _, next := range []model.OrderState{model.StateSubmitting, model.StateOpen, model.StateFilled, model.StateClosed} {
		from := rec.State
		rec.State = next
		require.NoError(t, s.AppendTransition(rec, from, ""))
	}

	open, err := s.OpenExecutions()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "intent-b", open[0].IntentID)
	assert.Equal(t, model.StateCreated, open[0].State)
}
