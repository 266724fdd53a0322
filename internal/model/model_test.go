package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSide(t *testing.T) {
	cases := []struct {
		in   string
		want Side
		ok   bool
	}{
		{"buy", SideBuy, true},
		{"BUY", SideBuy, true},
		{"long", SideBuy, true},
		{"sell", SideSell, true},
		{"short", SideSell, true},
		{" Sell ", SideSell, true},
		{"hold", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseSide(tc.in)
		if !tc.ok {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestSplitPair(t *testing.T) {
	cases := []struct {
		pair  string
		base  string
		quote string
	}{
		{"BTCUSDT", "BTC", "USDT"},
		{"ETHUSDC", "ETH", "USDC"},
		{"SOLUSDT", "SOL", "USDT"},
		{"ETHBTC", "ETH", "BTC"},
		{"XYZ", "XYZ", ""},
	}
	for _, tc := range cases {
		base, quote := SplitPair(tc.pair)
		assert.Equal(t, tc.base, base, "pair %s", tc.pair)
		assert.Equal(t, tc.quote, quote, "pair %s", tc.pair)
	}
}

func TestDeriveIDStable(t *testing.T) {
	emitted := time.Unix(17250000, 0)
	a := Signal{Pair: "BTCUSDT", Side: SideBuy, EmittedAt: emitted}
	b := Signal{Pair: "BTCUSDT", Side: SideBuy, EmittedAt: emitted, EntryPrice: 42}

	// Identity ignores everything but pair, side and emission time, so a
	// redelivered signal maps to the same id.
	assert.Equal(t, a.DeriveID(), b.DeriveID())
	assert.Equal(t, "BTCUSDT|BUY|1725000", Signal{Pair: "BTCUSDT", Side: SideBuy, EmittedAt: time.Unix(1725000, 0)}.DeriveID())

	c := Signal{Pair: "BTCUSDT", Side: SideSell, EmittedAt: emitted}
	assert.NotEqual(t, a.DeriveID(), c.DeriveID())
}

func TestOrderStateOutcome(t *testing.T) {
	for _, s := range []OrderState{StateFilled, StateRejected, StateCancelled} {
		assert.True(t, s.Outcome(), "state %s", s)
	}
	for _, s := range []OrderState{StateCreated, StateSubmitting, StateOpen, StatePartiallyFilled, StateClosed} {
		assert.False(t, s.Outcome(), "state %s", s)
	}
	assert.True(t, StateClosed.Terminal())
	assert.False(t, StateFilled.Terminal())
}

func TestSnapshotFree(t *testing.T) {
	snap := AccountSnapshot{
		Balances: map[string]Balance{
			"USDT": {Free: 1000, Locked: 50},
		},
		TakenAt: time.Now(),
	}
	assert.Equal(t, 1000.0, snap.Free("USDT"))
	assert.Equal(t, 0.0, snap.Free("BTC"))
	assert.Equal(t, 1050.0, snap.Balances["USDT"].Total())
}
