// Package model holds the data types shared across the signal-to-order
// pipeline: signals, account snapshots, order intents, and execution records.
package model

import (
	"fmt"
	"strings"
	"time"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes the side variants the upstream feed emits
// (long/short/buy/sell, any case).
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return SideBuy, nil
	case "sell", "short":
		return SideSell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Signal is a directional trade recommendation pushed from the upstream
// service. Immutable once received; identity is ID.
type Signal struct {
	ID         string
	Pair       string // "BTCUSDT"
	Side       Side
	EntryPrice float64
	StopLoss   float64 // 0 when the feed sends no stop hint
	TakeProfit float64
	Confidence float64
	EmittedAt  time.Time
	ReceivedAt time.Time
}

// DeriveID builds a dedup identity for feeds that omit a server-assigned id.
// Redelivered copies of the same signal collapse to the same key.
func (s Signal) DeriveID() string {
	return fmt.Sprintf("%s|%s|%d", s.Pair, s.Side, s.EmittedAt.Unix())
}

type Balance struct {
	Free   float64
	Locked float64
}

func (b Balance) Total() float64 { return b.Free + b.Locked }

// AccountSnapshot is an ephemeral view of account state, refreshed before
// each sizing decision and never trusted past its staleness window.
type AccountSnapshot struct {
	Exchange string
	Balances map[string]Balance
	TakenAt  time.Time
}

func (a AccountSnapshot) Free(asset string) float64 {
	return a.Balances[asset].Free
}

func (a AccountSnapshot) Age() time.Duration {
	return time.Since(a.TakenAt)
}

type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// OrderIntent is the sized, exchange-ready order derived from exactly one
// signal. Immutable after creation; quantity is derived, never edited.
type OrderIntent struct {
	ID        string // uuid, doubles as the client order reference
	SignalID  string
	Pair      string
	Side      Side
	Qty       float64
	Price     float64 // 0 for market
	Type      OrderType
	StopLoss  float64
	RiskPct   float64
	CreatedAt time.Time
}

// OrderState is the execution state machine's state set.
// Created → Submitting → Open → {Filled, PartiallyFilled→Filled, Rejected,
// Cancelled} → Closed. Closed is terminal and immutable.
type OrderState string

const (
	StateCreated         OrderState = "CREATED"
	StateSubmitting      OrderState = "SUBMITTING"
	StateOpen            OrderState = "OPEN"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateRejected        OrderState = "REJECTED"
	StateCancelled       OrderState = "CANCELLED"
	StateClosed          OrderState = "CLOSED"
)

// Outcome reports whether the state is a pre-close outcome (fill/reject/cancel).
func (s OrderState) Outcome() bool {
	return s == StateFilled || s == StateRejected || s == StateCancelled
}

func (s OrderState) Terminal() bool { return s == StateClosed }

// ExecutionRecord is the lifecycle record of one intent's submission.
// Owned by the order state machine; persisted on every transition.
type ExecutionRecord struct {
	IntentID        string
	ExchangeOrderID string
	State           OrderState
	Attempts        int
	LastCode        string
	Result          string // terminal reason, e.g. "FILLED", "MaxRetriesExceeded"
	UpdatedAt       time.Time
}

// quote assets recognized when splitting a concatenated pair symbol,
// longest first.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"}

// SplitPair splits "BTCUSDT" into ("BTC", "USDT"). Symbols with an
// unrecognized quote come back with an empty quote.
func SplitPair(pair string) (base, quote string) {
	p := strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
	for _, q := range quoteAssets {
		if strings.HasSuffix(p, q) && len(p) > len(q) {
			return p[:len(p)-len(q)], q
		}
	}
	return p, ""
}
