// Package exchange defines the uniform trading capability surface the
// pipeline talks to, with one implementation per venue. Adapters own
// signing, rate limiting, clock sync, and the normalization of venue
// responses into this package's types.
package exchange

import (
	"context"
	"time"

	"github.com/selftrade/agent/internal/model"
)

// OrderStatus is the normalized venue-side order status.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

// OrderRequest is a normalized order submission. ClientOrderID is the
// idempotency key: retried submissions reuse it, and adapters surface the
// venue's duplicate-reference response as the existing order, not an error.
type OrderRequest struct {
	Symbol        string
	Side          model.Side
	Type          model.OrderType
	Qty           float64
	Price         float64 // limit price; 0 for market
	StopPrice     float64 // trigger for STOP_LIMIT
	ClientOrderID string
}

// Order is the normalized view of a venue order.
type Order struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            model.Side
	Status          OrderStatus
	Qty             float64
	FilledQty       float64
	Price           float64
	UpdatedAt       time.Time
}

// Ticker is a top-of-book snapshot.
type Ticker struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
}

// SpreadPct returns the bid/ask spread as a percentage of the bid.
func (t Ticker) SpreadPct() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	return (t.Ask - t.Bid) / t.Bid * 100
}

// Exchange is the per-venue capability surface. All calls block on the
// adapter's local rate budget before dispatch and return classified errors
// only (see errors.go).
type Exchange interface {
	Name() string

	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	// GetOrderStatus looks an order up by its client order reference.
	// Returns ErrOrderNotFound when the venue no longer knows it.
	GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (Order, error)
	GetBalance(ctx context.Context) (map[string]model.Balance, error)
	Ticker(ctx context.Context, symbol string) (Ticker, error)
}
