// Package sizing turns an accepted signal plus an account snapshot into
// an order intent, or a typed rejection explaining why no order should
// be placed. Sizing does no I/O: the quantity it computes depends only
// on its inputs; only the intent id and CreatedAt stamp differ between
// calls.
package sizing

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/selftrade/agent/internal/config"
	"github.com/selftrade/agent/internal/model"
)

// RejectReason is the machine-readable cause carried by a Rejection.
type RejectReason string

const (
	ReasonBelowMinimumSize      RejectReason = "BELOW_MINIMUM_SIZE"
	ReasonInsufficientFunds     RejectReason = "INSUFFICIENT_FUNDS"
	ReasonUnsupportedInstrument RejectReason = "UNSUPPORTED_INSTRUMENT"
)

// Rejection is a sizing outcome that intentionally places no order.
// It is not a transport or venue failure, so it is its own type rather
// than an exchange error.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("sizing rejected: %s (%s)", r.Reason, r.Detail)
}

type Engine struct {
	exchange       string
	limits         config.ExchangeLimits
	riskPct        float64
	maxPositionPct float64
}

func NewEngine(exchange string, limits config.ExchangeLimits, riskPct, maxPositionPct float64) *Engine {
	if riskPct <= 0 {
		riskPct = 1.0
	}
	if riskPct > 10 {
		riskPct = 10
	}
	return &Engine{
		exchange:       exchange,
		limits:         limits,
		riskPct:        riskPct,
		maxPositionPct: maxPositionPct,
	}
}

// Size computes the order intent for a signal given the current account
// snapshot and a reference price from the venue's ticker. The returned
// error is a *Rejection for policy outcomes; it never performs I/O.
func (e *Engine) Size(sig model.Signal, snap model.AccountSnapshot, refPrice float64) (model.OrderIntent, error) {
	if refPrice <= 0 {
		return model.OrderIntent{}, &Rejection{
			Reason: ReasonUnsupportedInstrument,
			Detail: fmt.Sprintf("no reference price for %s", sig.Pair),
		}
	}

	limits, ok := e.limits.Symbol(e.exchange, sig.Pair)
	if !ok {
		return model.OrderIntent{}, &Rejection{
			Reason: ReasonUnsupportedInstrument,
			Detail: fmt.Sprintf("%s is not tradeable on %s", sig.Pair, e.exchange),
		}
	}

	base, quote := model.SplitPair(sig.Pair)
	if quote == "" {
		return model.OrderIntent{}, &Rejection{
			Reason: ReasonUnsupportedInstrument,
			Detail: fmt.Sprintf("cannot split pair %q", sig.Pair),
		}
	}

	// Buys spend the quote asset; sells spend the base asset already held.
	var notional float64
	switch sig.Side {
	case model.SideBuy:
		free := snap.Free(quote)
		if free <= 0 {
			return model.OrderIntent{}, &Rejection{
				Reason: ReasonInsufficientFunds,
				Detail: fmt.Sprintf("no free %s to spend", quote),
			}
		}
		notional = free * e.riskPct / 100
		if ceiling := free * e.maxPositionPct / 100; notional > ceiling {
			notional = ceiling
		}
	case model.SideSell:
		freeBase := snap.Free(base)
		held := freeBase * refPrice
		notional = held * e.riskPct / 100
		if ceiling := held * e.maxPositionPct / 100; notional > ceiling {
			notional = ceiling
		}
		if freeBase <= 0 {
			return model.OrderIntent{}, &Rejection{
				Reason: ReasonInsufficientFunds,
				Detail: fmt.Sprintf("no free %s to sell", base),
			}
		}
	default:
		return model.OrderIntent{}, &Rejection{
			Reason: ReasonUnsupportedInstrument,
			Detail: fmt.Sprintf("unknown side %q", sig.Side),
		}
	}

	qty := floorToStep(notional/refPrice, limits.LotStep, limits.QtyPrecision)
	if qty <= 0 || (limits.MinQty > 0 && qty < limits.MinQty) {
		return model.OrderIntent{}, &Rejection{
			Reason: ReasonBelowMinimumSize,
			Detail: fmt.Sprintf("qty %.8f below minimum %.8f for %s", qty, limits.MinQty, sig.Pair),
		}
	}
	if limits.MinNotional > 0 && qty*refPrice < limits.MinNotional {
		return model.OrderIntent{}, &Rejection{
			Reason: ReasonBelowMinimumSize,
			Detail: fmt.Sprintf("notional %.2f below minimum %.2f for %s", qty*refPrice, limits.MinNotional, sig.Pair),
		}
	}

	return model.OrderIntent{
		ID:        uuid.NewString(),
		SignalID:  sig.ID,
		Pair:      sig.Pair,
		Side:      sig.Side,
		Qty:       qty,
		Type:      model.OrderTypeMarket,
		StopLoss:  sig.StopLoss,
		RiskPct:   e.riskPct,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// floorToStep rounds qty down to the venue's lot step, then truncates to
// the venue's quantity precision so the formatted value never exceeds it.
// The epsilon keeps an exact multiple of the step from flooring one step
// low after float division.
func floorToStep(qty, step float64, precision int) float64 {
	const eps = 1e-9
	if step > 0 {
		qty = math.Floor(qty/step+eps) * step
	}
	if precision >= 0 {
		scale := math.Pow10(precision)
		qty = math.Floor(qty*scale+eps) / scale
	}
	if qty < 0 {
		return 0
	}
	return qty
}
