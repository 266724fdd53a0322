// Package pipeline wires the signal stream, sizing engine, ledger and
// execution state machine into one per-account processing loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/selftrade/agent/internal/adapters/inbound/signalws"
	"github.com/selftrade/agent/internal/config"
	"github.com/selftrade/agent/internal/core/orders"
	"github.com/selftrade/agent/internal/core/sizing"
	"github.com/selftrade/agent/internal/core/snapshot"
	"github.com/selftrade/agent/internal/events"
	"github.com/selftrade/agent/internal/exchange"
	"github.com/selftrade/agent/internal/ledger"
	"github.com/selftrade/agent/internal/model"
	"github.com/selftrade/agent/internal/telemetry"
)

// priceMismatchPct drops signals whose entry price has drifted too far
// from the venue's current price by the time they arrive.
const priceMismatchPct = 1.5

// stopSlipPct offsets the protective stop's limit price through the
// stop so it executes once triggered.
const stopSlipPct = 0.005

const signalBuf = 64

type Pipeline struct {
	cfg     config.Config
	ex      exchange.Exchange
	store   *ledger.Store
	bus     *events.Bus
	cache   *snapshot.Cache
	engine  *sizing.Engine
	machine *orders.Machine
	stream  *signalws.Client
	signals chan model.Signal
	fatal   chan error

	wg sync.WaitGroup
}

func New(cfg config.Config, ex exchange.Exchange, store *ledger.Store, bus *events.Bus, limits config.ExchangeLimits) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		ex:      ex,
		store:   store,
		bus:     bus,
		cache:   snapshot.NewCache(ex, cfg.SnapshotTTL),
		engine:  sizing.NewEngine(ex.Name(), limits, cfg.RiskPct, cfg.MaxPositionPct),
		signals: make(chan model.Signal, signalBuf),
		fatal:   make(chan error, 1),
	}
	p.machine = orders.NewMachine(ex, store, bus, cfg.MaxSubmitAttempts, cfg.ReconcileInterval)
	p.machine.OnFilled(p.afterFill)
	p.machine.OnFatal(p.reportFatal)

	validator := signalws.NewValidator(cfg.Pairs, cfg.SignalSigningKey, cfg.SignalTTL)
	p.stream = signalws.NewClient(cfg.SignalWSURL, cfg.SignalAPIKey, cfg.Pairs, validator, store, bus, p.signals)
	return p
}

// Run blocks until ctx is cancelled or the signal feed fails fatally.
// Open executions from a previous run are reconciled before any new
// signal is accepted.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.machine.ReconcileOpen(ctx); err != nil {
		return fmt.Errorf("reconcile open executions: %w", err)
	}

	streamErr := make(chan error, 1)
	go func() { streamErr <- p.stream.Run(ctx) }()

	telemetry.Infof("pipeline: running on %s (%d pairs, auto_trade=%v)", p.ex.Name(), len(p.cfg.Pairs), p.cfg.AutoTrade)

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case err := <-streamErr:
			if errors.Is(err, signalws.ErrUnauthorized) {
				telemetry.Errorf("pipeline: signal feed rejected credentials, stopping: %v", err)
				p.drain()
				return err
			}
			if ctx.Err() != nil {
				p.drain()
				return ctx.Err()
			}
			return err
		case err := <-p.fatal:
			telemetry.Errorf("pipeline: unrecoverable venue error, stopping: %v", err)
			p.drain()
			return err
		case sig := <-p.signals:
			p.handle(ctx, sig)
		}
	}
}

// reportFatal hands a fatal venue error to Run. Only the first one
// matters; later ones from in-flight orders are dropped.
func (p *Pipeline) reportFatal(err error) {
	select {
	case p.fatal <- err:
	default:
	}
}

// drain waits for in-flight order goroutines, bounded by the configured
// shutdown grace. Orders still open afterwards are recovered by the
// next run's reconcile pass.
func (p *Pipeline) drain() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		telemetry.Warnf("pipeline: shutdown grace %s elapsed with orders in flight", p.cfg.ShutdownGrace)
	}
}

func (p *Pipeline) handle(ctx context.Context, sig model.Signal) {
	ticker, err := p.ex.Ticker(ctx, sig.Pair)
	if err != nil {
		telemetry.Errorf("pipeline: ticker %s: %v", sig.Pair, err)
		p.rejectIntent(sig, "NoReferencePrice: "+err.Error())
		return
	}
	ref := ticker.Last
	if ref <= 0 {
		ref = (ticker.Bid + ticker.Ask) / 2
	}

	// The signal was priced at emission time; if the market has moved
	// past the guard band the edge is gone.
	if drift := math.Abs(ref-sig.EntryPrice) / sig.EntryPrice * 100; drift > priceMismatchPct {
		telemetry.Warnf("pipeline: %s price drifted %.2f%% from signal entry (%.8f vs %.8f), dropping",
			sig.Pair, drift, ref, sig.EntryPrice)
		p.rejectIntent(sig, fmt.Sprintf("PriceMismatch: %.2f%%", drift))
		return
	}

	snap, err := p.cache.Get(ctx)
	if err != nil {
		telemetry.Errorf("pipeline: balance snapshot: %v", err)
		p.rejectIntent(sig, "NoBalanceSnapshot: "+err.Error())
		return
	}

	intent, err := p.engine.Size(sig, snap, ref)
	if err != nil {
		var rej *sizing.Rejection
		if errors.As(err, &rej) {
			telemetry.Infof("pipeline: signal %s not sized: %s (%s)", sig.ID, rej.Reason, rej.Detail)
			p.rejectIntent(sig, string(rej.Reason))
		} else {
			telemetry.Errorf("pipeline: size %s: %v", sig.ID, err)
			p.rejectIntent(sig, err.Error())
		}
		return
	}

	if !p.cfg.AutoTrade {
		telemetry.Infof("pipeline: auto trade disabled, would %s %.8f %s (signal %s)",
			intent.Side, intent.Qty, intent.Pair, sig.ID)
		p.rejectIntent(sig, "AutoTradeDisabled")
		return
	}

	// Intent and its Created execution reach the ledger before the
	// venue sees anything.
	if err := p.store.CreateIntent(intent); err != nil {
		if errors.Is(err, ledger.ErrDuplicateSignal) {
			telemetry.Warnf("pipeline: signal %s already has an intent, dropping", sig.ID)
			return
		}
		telemetry.Errorf("pipeline: persist intent %s: %v", intent.ID, err)
		return
	}
	telemetry.Metrics.IntentsCreated.Inc()
	p.bus.Publish(events.Event{
		ID:        intent.ID,
		Type:      events.EventIntentCreated,
		Exchange:  p.ex.Name(),
		Pair:      intent.Pair,
		Timestamp: time.Now().UTC(),
		Payload:   events.IntentEvent{SignalID: sig.ID, Intent: intent},
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.machine.Execute(ctx, intent)
	}()
}

func (p *Pipeline) rejectIntent(sig model.Signal, reason string) {
	telemetry.Metrics.IntentsRejected.Inc()
	p.bus.Publish(events.Event{
		ID:        sig.ID,
		Type:      events.EventIntentRejected,
		Exchange:  p.ex.Name(),
		Pair:      sig.Pair,
		Timestamp: time.Now().UTC(),
		Payload:   events.IntentEvent{SignalID: sig.ID, Reason: reason},
	})
}

// afterFill runs once per filled order: the balance snapshot is stale
// by definition, and a stop-loss hint becomes a protective stop-limit
// order. The stop is best-effort; a rejection is logged, never retried.
func (p *Pipeline) afterFill(ctx context.Context, intent model.OrderIntent, ord exchange.Order) {
	p.cache.Invalidate()

	if intent.StopLoss <= 0 || ord.FilledQty <= 0 {
		return
	}

	stopID := intent.ID + "-sl"

	// Reconciliation can refire the fill hook after a restart. An
	// existing stop is cancelled and replaced so the qty matches the
	// final fill.
	if prev, err := p.ex.GetOrderStatus(ctx, intent.Pair, stopID); err == nil && !prev.Status.Terminal() {
		if prev.Qty == ord.FilledQty {
			return
		}
		if err := p.ex.CancelOrder(ctx, intent.Pair, prev.ExchangeOrderID); err != nil {
			telemetry.Warnf("pipeline: cancel stale stop %s: %v", prev.ExchangeOrderID, err)
			return
		}
	}

	limit := intent.StopLoss * (1 - stopSlipPct)
	if intent.Side == model.SideSell {
		limit = intent.StopLoss * (1 + stopSlipPct)
	}
	req := exchange.OrderRequest{
		Symbol:        intent.Pair,
		Side:          intent.Side.Opposite(),
		Type:          model.OrderTypeStopLimit,
		Qty:           ord.FilledQty,
		Price:         limit,
		StopPrice:     intent.StopLoss,
		ClientOrderID: stopID,
	}
	stop, err := p.ex.PlaceOrder(ctx, req)
	if err != nil {
		telemetry.Warnf("pipeline: protective stop for %s not placed: %v", intent.ID, err)
		return
	}
	telemetry.Infof("pipeline: protective stop %s placed for %s @ %.8f (trigger %.8f)",
		stop.ExchangeOrderID, intent.Pair, limit, intent.StopLoss)
}
