package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/selftrade/agent/internal/config"
	"github.com/selftrade/agent/internal/core/pipeline"
	"github.com/selftrade/agent/internal/events"
	"github.com/selftrade/agent/internal/exchange"
	"github.com/selftrade/agent/internal/exchange/binance"
	"github.com/selftrade/agent/internal/exchange/bybit"
	"github.com/selftrade/agent/internal/exchange/mexc"
	"github.com/selftrade/agent/internal/fanout"
	"github.com/selftrade/agent/internal/ledger"
	"github.com/selftrade/agent/internal/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Init(telemetry.ParseLogLevel(cfg.LogLevel))
	telemetry.Infof("Starting agent  exchange=%s  pairs=%d", cfg.Exchange, len(cfg.Pairs))

	if cfg.APIKey == "" || cfg.APISecret == "" {
		telemetry.Errorf("Exchange credentials missing: set EXCHANGE_API_KEY and EXCHANGE_API_SECRET in .env")
		os.Exit(1)
	}

	limits, err := config.LoadExchangeLimits(cfg.LimitsPath)
	if err != nil {
		telemetry.Errorf("Failed to load exchange limits: %v", err)
		os.Exit(1)
	}

	store, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		telemetry.Errorf("Failed to open ledger: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	ex, err := buildExchange(cfg, limits)
	if err != nil {
		telemetry.Errorf("%v", err)
		os.Exit(1)
	}

	bus := events.NewBus()

	fanoutSrv := fanout.NewServer(bus)
	if cfg.FanoutAddr != "" {
		go func() {
			if err := fanoutSrv.ListenAndServe(cfg.FanoutAddr); err != nil {
				telemetry.Warnf("Fanout server: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := pipeline.New(*cfg, ex, store, bus, limits)
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		telemetry.Infof("Shutting down...")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil && ctx.Err() == nil {
			telemetry.Errorf("Pipeline stopped: %v", err)
		}
		cancel()
	}

	telemetry.Infof("Shutdown complete  signals=%d  dup=%d  invalid=%d  intents=%d  filled=%d  rejected=%d",
		telemetry.Metrics.SignalsReceived.Value(),
		telemetry.Metrics.SignalsDuplicate.Value(),
		telemetry.Metrics.SignalsInvalid.Value(),
		telemetry.Metrics.IntentsCreated.Value(),
		telemetry.Metrics.OrdersFilled.Value(),
		telemetry.Metrics.OrdersRejected.Value(),
	)
}

func buildExchange(cfg *config.Config, limits config.ExchangeLimits) (exchange.Exchange, error) {
	budget := exchange.DefaultBudget
	if vl, ok := limits.Venue(cfg.Exchange); ok && vl.ReadRPS > 0 {
		budget = exchange.RateBudget{ReadRPS: vl.ReadRPS, WriteRPS: vl.WriteRPS, Burst: vl.Burst}
	}

	switch cfg.Exchange {
	case "binance":
		return binance.NewClient(cfg.BinanceBaseURL, cfg.APIKey, cfg.APISecret, budget, cfg.RecvWindowMs), nil
	case "mexc":
		return mexc.NewClient(cfg.MexcBaseURL, cfg.APIKey, cfg.APISecret, budget, cfg.RecvWindowMs), nil
	case "bybit":
		return bybit.NewClient(cfg.BybitBaseURL, cfg.APIKey, cfg.APISecret, budget, cfg.RecvWindowMs), nil
	}
	return nil, exchange.NewFatal("", "unknown exchange "+cfg.Exchange)
}
