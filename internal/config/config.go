package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Exchange account
	Exchange  string // "binance", "mexc", "bybit"
	APIKey    string
	APISecret string

	// Per-venue base URL overrides (defaults live in the venue clients)
	BinanceBaseURL string
	MexcBaseURL    string
	BybitBaseURL   string
	RecvWindowMs   int

	// Signal feed
	SignalWSURL      string
	SignalAPIKey     string
	SignalSigningKey string // optional HMAC key for payload signatures
	Pairs            []string

	// Risk
	RiskPct        float64
	MaxPositionPct float64
	AutoTrade      bool
	LimitsPath     string

	// Timing
	SignalTTL         time.Duration
	SnapshotTTL       time.Duration
	ReconcileInterval time.Duration
	ShutdownGrace     time.Duration
	MaxSubmitAttempts int

	// Storage
	LedgerPath string

	// Presentation fan-out
	FanoutAddr string

	// Telemetry
	LogLevel string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Exchange:  strings.ToLower(envStr("EXCHANGE", "binance")),
		APIKey:    envStr("EXCHANGE_API_KEY", ""),
		APISecret: envStr("EXCHANGE_API_SECRET", ""),

		BinanceBaseURL: envStr("BINANCE_BASE_URL", ""),
		MexcBaseURL:    envStr("MEXC_BASE_URL", ""),
		BybitBaseURL:   envStr("BYBIT_BASE_URL", ""),
		RecvWindowMs:   envInt("RECV_WINDOW_MS", 5000),

		SignalWSURL:      envStr("SIGNAL_WS_URL", "wss://www.selftrade.site/ws/signals"),
		SignalAPIKey:     envStr("SIGNAL_API_KEY", ""),
		SignalSigningKey: envStr("SIGNAL_SIGNING_KEY", ""),
		Pairs:            envList("PAIRS", defaultPairs),

		RiskPct:        envFloat("RISK_PCT", 1.0),
		MaxPositionPct: envFloat("MAX_POSITION_PCT", 25.0),
		AutoTrade:      envStr("AUTO_TRADE", "true") == "true",
		LimitsPath:     envStr("EXCHANGE_LIMITS_PATH", "internal/config/exchange_limits.yaml"),

		// Signals older than the TTL are stale by the time they arrive
		// and must never reach sizing.
		SignalTTL:         time.Duration(envInt("SIGNAL_TTL_SEC", 30)) * time.Second,
		SnapshotTTL:       time.Duration(envInt("SNAPSHOT_TTL_SEC", 5)) * time.Second,
		ReconcileInterval: time.Duration(envInt("RECONCILE_INTERVAL_SEC", 2)) * time.Second,
		ShutdownGrace:     time.Duration(envInt("SHUTDOWN_GRACE_SEC", 10)) * time.Second,
		MaxSubmitAttempts: envInt("MAX_SUBMIT_ATTEMPTS", 5),

		LedgerPath: envStr("LEDGER_PATH", "data/ledger.db"),

		FanoutAddr: envStr("FANOUT_ADDR", "127.0.0.1:8788"),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

// High-liquidity pairs available on all three supported venues.
var defaultPairs = []string{
	"BTCUSDT", "ETHUSDT", "XRPUSDT", "SOLUSDT", "DOGEUSDT", "ADAUSDT",
	"AVAXUSDT", "LINKUSDT", "LTCUSDT", "TRXUSDT", "NEARUSDT", "APTUSDT",
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
