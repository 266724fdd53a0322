// Package signalws consumes the upstream trade-signal WebSocket feed,
// validates and deduplicates each signal, and hands accepted signals to
// the pipeline.
package signalws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/selftrade/agent/internal/events"
	"github.com/selftrade/agent/internal/ledger"
	"github.com/selftrade/agent/internal/model"
	"github.com/selftrade/agent/internal/telemetry"
)

const (
	minBackoff  = 1 * time.Second
	maxBackoff  = 60 * time.Second
	readTimeout = 90 * time.Second
)

// ErrUnauthorized means the feed rejected our credentials or the
// subscription lapsed. Reconnecting cannot fix it.
var ErrUnauthorized = errors.New("signalws: unauthorized")

type Client struct {
	url       string
	apiKey    string
	pairs     []string
	validator *Validator
	store     *ledger.Store
	bus       *events.Bus
	out       chan<- model.Signal
}

func NewClient(url, apiKey string, pairs []string, validator *Validator, store *ledger.Store, bus *events.Bus, out chan<- model.Signal) *Client {
	return &Client{
		url:       url,
		apiKey:    apiKey,
		pairs:     pairs,
		validator: validator,
		store:     store,
		bus:       bus,
		out:       out,
	}
}

// Run connects to the feed and reconnects on failure with jittered
// exponential backoff. Blocks until ctx is cancelled or the feed
// rejects the credentials.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		connStart := time.Now()
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			c.publishStatus(false, err.Error())
			return err
		}

		// A connection that held for a while resets the backoff ladder.
		if time.Since(connStart) > time.Minute {
			attempt = 0
		}
		attempt++
		telemetry.Metrics.StreamReconnects.Inc()
		c.publishStatus(false, errString(err))

		backoff := time.Duration(float64(minBackoff) * math.Pow(2, float64(min(attempt-1, 6))))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		// ±50% jitter so a fleet of agents doesn't reconnect in lockstep.
		backoff = backoff/2 + time.Duration(rand.Int63n(int64(backoff)))

		telemetry.Warnf("signalws: connection lost (attempt %d): %v, retrying in %s", attempt, err, backoff.Truncate(time.Millisecond))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-API-Key", c.apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Reset deadline on server pings so quiet periods don't trigger a timeout.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	if err := conn.WriteJSON(subscribeMessage{Type: "subscribe", Pairs: c.pairs}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	telemetry.Infof("signalws: connected to %s (%d pairs)", c.url, len(c.pairs))
	c.publishStatus(true, "")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			telemetry.Warnf("signalws: unmarshal envelope: %v", err)
			continue
		}

		switch env.Type {
		case "signal":
			c.handleSignal(env.Data)
		case "heartbeat", "subscribed":
			// keepalive and subscription acks carry no state
		case "unauthorized":
			return fmt.Errorf("%w: server notice", ErrUnauthorized)
		case "error":
			var em errorMessage
			if json.Unmarshal(env.Data, &em) == nil && em.Code == "subscription_expired" {
				return fmt.Errorf("%w: %s", ErrUnauthorized, em.Message)
			}
			telemetry.Warnf("signalws: server error: %s", string(env.Data))
		default:
			telemetry.Debugf("signalws: unknown message type %q", env.Type)
		}
	}
}

func (c *Client) handleSignal(data json.RawMessage) {
	telemetry.Metrics.SignalsReceived.Inc()

	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		telemetry.Metrics.SignalsInvalid.Inc()
		telemetry.Warnf("signalws: parse signal: %v", err)
		return
	}

	now := time.Now().UTC()
	sig, reason := c.validator.Validate(msg, now)
	if reason != "" {
		telemetry.Metrics.SignalsInvalid.Inc()
		telemetry.Warnf("signalws: dropping signal %s/%s: %s", strings.ToUpper(msg.Pair), msg.Side, reason)
		c.publishSignal(events.EventSignalRejected, sig, reason)
		return
	}

	seen, err := c.store.SeenSignal(sig.ID)
	if err != nil {
		telemetry.Errorf("signalws: dedup lookup %s: %v", sig.ID, err)
		return
	}
	if seen {
		telemetry.Metrics.SignalsDuplicate.Inc()
		telemetry.Debugf("signalws: duplicate signal %s, dropping", sig.ID)
		return
	}
	if err := c.store.RecordSignal(sig); err != nil {
		telemetry.Errorf("signalws: record signal %s: %v", sig.ID, err)
		return
	}

	telemetry.Metrics.SignalE2ELatency.Record(now.Sub(sig.EmittedAt))
	telemetry.Infof("signalws: signal %s %s @ %.8f (sl %.8f, confidence %.2f)",
		sig.Side, sig.Pair, sig.EntryPrice, sig.StopLoss, sig.Confidence)
	c.publishSignal(events.EventSignalReceived, sig, "")

	c.out <- sig
}

func (c *Client) publishSignal(t events.EventType, sig model.Signal, reason string) {
	c.bus.Publish(events.Event{
		ID:        sig.ID,
		Type:      t,
		Pair:      sig.Pair,
		Timestamp: time.Now().UTC(),
		Payload:   events.SignalEvent{Signal: sig, Reason: reason},
	})
}

func (c *Client) publishStatus(connected bool, errMsg string) {
	c.bus.Publish(events.Event{
		Type:      events.EventStreamStatus,
		Timestamp: time.Now().UTC(),
		Payload:   events.StreamStatusEvent{Connected: connected, Error: errMsg},
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
