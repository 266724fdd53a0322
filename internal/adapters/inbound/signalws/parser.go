package signalws

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/selftrade/agent/internal/model"
)

// envelope is the outer frame on every stream message.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// signalMessage is the payload of a type:"signal" frame.
type signalMessage struct {
	Pair       string  `json:"pair"`
	Side       string  `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"` // unix seconds at emission
	Signature  string  `json:"signature,omitempty"`
}

type errorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type subscribeMessage struct {
	Type  string   `json:"type"`
	Pairs []string `json:"pairs"`
}

// Validator screens raw signals before they reach sizing. Every drop
// reason is a stable string so rejections can be counted and replayed.
type Validator struct {
	pairs      map[string]bool
	signingKey string
	ttl        time.Duration
	maxDrift   time.Duration
}

func NewValidator(pairs []string, signingKey string, ttl time.Duration) *Validator {
	allowed := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		allowed[strings.ToUpper(p)] = true
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Validator{
		pairs:      allowed,
		signingKey: signingKey,
		ttl:        ttl,
		maxDrift:   5 * time.Second,
	}
}

// Validate converts a raw signal message into a model.Signal, or
// returns the reason it must be dropped.
func (v *Validator) Validate(msg signalMessage, now time.Time) (model.Signal, string) {
	pair := strings.ToUpper(strings.TrimSpace(msg.Pair))
	if pair == "" {
		return model.Signal{}, "missing pair"
	}
	if len(v.pairs) > 0 && !v.pairs[pair] {
		return model.Signal{}, fmt.Sprintf("pair %s not in allow list", pair)
	}

	side, err := model.ParseSide(msg.Side)
	if err != nil {
		return model.Signal{}, err.Error()
	}

	if msg.EntryPrice <= 0 {
		return model.Signal{}, "entry price must be positive"
	}
	if msg.StopLoss <= 0 {
		return model.Signal{}, "stop loss must be positive"
	}
	if side == model.SideBuy && msg.StopLoss >= msg.EntryPrice {
		return model.Signal{}, "stop loss must be below entry for buys"
	}
	if side == model.SideSell && msg.StopLoss <= msg.EntryPrice {
		return model.Signal{}, "stop loss must be above entry for sells"
	}
	if msg.TakeProfit < 0 {
		return model.Signal{}, "take profit must not be negative"
	}

	emitted := time.Unix(msg.Timestamp, 0)
	if age := now.Sub(emitted); age > v.ttl {
		return model.Signal{}, fmt.Sprintf("stale signal: emitted %s ago", age.Truncate(time.Second))
	}
	if drift := emitted.Sub(now); drift > v.maxDrift {
		return model.Signal{}, fmt.Sprintf("signal timestamp %s in the future", drift.Truncate(time.Second))
	}

	if v.signingKey != "" {
		if msg.Signature == "" {
			return model.Signal{}, "missing signature"
		}
		if !verifySignature(v.signingKey, pair, string(side), msg.Timestamp, msg.Signature) {
			return model.Signal{}, "bad signature"
		}
	}

	sig := model.Signal{
		Pair:       pair,
		Side:       side,
		EntryPrice: msg.EntryPrice,
		StopLoss:   msg.StopLoss,
		TakeProfit: msg.TakeProfit,
		Confidence: msg.Confidence,
		EmittedAt:  emitted,
		ReceivedAt: now,
	}
	sig.ID = sig.DeriveID()
	return sig, ""
}

// verifySignature checks the HMAC-SHA256 over "pair|side|timestamp".
func verifySignature(key, pair, side string, ts int64, signature string) bool {
	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "%s|%s|%d", pair, side, ts)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
