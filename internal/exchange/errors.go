package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies adapter failures for the execution state machine.
// Raw transport errors never cross the adapter boundary; everything is
// folded into one of these three kinds.
type ErrorKind int

const (
	// KindTransient: network timeout, 5xx, rate-limited. Retry with backoff.
	KindTransient ErrorKind = iota
	// KindRejected: insufficient balance, invalid parameters. Terminal, no retry.
	KindRejected
	// KindFatal: bad credentials, disabled API permissions. Terminal, halts the
	// pipeline, requires user action.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Error is the only error type the adapters surface (besides
// ErrOrderNotFound). Code is the venue's own error code when one exists.
type Error struct {
	Kind ErrorKind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func NewTransient(code, msg string) *Error { return &Error{Kind: KindTransient, Code: code, Msg: msg} }
func NewRejected(code, msg string) *Error  { return &Error{Kind: KindRejected, Code: code, Msg: msg} }
func NewFatal(code, msg string) *Error     { return &Error{Kind: KindFatal, Code: code, Msg: msg} }

// ErrOrderNotFound is returned by GetOrderStatus when the venue no longer
// knows the order. Reconciliation treats it as "order gone", not a failure.
var ErrOrderNotFound = errors.New("exchange: order not found")

// KindOf extracts the classification from an adapter error. Unclassified
// errors (context cancellation aside) are treated as Transient so the state
// machine retries instead of wedging.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransient
}

func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }
func IsRejected(err error) bool  { return err != nil && KindOf(err) == KindRejected }
func IsFatal(err error) bool     { return err != nil && KindOf(err) == KindFatal }

// WrapTransport classifies raw HTTP transport failures. Context
// cancellation passes through so shutdown is not misread as a venue error.
func WrapTransport(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return NewTransient("", "request timeout: "+err.Error())
	}
	return NewTransient("", "transport: "+err.Error())
}

// ClassifyStatus maps HTTP status classes that carry no venue error body.
func ClassifyStatus(status int, body string) *Error {
	switch {
	case status == 401 || status == 403:
		return NewFatal(fmt.Sprint(status), "credentials rejected")
	case status == 418 || status == 429:
		return NewTransient(fmt.Sprint(status), "rate limited")
	case status >= 500:
		return NewTransient(fmt.Sprint(status), "server error: "+truncate(body, 200))
	default:
		return NewRejected(fmt.Sprint(status), truncate(body, 200))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
