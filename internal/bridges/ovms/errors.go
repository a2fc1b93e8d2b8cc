package ovms

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/nerrad567/ovms-bridge/internal/infrastructure/mqtt"
)

// Domain errors for the OVMS bridge package.
var (
	// ErrNotConnected is returned when an operation needs the broker but
	// the session is not connected.
	ErrNotConnected = errors.New("ovms: not connected to MQTT broker")

	// ErrRateLimited is returned when the command rate limiter refuses a call.
	ErrRateLimited = errors.New("ovms: rate limit exceeded")

	// ErrCommandTimeout is returned when no response arrives for a command.
	ErrCommandTimeout = errors.New("ovms: command timed out")

	// ErrShuttingDown is returned for operations attempted during shutdown.
	ErrShuttingDown = errors.New("ovms: session shutting down")

	// ErrReconnectExhausted is reported once the reconnect ceiling is passed.
	ErrReconnectExhausted = errors.New("ovms: reconnect attempts exhausted")

	// ErrInvalidCommand is returned for an empty command string.
	ErrInvalidCommand = errors.New("ovms: invalid command")
)

// Kind classifies boundary failures so callers can pick a remedy.
type Kind string

// Failure kinds.
const (
	// KindCannotConnect covers transport, auth and TLS failures.
	KindCannotConnect Kind = "cannot_connect"

	// KindTimeout covers a missing connect acknowledgement or command response.
	KindTimeout Kind = "timeout"

	// KindUnknown is everything else.
	KindUnknown Kind = "unknown"
)

// Error is the typed failure returned from the engine's boundary operations.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Debug   map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ovms %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("ovms %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds an *Error, deriving the kind from err.
func newError(op, message string, err error) *Error {
	return &Error{
		Kind:    KindOf(err),
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// KindOf classifies any error into one of the failure kinds.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var e *Error
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}

	switch {
	case errors.Is(err, ErrCommandTimeout),
		errors.Is(err, mqtt.ErrConnectTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, mqtt.ErrConnectionFailed),
		errors.Is(err, mqtt.ErrNotConnected),
		errors.Is(err, ErrNotConnected):
		return KindCannotConnect
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindCannotConnect
	}

	return KindUnknown
}

// asConnectError extracts the transport's connect failure from err.
func asConnectError(err error) (*mqtt.ConnectError, bool) {
	var ce *mqtt.ConnectError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// connectFailure builds the *Error for a failed broker connect. A connect
// failure that is not a timeout is treated as cannot_connect.
func connectFailure(op string, err error, debug map[string]any) *Error {
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindCannotConnect
	}
	msg := "Failed to connect to MQTT broker"
	if ce, ok := asConnectError(err); ok && ce.Rejected() {
		msg = fmt.Sprintf("Failed to connect to MQTT broker (rc=%d)", ce.ReturnCode)
		if debug == nil {
			debug = map[string]any{}
		}
		debug["return_code"] = int(ce.ReturnCode)
		kind = KindCannotConnect
	}
	return &Error{Kind: kind, Op: op, Message: msg, Debug: debug, Err: err}
}
