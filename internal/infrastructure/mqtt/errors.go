package mqtt

import (
	"errors"
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when a connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrConnectTimeout is returned when no CONNACK arrives within the connect timeout.
	ErrConnectTimeout = errors.New("mqtt: timed out waiting for connection")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrUnsubscribeFailed is returned when an unsubscribe operation fails.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when a topic is empty or malformed.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)

// ConnectError describes a failed connection attempt.
//
// ReturnCode carries the CONNACK return code. Codes 1..5 mean the broker
// answered and refused the connection; anything else is a transport failure
// where no broker verdict exists.
type ConnectError struct {
	ReturnCode byte
	Err        error
}

func (e *ConnectError) Error() string {
	if e.Rejected() {
		return fmt.Sprintf("mqtt: broker refused connection (rc=%d %s): %v",
			e.ReturnCode, packets.ConnackReturnCodes[e.ReturnCode], e.Err)
	}
	return fmt.Sprintf("mqtt: connection failed: %v", e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectionFailed, e.Err}
}

// Rejected reports whether the broker itself refused the connection.
func (e *ConnectError) Rejected() bool {
	return e.ReturnCode >= packets.ErrRefusedBadProtocolVersion &&
		e.ReturnCode <= packets.ErrRefusedNotAuthorised
}
