package klf200

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the gateway client. Callers test them with
// [errors.Is]; most are wrapped with call-specific context.
var (
	// ErrClosed is returned by calls on a connection that has been closed
	// locally or dropped by the gateway.
	ErrClosed = errors.New("klf200: connection closed")

	// ErrInvalidFrame reports a malformed SLIP packet or API frame.
	ErrInvalidFrame = errors.New("klf200: invalid frame")

	// ErrChecksum reports a frame whose trailing CRC byte does not match.
	ErrChecksum = errors.New("klf200: checksum mismatch")

	// ErrLoginFailed is returned when the gateway rejects the password.
	ErrLoginFailed = errors.New("klf200: login failed")

	// ErrCommandRejected is returned when the gateway confirms a command
	// request with a non-accepted status.
	ErrCommandRejected = errors.New("klf200: command rejected")

	// ErrUnknownNode is returned for operations on a node ID that is not
	// in the gateway's node table.
	ErrUnknownNode = errors.New("klf200: unknown node")

	// ErrInvalidPosition is returned for percentages outside 0..100.
	ErrInvalidPosition = errors.New("klf200: invalid position")

	// ErrTimeout is returned when the gateway does not confirm a request
	// within the call timeout.
	ErrTimeout = errors.New("klf200: request timed out")

	// ErrNotConnected is returned when an operation needs a live session.
	ErrNotConnected = errors.New("klf200: not connected")
)

// GatewayError is a GW_ERROR_NTF sent by the gateway in response to a
// request it could not process.
type GatewayError struct {
	Code byte
}

var gatewayErrorText = map[byte]string{
	0:  "not further defined error",
	1:  "unknown command or command not accepted at this state",
	2:  "error on frame structure",
	7:  "busy, try again later",
	8:  "bad system table index",
	12: "not authenticated",
}

func (e *GatewayError) Error() string {
	text, ok := gatewayErrorText[e.Code]
	if !ok {
		text = "unknown error"
	}
	return fmt.Sprintf("klf200: gateway error %d: %s", e.Code, text)
}
