package hl7

import (
	"errors"
	"fmt"
)

// ErrIncomplete is returned by Decode when the buffer holds the beginning of
// a frame but not yet its end.
var ErrIncomplete = errors.New("mllp: incomplete frame")

// FramingError reports a malformed or truncated MLLP frame. The stream can no
// longer be trusted after one, so the connection is dropped without a reply.
type FramingError struct {
	Reason string
	Offset int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("mllp: framing error at byte %d: %s", e.Offset, e.Reason)
}

// ParseError reports a decoded payload that is not a well-formed message.
// ControlID holds MSH-10 when it could be salvaged from the raw text.
type ParseError struct {
	Reason    string
	ControlID string
}

func (e *ParseError) Error() string {
	return "hl7: parse error: " + e.Reason
}

// UnsupportedTypeError is returned by routing when no handler is registered
// for a message type/trigger pair.
type UnsupportedTypeError struct {
	Type    string
	Trigger string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported message type: %s^%s", e.Type, e.Trigger)
}

// ConnectError reports a failed outbound delivery. Op is one of "resolve",
// "dial" or "write".
type ConnectError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mllp: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
