// Package rpcerr defines the stable, numeric error taxonomy shared by every
// core component. No code in this taxonomy terminates the process; recovery
// is always local to the call that produced it.
package rpcerr

import "fmt"

// Code is a stable negative error code carried across the wire inside an
// RpcException and used locally for dispositions that never reach the wire.
type Code int32

const (
	// InvalidParam is returned locally; it never has a wire effect.
	InvalidParam Code = -1000 - iota
	// DecodeFailed means the inbound message was dropped; the connection is
	// left open.
	DecodeFailed
	// EncodeFailed means a request or response could not be serialized and
	// was dropped.
	EncodeFailed
	// SendFailed is returned to the caller; connection state is unchanged.
	SendFailed
	// SessionNotFound means a late reply arrived after its session was gone;
	// it is dropped silently from the caller's perspective (logged locally).
	SessionNotFound
	// RequestTimeout is surfaced to the client's response callback.
	RequestTimeout
	// ProcessTimeout is surfaced to stats; the server-side callback becomes
	// a no-op after this fires.
	ProcessTimeout
	// UnsupportFunction is surfaced to the client as an EXCEPTION.
	UnsupportFunction
	// SystemOverload is surfaced to the client as an EXCEPTION; the request
	// is never executed.
	SystemOverload
	// MessageExpired is surfaced to the client as an EXCEPTION; the request
	// is never executed.
	MessageExpired
	// ConnectionClosed is surfaced as a disconnect event; subscribers are
	// cleaned up.
	ConnectionClosed
	// UnsupportedVersion is returned when a header's version exceeds the
	// known maximum.
	UnsupportedVersion
	// SendBuffNotEnough surfaces transport back-pressure to the caller
	// without retry.
	SendBuffNotEnough
)

var names = map[Code]string{
	InvalidParam:       "INVALID_PARAM",
	DecodeFailed:       "DECODE_FAILED",
	EncodeFailed:       "ENCODE_FAILED",
	SendFailed:         "SEND_FAILED",
	SessionNotFound:    "SESSION_NOT_FOUND",
	RequestTimeout:     "REQUEST_TIMEOUT",
	ProcessTimeout:     "PROCESS_TIMEOUT",
	UnsupportFunction:  "UNSUPPORT_FUNCTION",
	SystemOverload:     "SYSTEM_OVERLOAD",
	MessageExpired:     "MESSAGE_EXPIRED",
	ConnectionClosed:   "CONNECTION_CLOSED",
	UnsupportedVersion: "UNSUPPORTED_VERSION",
	SendBuffNotEnough:  "SEND_BUFF_NOT_ENOUGH",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN_CODE(%d)", int32(c))
}

// Error adapts a Code to the error interface so call sites can use it with
// errors.Is/errors.As like any other sentinel.
type Error struct {
	Code    Code
	Message string
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Code == e.Code
}
