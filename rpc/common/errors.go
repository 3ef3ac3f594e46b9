package common

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type used by all core components. It wraps a code (of type ErrCode)
// and a message. Two errors match with errors.Is if their codes are equal, so callers
// can test against the sentinel values below regardless of the message.
type Error struct {
	Code ErrCode // The error code
	Msg  string  // The error message
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is matches errors by code
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// CodeOf returns the code of err, or ErrCUnknown if err is not an *Error
func CodeOf(err error) ErrCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCUnknown
}

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

type ErrCode uint8

const (
	ErrCUnknown      ErrCode = iota // 0: Not one of the known failure classes.
	ErrCNotFound                    // 1: Resolver miss (expected, callers decide policy).
	ErrCTimeout                     // 2: RPC call or pending connection timed out.
	ErrCBackpressure                // 3: Tracker full, rate limiter saturated or stage not ready.
	ErrCShuttingDown                // 4: New work rejected during drain.
	ErrCCancelled                   // 5: Forced completion during shutdown.
	ErrCProtocol                    // 6: Malformed header or frame.
	ErrCTransport                   // 7: Ring buffer or connection I/O failure.
)

// String returns the name of the error code
func (c ErrCode) String() string {
	switch c {
	case ErrCNotFound:
		return "NotFound"
	case ErrCTimeout:
		return "Timeout"
	case ErrCBackpressure:
		return "Backpressure"
	case ErrCShuttingDown:
		return "ShuttingDown"
	case ErrCCancelled:
		return "Cancelled"
	case ErrCProtocol:
		return "ProtocolError"
	case ErrCTransport:
		return "TransportError"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Sentinels (use with errors.Is)
// --------------------------------------------------------------------------

var (
	ErrNotFound     = NewError(ErrCNotFound, "")
	ErrTimeout      = NewError(ErrCTimeout, "")
	ErrBackpressure = NewError(ErrCBackpressure, "")
	ErrShuttingDown = NewError(ErrCShuttingDown, "")
	ErrCancelled    = NewError(ErrCCancelled, "")
	ErrProtocol     = NewError(ErrCProtocol, "")
	ErrTransport    = NewError(ErrCTransport, "")
)
