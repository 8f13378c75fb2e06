// File: wsapi/errors.go
// Package wsapi defines the shared types, error codes, and interfaces that
// the reactor, tcpsocket, tlsengine, h1x, and ws packages build on.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package wsapi

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the error taxonomy shared across the event loop,
// the TCP socket state machine, and the WebSocket connection layer.
type ErrorCode int

const (
	NOERR ErrorCode = iota
	INVALID_STATE
	INVALID_PARAM
	FAILED
	TIMEOUT
	POLL_ERROR
	PROTO_ERROR
	SSL_FAILED
	REJECTED
	UNSUPPORTED
)

func (c ErrorCode) String() string {
	switch c {
	case NOERR:
		return "NOERR"
	case INVALID_STATE:
		return "INVALID_STATE"
	case INVALID_PARAM:
		return "INVALID_PARAM"
	case FAILED:
		return "FAILED"
	case TIMEOUT:
		return "TIMEOUT"
	case POLL_ERROR:
		return "POLL_ERROR"
	case PROTO_ERROR:
		return "PROTO_ERROR"
	case SSL_FAILED:
		return "SSL_FAILED"
	case REJECTED:
		return "REJECTED"
	case UNSUPPORTED:
		return "UNSUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// Error is a structured error carrying a code plus free-form context,
// mirroring the teacher's api.Error (code + message + context map).
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (context: %+v)", e.Code, e.Message, e.Context)
}

// Code extracts the ErrorCode from err, or FAILED if err is not a *Error.
func Code(err error) ErrorCode {
	if err == nil {
		return NOERR
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return FAILED
}

// NewError builds a structured error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithContext attaches a key/value pair for diagnostics and returns e.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Sentinel errors for errors.Is-style matching at call sites, mirroring
// the teacher's api/errors.go sentinel set.
var (
	ErrTransportClosed  = NewError(FAILED, "transport is closed")
	ErrInvalidState     = NewError(INVALID_STATE, "invalid state for requested operation")
	ErrInvalidParam     = NewError(INVALID_PARAM, "invalid parameter")
	ErrTimeout          = NewError(TIMEOUT, "operation timed out")
	ErrPollError        = NewError(POLL_ERROR, "poll backend error")
	ErrProtocolError    = NewError(PROTO_ERROR, "protocol error")
	ErrTLSFailed        = NewError(SSL_FAILED, "TLS handshake failed")
	ErrRejected         = NewError(REJECTED, "handshake rejected")
	ErrNotSupported     = NewError(UNSUPPORTED, "operation not supported")
	ErrResourceExhausted = NewError(FAILED, "resource exhausted")
)

// ErrWouldBlock signals that a non-blocking I/O call found no data or
// buffer space and must be retried after the next readiness callback.
// It is a plain sentinel rather than an *Error because it is a control
// signal for the caller, not a reportable failure, mirroring
// tcpsocket's own EAGAIN/EWOULDBLOCK translation for raw sockets.
var ErrWouldBlock = errors.New("wsapi: would block")
