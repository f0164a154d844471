// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package exchange

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes transport errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeConnection
	ErrTypeStatus
	ErrTypeStream
	ErrTypeTimeout
)

// String returns a short name for the error type.
func (t ErrorType) String() string {
	switch t {
	case ErrTypeConnection:
		return "connection"
	case ErrTypeStatus:
		return "status"
	case ErrTypeStream:
		return "stream"
	case ErrTypeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// TransportError is a failure at the boundary with the remote endpoint:
// connection refused, a non-2xx status, or a broken stream.
type TransportError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Cause      error
}

func (e *TransportError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Is matches sentinel transport errors by type.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// Sentinel errors for easy checking with errors.Is.
var (
	ErrConnection = &TransportError{Type: ErrTypeConnection, Message: "cannot reach endpoint"}
	ErrStatus     = &TransportError{Type: ErrTypeStatus, Message: "endpoint rejected request"}
	ErrStream     = &TransportError{Type: ErrTypeStream, Message: "response stream broken"}
	ErrTimeout    = &TransportError{Type: ErrTypeTimeout, Message: "exchange timed out"}
)

var (
	// ErrExchangeInFlight is returned when a chat already has an open exchange.
	ErrExchangeInFlight = errors.New("an exchange is already in flight for this chat")

	// ErrEmptyRequest is returned by Open for a request with no text and no
	// attachments.
	ErrEmptyRequest = errors.New("nothing to send")

	// ErrEngineClosed is returned by Open after Close.
	ErrEngineClosed = errors.New("exchange engine closed")
)

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
