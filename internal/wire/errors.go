package wire

import (
	"errors"
	"fmt"
)

// Lifecycle and terminal errors surfaced to callers.
var (
	ErrAlreadyStarted   = errors.New("transport already started")
	ErrNotStarted       = errors.New("transport not started")
	ErrChannelClosed    = errors.New("channel closed")
	ErrNoProviderFound  = errors.New("no provider found")
	ErrExhaustedRetries = errors.New("exhausted reconnection retries")
)

// JSON-RPC error codes used when the transport layer has to answer on its own.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// StructuralError reports a malformed envelope. It is logged and the
// message dropped; the channel stays open.
type StructuralError struct {
	Reason string
	Err    error
}

func (e *StructuralError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("structural error: %s: %v", e.Reason, e.Err)
	}
	return "structural error: " + e.Reason
}

func (e *StructuralError) Unwrap() error { return e.Err }

func structural(reason string, err error) *StructuralError {
	return &StructuralError{Reason: reason, Err: err}
}

// ProtocolCode names a correlation failure.
type ProtocolCode string

const (
	UnknownRequestID    ProtocolCode = "UnknownRequestId"
	DuplicateRequestID  ProtocolCode = "DuplicateRequestId"
	MissingConnectionID ProtocolCode = "MissingConnectionId"
	UnroutableMessage   ProtocolCode = "UnroutableMessage"
)

// ProtocolError reports a well-formed message that fails correlation, such
// as a response for an id nobody asked for.
type ProtocolError struct {
	Code   ProtocolCode
	ID     ID
	Detail string
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + string(e.Code)
	if !e.ID.IsZero() {
		msg += " id=" + e.ID.String()
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ChannelError reports a transport failure (reset, write on a dead link).
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("channel error: %s: %v", e.Op, e.Err) }

func (e *ChannelError) Unwrap() error { return e.Err }

// Recoverable reports whether err is handled by dropping the offending
// message (structural and protocol errors).
func Recoverable(err error) bool {
	var se *StructuralError
	var pe *ProtocolError
	return errors.As(err, &se) || errors.As(err, &pe)
}

// IsProtocol reports whether err is a ProtocolError with the given code.
func IsProtocol(err error, code ProtocolCode) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Code == code
}
