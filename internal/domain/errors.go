package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the transport and dispatch layers.
var (
	ErrChannelClosed        = fmt.Errorf("channel closed")
	ErrTransportFault       = fmt.Errorf("transport fault")
	ErrProtocolDecode       = fmt.Errorf("protocol decode error")
	ErrUnknownMethod        = fmt.Errorf("unknown method")
	ErrInvocationFault      = fmt.Errorf("invocation fault")
	ErrCorrelationMiss      = fmt.Errorf("correlation miss")
	ErrInvocationTimeout    = fmt.Errorf("invocation timed out")
	ErrInvocationCancelled  = fmt.Errorf("invocation cancelled")
	ErrBackplaneUnavailable = fmt.Errorf("backplane unavailable")
	ErrConnectionNotFound   = fmt.Errorf("connection not found")
	ErrDuplicateMethod      = fmt.Errorf("method already registered")
	ErrPipelineStalled      = fmt.Errorf("pipeline stalled")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")

	// Gateway errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
)

// RemoteError is a fault raised by the remote side of an invocation and
// carried back inside the result descriptor.
type RemoteError struct {
	Method  string
	Message string
	// Cause is set when Message identifies a known sentinel.
	Cause error
}

// remoteCauses are the sentinels a dispatcher may report by prefix.
var remoteCauses = []error{ErrUnknownMethod, ErrRateLimit, ErrProtocolDecode}

// NewRemoteError builds a RemoteError, recognising sentinel prefixes in message.
func NewRemoteError(method, message string) *RemoteError {
	re := &RemoteError{Method: method, Message: message}
	for _, cause := range remoteCauses {
		if strings.HasPrefix(message, cause.Error()) {
			re.Cause = cause
			break
		}
	}
	return re
}

func (e *RemoteError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
	}
	return "remote: " + e.Message
}

func (e *RemoteError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrInvocationFault, e.Cause}
	}
	return []error{ErrInvocationFault}
}

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Hub.Dispatch")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for metrics labels and logs.
type ErrorCode string

const (
	CodeOK                   ErrorCode = "OK"
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeChannelClosed        ErrorCode = "CHANNEL_CLOSED"
	CodeTransportFault       ErrorCode = "TRANSPORT_FAULT"
	CodeProtocolDecode       ErrorCode = "PROTOCOL_DECODE"
	CodeUnknownMethod        ErrorCode = "UNKNOWN_METHOD"
	CodeInvocationFault      ErrorCode = "INVOCATION_FAULT"
	CodeCorrelationMiss      ErrorCode = "CORRELATION_MISS"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeCancelled            ErrorCode = "CANCELLED"
	CodeBackplaneUnavailable ErrorCode = "BACKPLANE_UNAVAILABLE"
	CodeConnectionNotFound   ErrorCode = "CONNECTION_NOT_FOUND"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
)

// codeTable is checked in order; more specific sentinels come first.
var codeTable = []struct {
	err  error
	code ErrorCode
}{
	{ErrUnknownMethod, CodeUnknownMethod},
	{ErrInvocationTimeout, CodeTimeout},
	{ErrInvocationCancelled, CodeCancelled},
	{ErrInvocationFault, CodeInvocationFault},
	{ErrCorrelationMiss, CodeCorrelationMiss},
	{ErrProtocolDecode, CodeProtocolDecode},
	{ErrChannelClosed, CodeChannelClosed},
	{ErrTransportFault, CodeTransportFault},
	{ErrBackplaneUnavailable, CodeBackplaneUnavailable},
	{ErrConnectionNotFound, CodeConnectionNotFound},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
}

// ErrorCodeOf maps err to its ErrorCode. A nil error maps to CodeOK.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeUnknown
}
