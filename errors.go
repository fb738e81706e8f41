package echo

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by connection operations.
var (
	// ErrInvalidCodec is returned when no codec factory is provided.
	ErrInvalidCodec = errors.New("invalid codec factory")
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrTruncatedMessage is returned when the peer closes the stream in the middle of a message.
	ErrTruncatedMessage = errors.New("truncated message")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// ProtocolError reports input that cannot be decoded: a malformed header,
// an invalid opcode or a length exceeding a configured maximum.
type ProtocolError struct {
	Reason string
	Err    error
}

// NewProtocolError returns a ProtocolError for reason.
func NewProtocolError(reason string) *ProtocolError {
	return &ProtocolError{Reason: reason}
}

// WrapProtocolError returns a ProtocolError for reason caused by err.
func WrapProtocolError(err error, reason string) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError reports an I/O failure on the underlying stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is, or wraps, a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsTransportError reports whether err is, or wraps, a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// errorKind is the label used for metrics and logs.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTruncatedMessage):
		return "truncated"
	case IsProtocolError(err):
		return "protocol"
	case IsTransportError(err):
		return "transport"
	default:
		return "other"
	}
}
