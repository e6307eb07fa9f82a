package voice

import (
	"errors"

	"github.com/ent0n29/memorylane/internal/reliability"
)

var (
	ErrSessionActive    = errors.New("session already active")
	ErrNoActiveSession  = errors.New("no active voice session")
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNotConfigured    = errors.New("token issuer and signaling are required")
	ErrUnsupported      = errors.New("peer connections or microphone unavailable")

	errReleased      = errors.New("media resources already released")
	errTransportLost = errors.New("peer connection lost before the data channel opened")
)

type ErrorKind string

const (
	KindCapability  ErrorKind = "capability"
	KindPermission  ErrorKind = "permission"
	KindNegotiation ErrorKind = "negotiation"
	KindTransport   ErrorKind = "transport"
	KindProtocol    ErrorKind = "protocol"
)

const (
	msgUnsupported      = "Realtime voice is not supported in this environment"
	msgPermissionDenied = "Microphone access denied. Allow microphone access in your browser or system settings and try again."
	msgTokenFailed      = "Failed to get session token"
	msgConnectFailed    = "Failed to connect to the realtime service"
)

// Error is surfaced through OnError and Snapshot.
type Error struct {
	Kind      ErrorKind
	Message   string
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// httpStatusError is implemented by negotiation clients that failed on a
// non-2xx response.
type httpStatusError interface {
	HTTPStatus() int
}

func negotiationError(message string, err error) *Error {
	e := &Error{Kind: KindNegotiation, Message: message, Err: err}
	var se httpStatusError
	if errors.As(err, &se) {
		e.Retryable = reliability.IsRetryableHTTPStatus(se.HTTPStatus())
	}
	return e
}

func permissionError(err error) *Error {
	return &Error{Kind: KindPermission, Message: msgPermissionDenied, Err: err}
}
