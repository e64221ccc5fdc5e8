package apns

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrSigning   = errors.New("apns: signing failed")
	ErrTransport = errors.New("apns: transport failed")
	ErrGateway   = errors.New("apns: rejected by gateway")
	ErrProtocol  = errors.New("apns: unexpected gateway response")
)

// ErrInvalidSignatureData is returned when a signer produced no signature or a
// credential carries no token.
var ErrInvalidSignatureData = errors.New("invalid signature data")

// SigningError means no usable credential could be produced. It is always
// reported before any frame of the send reached the connection.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("apns: signing failed: %v", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

func (e *SigningError) Is(target error) bool { return target == ErrSigning }

// TransportError is a connection or stream failure. StreamID is zero when the
// failure happened before a stream was allocated or hit the whole connection.
type TransportError struct {
	StreamID uint32
	Err      error
}

func (e *TransportError) Error() string {
	if e.StreamID == 0 {
		return fmt.Sprintf("apns: transport failed: %v", e.Err)
	}
	return fmt.Sprintf("apns: transport failed on stream %d: %v", e.StreamID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// GatewayError carries a documented rejection reason, passed through verbatim.
// Timestamp is set when the gateway reported one (e.g. for Unregistered).
type GatewayError struct {
	Status    int
	Reason    string
	Timestamp *time.Time
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("apns: gateway rejected notification: %d %s", e.Status, e.Reason)
}

func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

// ProtocolError is a non-success status without a readable reason document.
type ProtocolError struct {
	Status int
	Body   []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("apns: unexpected response status %d", e.Status)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }
