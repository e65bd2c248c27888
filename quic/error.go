package quic

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	// ErrUnknownConnection is returned for a ConnectionID the engine does not track.
	ErrUnknownConnection = errors.New("quic: unknown connection")

	// ErrUnknownStream is returned for a StreamID that does not exist on the connection.
	ErrUnknownStream = errors.New("quic: unknown stream")

	// ErrConnectionClosed is returned for operations on a connection that is closing or closed.
	ErrConnectionClosed = errors.New("quic: connection closed")

	// ErrStreamClosed is returned when writing after the send side was shut down.
	ErrStreamClosed = errors.New("quic: stream closed")

	// ErrEngineClosed is returned after Engine.Close.
	ErrEngineClosed = errors.New("quic: engine closed")

	// ErrNotReady is returned when a connection cannot carry streams yet.
	ErrNotReady = errors.New("quic: connection not ready")
)

// ConnectionError is returned by Engine.Ingest when a received datagram
// could be attributed to one connection but could not be processed.
// Errors of any other type mean the datagram was dropped without
// affecting any connection.
type ConnectionError struct {
	Conn ConnectionID
	Err  error
}

func (err *ConnectionError) Error() string {
	return fmt.Sprintf("quic: connection %d: %v", err.Conn, err.Err)
}

func (err *ConnectionError) Unwrap() error {
	return err.Err
}

// TransportError represents a QUIC transport layer error.
type TransportError = quic.TransportError

// ApplicationError represents an application-level error in QUIC.
type ApplicationError = quic.ApplicationError

// IdleTimeoutError indicates that the connection timed out due to inactivity.
type IdleTimeoutError = quic.IdleTimeoutError

// HandshakeTimeoutError indicates that the handshake did not complete in time.
type HandshakeTimeoutError = quic.HandshakeTimeoutError

// StatelessResetError indicates that a stateless reset was received.
type StatelessResetError = quic.StatelessResetError

// Error codes for QUIC transport, application, and stream operations.
type (
	// TransportErrorCode identifies transport-layer protocol errors.
	TransportErrorCode = quic.TransportErrorCode
	// ApplicationErrorCode identifies application-defined errors.
	ApplicationErrorCode = quic.ApplicationErrorCode
	// StreamErrorCode identifies stream-specific errors.
	StreamErrorCode = quic.StreamErrorCode
)

const (
	NoError            TransportErrorCode = quic.NoError
	InternalError      TransportErrorCode = quic.InternalError
	ConnectionRefused  TransportErrorCode = quic.ConnectionRefused
	FlowControlError   TransportErrorCode = quic.FlowControlError
	StreamStateError   TransportErrorCode = quic.StreamStateError
	FrameEncodingError TransportErrorCode = quic.FrameEncodingError
	ProtocolViolation  TransportErrorCode = quic.ProtocolViolation

	// NoApplicationProtocol is the CRYPTO_ERROR code carrying the TLS
	// no_application_protocol alert (0x100 + 120).
	NoApplicationProtocol TransportErrorCode = 0x178
)

// A StreamError is returned from stream reads and writes when the peer reset
// the stream or asked it to stop sending.
type StreamError = quic.StreamError
