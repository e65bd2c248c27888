package bridge

import (
	"errors"
	"fmt"
	"net"

	"github.com/okdaichi/quicbridge/quic"
)

var (
	// ErrConnectionClosed is returned for operations on a connection that is
	// closing or closed. The captured close reason is wrapped alongside it.
	ErrConnectionClosed = errors.New("bridge: connection closed")

	// ErrStreamClosed is returned when writing after the send side was shut
	// down or reading after the receive side was stopped.
	ErrStreamClosed = errors.New("bridge: stream closed")

	// ErrEndpointClosed is returned once the endpoint stopped.
	ErrEndpointClosed = errors.New("bridge: endpoint closed")

	// ErrInvalidDirection is returned when reading a send-only stream or
	// writing a receive-only stream.
	ErrInvalidDirection = errors.New("bridge: invalid stream direction")

	// ErrMissingTLSConfig is returned when no TLS configuration is given.
	ErrMissingTLSConfig = errors.New("bridge: missing TLS config")
)

// EngineInitError reports that the engine could not be created.
type EngineInitError struct {
	Err error
}

func (err *EngineInitError) Error() string {
	return fmt.Sprintf("bridge: engine init: %v", err.Err)
}

func (err *EngineInitError) Unwrap() error {
	return err.Err
}

// IOError reports a socket failure.
type IOError struct {
	Op   string
	Addr net.Addr
	Err  error
}

func (err *IOError) Error() string {
	if err.Addr == nil {
		return fmt.Sprintf("bridge: %s: %v", err.Op, err.Err)
	}
	return fmt.Sprintf("bridge: %s %s: %v", err.Op, err.Addr, err.Err)
}

func (err *IOError) Unwrap() error {
	return err.Err
}

// ConnectionError reports why a connection ended. Err is typically a
// *quic.ApplicationError, *quic.TransportError, *quic.IdleTimeoutError,
// *quic.HandshakeTimeoutError or *IOError.
type ConnectionError struct {
	ConnectionID quic.ConnectionID
	RemoteAddr   net.Addr
	Err          error
}

func (err *ConnectionError) Error() string {
	return fmt.Sprintf("bridge: connection %d (%s): %v", err.ConnectionID, err.RemoteAddr, err.Err)
}

func (err *ConnectionError) Unwrap() error {
	return err.Err
}

// StreamError reports that a stream was reset by either side.
type StreamError struct{ *quic.StreamError }

func (err *StreamError) Unwrap() error {
	return err.StreamError
}

// IsClean reports whether a connection ended with application error code 0.
func (err *ConnectionError) IsClean() bool {
	return isCleanClose(err.Err)
}

func isCleanClose(reason error) bool {
	var appErr *quic.ApplicationError
	return errors.As(reason, &appErr) && appErr.ErrorCode == 0
}
