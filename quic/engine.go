package quic

import (
	"crypto/tls"
	"net"
	"time"
)

// Engine is a synchronous, single-threaded QUIC protocol engine.
//
// No method blocks. Callers must never invoke methods concurrently and must
// never re-enter the engine from within another engine call.
type Engine interface {
	// Connect starts a handshake with the server at addr.
	// Completion is reported through HandshakeDone or ConnectionClosing.
	Connect(addr net.Addr, serverName string) (ConnectionID, error)

	// Ingest feeds one received datagram to the engine.
	// A *ConnectionError means one connection failed on it. Any other error
	// means the datagram was dropped.
	Ingest(d Datagram) ([]Event, error)

	// Poll advances engine timers to now and returns pending state changes.
	Poll(now time.Time) []Event

	// NextOutgoing drains one datagram the engine wants sent.
	NextOutgoing() (Datagram, bool)

	// NextTimeout returns how long the engine can wait before Poll must be
	// called again, if it has any deadline.
	NextTimeout(now time.Time) (time.Duration, bool)

	// OpenStream opens a locally initiated stream.
	OpenStream(conn ConnectionID, kind StreamKind) (StreamID, error)

	// StreamWrite queues p for transmission and reports how many bytes were
	// accepted. It returns 0 and a nil error when the send window is
	// exhausted; StreamWritable is reported once it reopens. An empty p
	// sends nothing and only reports a pending send failure.
	StreamWrite(conn ConnectionID, stream StreamID, p []byte) (int, error)

	// StreamRead copies received bytes into p. It returns 0 and a nil error
	// when nothing is buffered, io.EOF once the peer finished the stream, and
	// a *StreamError once the peer reset it.
	StreamRead(conn ConnectionID, stream StreamID, p []byte) (int, error)

	// ShutdownStream finishes the send side or stops the receive side.
	ShutdownStream(conn ConnectionID, stream StreamID, dir Direction) error

	// ResetStream abruptly terminates both sides of a stream.
	ResetStream(conn ConnectionID, stream StreamID, code StreamErrorCode) error

	// CloseConnection starts closing a connection.
	CloseConnection(conn ConnectionID, code ApplicationErrorCode, reason string) error

	// Capabilities reports optional features of the engine.
	Capabilities() Capabilities

	// Close releases every resource held by the engine.
	Close() error
}

// Notifier is implemented by engines that make progress on their own.
// A receive on Notify means Poll or NextOutgoing may return something new.
type Notifier interface {
	Notify() <-chan struct{}
}

// Capabilities describes optional engine features.
type Capabilities struct {
	// EarlyData reports that streams may be opened and written before the
	// handshake completes (0-RTT).
	EarlyData bool
}

// NewEngineFunc creates an engine for one socket.
type NewEngineFunc func(role Role, tlsConfig *tls.Config, config *Config) (Engine, error)
