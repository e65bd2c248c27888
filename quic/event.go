package quic

import (
	"fmt"
	"net"
)

// EventKind enumerates the state changes an engine reports.
type EventKind int

const (
	// ConnectionAccepted reports a new connection initiated by a peer.
	// Addr carries the peer address.
	ConnectionAccepted EventKind = iota + 1

	// HandshakeDone reports that the connection completed its handshake.
	HandshakeDone

	// ConnectionClosing reports that the connection entered its closing or
	// draining period. Err carries the close reason.
	ConnectionClosing

	// ConnectionClosed reports that the engine released the connection.
	// No further events are reported for it.
	ConnectionClosed

	// StreamOpened reports a stream opened by the peer.
	StreamOpened

	// StreamReadable reports that StreamRead will make progress: data,
	// end of stream or a reset is pending.
	StreamReadable

	// StreamWritable reports that a stream whose send window was exhausted
	// can accept bytes again, or that its send side failed.
	StreamWritable
)

var eventKindTexts = map[EventKind]string{
	ConnectionAccepted: "connection_accepted",
	HandshakeDone:      "handshake_done",
	ConnectionClosing:  "connection_closing",
	ConnectionClosed:   "connection_closed",
	StreamOpened:       "stream_opened",
	StreamReadable:     "stream_readable",
	StreamWritable:     "stream_writable",
}

func (k EventKind) String() string {
	if s, ok := eventKindTexts[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one state change reported by an engine.
type Event struct {
	Kind   EventKind
	Conn   ConnectionID
	Stream StreamID
	Addr   net.Addr
	Err    error
}

func (e Event) String() string {
	switch e.Kind {
	case StreamOpened, StreamReadable, StreamWritable:
		return fmt.Sprintf("%s conn=%d stream=%d", e.Kind, e.Conn, e.Stream)
	case ConnectionClosing:
		return fmt.Sprintf("%s conn=%d err=%v", e.Kind, e.Conn, e.Err)
	default:
		return fmt.Sprintf("%s conn=%d", e.Kind, e.Conn)
	}
}
