// Package quic defines the call surface of a synchronous QUIC protocol engine.
//
// An Engine owns every piece of QUIC protocol state for one UDP socket:
// handshakes, packet protection, loss recovery and flow control. It is
// driven from the outside by feeding it received datagrams, draining the
// datagrams it wants to send, and asking it when it next needs to be polled.
// None of the methods block, and none of them are safe for concurrent use.
//
// The bridge package serializes all Engine access behind one driver loop and
// turns the state changes reported here into suspended and resumed
// operations on connection and stream handles.
//
// # Implementations
//
//   - quicgo subpackage: drives github.com/quic-go/quic-go through a
//     virtual packet connection
//   - quictest subpackage: a deterministic in-memory engine with a minimal
//     framing, for tests
//
// # Identifiers
//
// Connections are identified by a ConnectionID assigned by the engine.
// Streams use QUIC stream numbering: bit 0 of a StreamID tells which side
// opened the stream and bit 1 tells whether it is unidirectional.
//
// For more information about QUIC, see RFC 9000:
// https://datatracker.ietf.org/doc/html/rfc9000
package quic
