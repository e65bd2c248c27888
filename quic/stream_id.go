package quic

import "github.com/quic-go/quic-go"

// ConnectionID identifies one connection within an engine.
// IDs are never reused for the lifetime of the engine.
type ConnectionID uint64

// StreamID is a QUIC stream identifier, unique within a connection.
type StreamID = quic.StreamID

// StreamKind selects between bidirectional and unidirectional streams.
type StreamKind int

const (
	Bidirectional StreamKind = iota
	Unidirectional
)

func (k StreamKind) String() string {
	switch k {
	case Bidirectional:
		return "bidirectional"
	case Unidirectional:
		return "unidirectional"
	default:
		return "unknown"
	}
}

// Direction selects one half of a stream.
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
)

func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "read"
	case DirectionWrite:
		return "write"
	default:
		return "unknown"
	}
}

// KindOf reports the kind encoded in bit 1 of id.
func KindOf(id StreamID) StreamKind {
	if id&0x2 != 0 {
		return Unidirectional
	}
	return Bidirectional
}

// InitiatorOf reports which side opened the stream, from bit 0 of id.
func InitiatorOf(id StreamID) Role {
	if id&0x1 != 0 {
		return RoleServer
	}
	return RoleClient
}

// FirstStreamID returns the lowest stream ID a role may open for a kind.
// Subsequent IDs of the same type are spaced by 4.
func FirstStreamID(initiator Role, kind StreamKind) StreamID {
	var id StreamID
	if initiator == RoleServer {
		id |= 0x1
	}
	if kind == Unidirectional {
		id |= 0x2
	}
	return id
}

// CanRead reports whether the side playing local may read from the stream.
func CanRead(id StreamID, local Role) bool {
	return KindOf(id) == Bidirectional || InitiatorOf(id) != local
}

// CanWrite reports whether the side playing local may write to the stream.
func CanWrite(id StreamID, local Role) bool {
	return KindOf(id) == Bidirectional || InitiatorOf(id) == local
}
