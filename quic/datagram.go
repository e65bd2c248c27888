package quic

import "net"

// Datagram is one UDP payload tagged with the peer address.
// Datagrams are consumed once and never retained by their consumer.
type Datagram struct {
	Data []byte
	Addr net.Addr
}
