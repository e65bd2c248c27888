package quictest

import (
	"net"
	"os"
	"sync"
	"syscall"
	"time"
)

// DefaultInboxSize is the number of datagrams a PacketConn buffers before
// writes to it fail with ENOBUFS.
const DefaultInboxSize = 1 << 12

// Addr is the address of a PacketConn on a Network.
type Addr string

func (a Addr) Network() string { return "quictest" }
func (a Addr) String() string  { return string(a) }

// Network is an in-memory datagram network. Datagrams are delivered in
// order and are never lost unless the receiving inbox is full.
type Network struct {
	mu    sync.Mutex
	conns map[string]*PacketConn
}

func NewNetwork() *Network {
	return &Network{conns: make(map[string]*PacketConn)}
}

// Listen attaches a new PacketConn at name. It panics if name is in use.
func (n *Network) Listen(name string) *PacketConn {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.conns[name]; ok {
		panic("quictest: address already in use: " + name)
	}

	pc := &PacketConn{
		network:  n,
		addr:     Addr(name),
		inbox:    make(chan packet, DefaultInboxSize),
		closed:   make(chan struct{}),
		deadline: make(chan struct{}, 1),
	}
	n.conns[name] = pc
	return pc
}

func (n *Network) lookup(addr net.Addr) *PacketConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[addr.String()]
}

func (n *Network) remove(pc *PacketConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns[pc.addr.String()] == pc {
		delete(n.conns, pc.addr.String())
	}
}

type packet struct {
	data []byte
	from net.Addr
}

var _ net.PacketConn = (*PacketConn)(nil)

// PacketConn is one endpoint of a Network.
type PacketConn struct {
	network *Network
	addr    Addr
	inbox   chan packet

	mu           sync.Mutex
	readDeadline time.Time
	failures     []error
	sent         int

	deadline  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (pc *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, from, retry, err := pc.readOnce(p)
		if !retry {
			return n, from, err
		}
	}
}

// readOnce waits for one datagram. retry is set when the read deadline was
// changed while waiting.
func (pc *PacketConn) readOnce(p []byte) (n int, from net.Addr, retry bool, err error) {
	pc.mu.Lock()
	deadline := pc.readDeadline
	pc.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, false, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case pkt := <-pc.inbox:
		return copy(p, pkt.data), pkt.from, false, nil
	case <-pc.closed:
		return 0, nil, false, net.ErrClosed
	case <-expired:
		return 0, nil, false, os.ErrDeadlineExceeded
	case <-pc.deadline:
		return 0, nil, true, nil
	}
}

// WriteTo delivers p to the PacketConn at addr. Datagrams to unknown
// addresses are silently dropped.
func (pc *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-pc.closed:
		return 0, net.ErrClosed
	default:
	}

	pc.mu.Lock()
	if len(pc.failures) > 0 {
		err := pc.failures[0]
		pc.failures = pc.failures[1:]
		pc.mu.Unlock()
		return 0, err
	}
	pc.sent++
	pc.mu.Unlock()

	dst := pc.network.lookup(addr)
	if dst == nil {
		return len(p), nil
	}
	if err := dst.deliver(p, pc.addr); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Inject delivers p to this PacketConn as if it had been sent from "from".
func (pc *PacketConn) Inject(p []byte, from net.Addr) error {
	return pc.deliver(p, from)
}

func (pc *PacketConn) deliver(p []byte, from net.Addr) error {
	data := make([]byte, len(p))
	copy(data, p)

	select {
	case <-pc.closed:
		return nil
	case pc.inbox <- packet{data: data, from: from}:
		return nil
	default:
		return syscall.ENOBUFS
	}
}

// FailWrites makes the next len(errs) writes fail with the given errors.
func (pc *PacketConn) FailWrites(errs ...error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.failures = append(pc.failures, errs...)
}

// Sent returns the number of datagrams successfully written.
func (pc *PacketConn) Sent() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.sent
}

func (pc *PacketConn) Close() error {
	err := net.ErrClosed
	pc.closeOnce.Do(func() {
		close(pc.closed)
		pc.network.remove(pc)
		err = nil
	})
	return err
}

func (pc *PacketConn) LocalAddr() net.Addr { return pc.addr }

func (pc *PacketConn) SetDeadline(t time.Time) error {
	return pc.SetReadDeadline(t)
}

func (pc *PacketConn) SetReadDeadline(t time.Time) error {
	pc.mu.Lock()
	pc.readDeadline = t
	pc.mu.Unlock()

	select {
	case pc.deadline <- struct{}{}:
	default:
	}
	return nil
}

func (pc *PacketConn) SetWriteDeadline(time.Time) error { return nil }
