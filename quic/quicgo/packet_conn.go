package quicgo

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okdaichi/quicbridge/quic"
)

const (
	inboxSize  = 1 << 10
	outboxSize = 1 << 12
)

var lastVirtualAddr atomic.Uint64

// virtualAddr is unique per engine so that quic-go keeps one transport per
// packetConn.
type virtualAddr uint64

func (a virtualAddr) Network() string { return "quicbridge" }
func (a virtualAddr) String() string  { return fmt.Sprintf("engine-%d", uint64(a)) }

var _ net.PacketConn = (*packetConn)(nil)

// packetConn hands quic-go the datagrams fed through Engine.Ingest and
// collects the datagrams quic-go sends so NextOutgoing can drain them.
type packetConn struct {
	local virtualAddr
	inbox chan quic.Datagram

	mu       sync.Mutex
	outbox   []quic.Datagram
	deadline time.Time

	wake            func()
	deadlineChanged chan struct{}
	closed          chan struct{}
	closeOnce       sync.Once
}

func newPacketConn(wake func()) *packetConn {
	return &packetConn{
		local:           virtualAddr(lastVirtualAddr.Add(1)),
		inbox:           make(chan quic.Datagram, inboxSize),
		wake:            wake,
		deadlineChanged: make(chan struct{}, 1),
		closed:          make(chan struct{}),
	}
}

// push queues a received datagram. It reports false when the datagram was
// dropped.
func (c *packetConn) push(d quic.Datagram) bool {
	select {
	case <-c.closed:
		return false
	case c.inbox <- d:
		return true
	default:
		return false
	}
}

// pop removes the oldest datagram quic-go sent.
func (c *packetConn) pop() (quic.Datagram, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.outbox) == 0 {
		return quic.Datagram{}, false
	}
	d := c.outbox[0]
	c.outbox[0] = quic.Datagram{}
	c.outbox = c.outbox[1:]
	return d, true
}

func (c *packetConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, addr, retry, err := c.readOnce(p)
		if !retry {
			return n, addr, err
		}
	}
}

func (c *packetConn) readOnce(p []byte) (n int, addr net.Addr, retry bool, err error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

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
	case d := <-c.inbox:
		return copy(p, d.Data), d.Addr, false, nil
	case <-c.closed:
		return 0, nil, false, net.ErrClosed
	case <-expired:
		return 0, nil, false, os.ErrDeadlineExceeded
	case <-c.deadlineChanged:
		return 0, nil, true, nil
	}
}

// WriteTo never blocks. Datagrams beyond the outbox capacity are dropped,
// as a congested socket would.
func (c *packetConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return 0, net.ErrClosed
	default:
	}
	if len(c.outbox) < outboxSize {
		c.outbox = append(c.outbox, quic.Datagram{Data: data, Addr: addr})
	}
	c.mu.Unlock()

	c.wake()
	return len(p), nil
}

func (c *packetConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *packetConn) LocalAddr() net.Addr { return c.local }

func (c *packetConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *packetConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()

	select {
	case c.deadlineChanged <- struct{}{}:
	default:
	}
	return nil
}

func (c *packetConn) SetWriteDeadline(time.Time) error { return nil }
