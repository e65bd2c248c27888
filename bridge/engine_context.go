package bridge

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/okdaichi/quicbridge/quic"
)

// engineContext is the only path to the engine. Every call is made by the
// driver loop; concurrent or re-entrant use is a bug and panics.
type engineContext struct {
	engine quic.Engine
	notify <-chan struct{}
	busy   atomic.Bool
}

func newEngineContext(engine quic.Engine) *engineContext {
	ec := &engineContext{engine: engine}
	if n, ok := engine.(quic.Notifier); ok {
		ec.notify = n.Notify()
	}
	return ec
}

func (ec *engineContext) enter() {
	if !ec.busy.CompareAndSwap(false, true) {
		panic("bridge: concurrent engine access")
	}
}

func (ec *engineContext) leave() {
	ec.busy.Store(false)
}

func (ec *engineContext) connect(addr net.Addr, serverName string) (quic.ConnectionID, error) {
	ec.enter()
	defer ec.leave()
	return ec.engine.Connect(addr, serverName)
}

func (ec *engineContext) ingest(d quic.Datagram) ([]quic.Event, error) {
	ec.enter()
	defer ec.leave()
	return ec.engine.Ingest(d)
}

func (ec *engineContext) poll(now time.Time) []quic.Event {
	ec.enter()
	defer ec.leave()
	return ec.engine.Poll(now)
}

func (ec *engineContext) nextOutgoing() (quic.Datagram, bool) {
	ec.enter()
	defer ec.leave()
	return ec.engine.NextOutgoing()
}

// nextTimeout returns the absolute deadline the engine asked for.
func (ec *engineContext) nextTimeout(now time.Time) (time.Time, bool) {
	ec.enter()
	defer ec.leave()

	d, ok := ec.engine.NextTimeout(now)
	if !ok {
		return time.Time{}, false
	}
	return now.Add(d), true
}

func (ec *engineContext) openStream(conn quic.ConnectionID, kind quic.StreamKind) (quic.StreamID, error) {
	ec.enter()
	defer ec.leave()
	return ec.engine.OpenStream(conn, kind)
}

func (ec *engineContext) streamWrite(conn quic.ConnectionID, id quic.StreamID, p []byte) (int, error) {
	ec.enter()
	defer ec.leave()
	return ec.engine.StreamWrite(conn, id, p)
}

func (ec *engineContext) streamRead(conn quic.ConnectionID, id quic.StreamID, p []byte) (int, error) {
	ec.enter()
	defer ec.leave()
	return ec.engine.StreamRead(conn, id, p)
}

func (ec *engineContext) shutdownStream(conn quic.ConnectionID, id quic.StreamID, dir quic.Direction) error {
	ec.enter()
	defer ec.leave()
	return ec.engine.ShutdownStream(conn, id, dir)
}

func (ec *engineContext) resetStream(conn quic.ConnectionID, id quic.StreamID, code quic.StreamErrorCode) error {
	ec.enter()
	defer ec.leave()
	return ec.engine.ResetStream(conn, id, code)
}

func (ec *engineContext) closeConnection(conn quic.ConnectionID, code quic.ApplicationErrorCode, reason string) error {
	ec.enter()
	defer ec.leave()
	return ec.engine.CloseConnection(conn, code, reason)
}

func (ec *engineContext) capabilities() quic.Capabilities {
	ec.enter()
	defer ec.leave()
	return ec.engine.Capabilities()
}

func (ec *engineContext) close() error {
	ec.enter()
	defer ec.leave()
	return ec.engine.Close()
}
