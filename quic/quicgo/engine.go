package quicgo

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/okdaichi/quicbridge/quic"
	quicgo_quicgo "github.com/quic-go/quic-go"
)

var _ quic.NewEngineFunc = NewEngine

// NewEngine is a quic.NewEngineFunc backed by quic-go.
func NewEngine(role quic.Role, tlsConfig *tls.Config, config *quic.Config) (quic.Engine, error) {
	e, err := New(role, tlsConfig, config)
	if err != nil {
		return nil, err
	}
	return e, nil
}

var (
	_ quic.Engine   = (*Engine)(nil)
	_ quic.Notifier = (*Engine)(nil)
)

// Engine adapts quic-go to the quic.Engine call surface.
//
// quic-go runs its own goroutines; the Engine feeds them through a virtual
// packet connection and records what they report as events. Calls return
// immediately and Notify signals when new events or datagrams are ready.
type Engine struct {
	role      quic.Role
	tlsConfig *tls.Config
	config    *quic.Config

	pc *packetConn
	tr *quicgo_quicgo.Transport
	ln *quicgo_quicgo.EarlyListener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	notify chan struct{}

	mu       sync.Mutex
	closed   bool
	lastID   quic.ConnectionID
	conns    map[quic.ConnectionID]*connection
	events   []quic.Event
	released []quic.ConnectionID
}

type connection struct {
	id     quic.ConnectionID
	remote net.Addr

	qconn      quicgo_quicgo.EarlyConnection
	cancelDial context.CancelCauseFunc

	streams map[quic.StreamID]*stream

	closing  bool
	finished bool
}

// New creates an engine. Server engines start listening immediately.
func New(role quic.Role, tlsConfig *tls.Config, config *quic.Config) (*Engine, error) {
	if tlsConfig == nil {
		return nil, errors.New("quicgo: missing TLS config")
	}
	if len(tlsConfig.NextProtos) == 0 {
		return nil, errors.New("quicgo: TLS config has no application protocols")
	}
	if role == quic.RoleServer && len(tlsConfig.Certificates) == 0 &&
		tlsConfig.GetCertificate == nil && tlsConfig.GetConfigForClient == nil {
		return nil, errors.New("quicgo: server TLS config has no certificate")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		role:      role,
		tlsConfig: tlsConfig,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		notify:    make(chan struct{}, 1),
		conns:     make(map[quic.ConnectionID]*connection),
	}
	e.pc = newPacketConn(e.wake)
	e.tr = &quicgo_quicgo.Transport{Conn: e.pc}

	if role == quic.RoleServer {
		ln, err := e.tr.ListenEarly(tlsConfig, config)
		if err != nil {
			cancel()
			e.pc.Close()
			e.tr.Close()
			return nil, fmt.Errorf("quicgo: failed to listen: %w", err)
		}
		e.ln = ln

		e.wg.Add(1)
		go e.acceptLoop()
	}

	return e, nil
}

func (e *Engine) Notify() <-chan struct{} {
	return e.notify
}

func (e *Engine) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) push(events ...quic.Event) {
	e.mu.Lock()
	e.events = append(e.events, events...)
	e.mu.Unlock()

	e.wake()
}

func (e *Engine) newConnectionLocked(remote net.Addr) *connection {
	e.lastID++
	c := &connection{
		id:      e.lastID,
		remote:  remote,
		streams: make(map[quic.StreamID]*stream),
	}
	e.conns[c.id] = c
	return c
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()

	for {
		qconn, err := e.ln.Accept(e.ctx)
		if err != nil {
			return
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			qconn.CloseWithError(quicgo_quicgo.ApplicationErrorCode(quic.ConnectionRefused), "")
			return
		}
		c := e.newConnectionLocked(qconn.RemoteAddr())
		c.qconn = qconn
		e.events = append(e.events, quic.Event{Kind: quic.ConnectionAccepted, Conn: c.id, Addr: qconn.RemoteAddr()})
		e.mu.Unlock()
		e.wake()

		e.serve(c, qconn)
	}
}

func (e *Engine) Connect(addr net.Addr, serverName string) (quic.ConnectionID, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, quic.ErrEngineClosed
	}
	c := e.newConnectionLocked(addr)
	ctx, cancel := context.WithCancelCause(e.ctx)
	c.cancelDial = cancel
	e.mu.Unlock()

	tlsConfig := e.tlsConfig.Clone()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = serverName
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel(nil)

		qconn, err := e.tr.DialEarly(ctx, addr, tlsConfig, e.config)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
				err = cause
			}
			e.finish(c, wrapError(err))
			return
		}

		e.mu.Lock()
		c.qconn = qconn
		e.mu.Unlock()

		e.serve(c, qconn)
	}()

	return c.id, nil
}

// serve watches one connection until quic-go closes it.
func (e *Engine) serve(c *connection, qconn quicgo_quicgo.EarlyConnection) {
	var accepting sync.WaitGroup
	accepting.Add(2)

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		defer accepting.Done()
		for {
			str, err := qconn.AcceptStream(qconn.Context())
			if err != nil {
				return
			}
			e.addStream(c, newStream(e, c.id, str.StreamID(), str, str), true)
		}
	}()
	go func() {
		defer e.wg.Done()
		defer accepting.Done()
		for {
			str, err := qconn.AcceptUniStream(qconn.Context())
			if err != nil {
				return
			}
			e.addStream(c, newStream(e, c.id, str.StreamID(), str, nil), true)
		}
	}()
	go func() {
		defer e.wg.Done()

		select {
		case <-qconn.HandshakeComplete():
			e.push(quic.Event{Kind: quic.HandshakeDone, Conn: c.id})
		case <-qconn.Context().Done():
		}

		<-qconn.Context().Done()
		accepting.Wait()

		reason := context.Cause(qconn.Context())
		if reason == nil {
			reason = quic.ErrConnectionClosed
		}
		e.finish(c, wrapError(reason))
	}()
}

func (e *Engine) addStream(c *connection, st *stream, remote bool) {
	e.mu.Lock()
	if c.finished {
		e.mu.Unlock()
		st.shutdown()
		return
	}
	c.streams[st.id] = st
	if remote {
		e.events = append(e.events, quic.Event{Kind: quic.StreamOpened, Conn: c.id, Stream: st.id})
	}
	e.mu.Unlock()

	if remote {
		e.wake()
	}
	st.start()
}

// finish reports the end of a connection and stops its stream pumps.
// Buffered stream data stays readable until the connection is released.
func (e *Engine) finish(c *connection, reason error) {
	e.mu.Lock()
	if c.finished {
		e.mu.Unlock()
		return
	}
	c.finished = true
	c.closing = true
	streams := make([]*stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	e.events = append(e.events,
		quic.Event{Kind: quic.ConnectionClosing, Conn: c.id, Err: reason},
		quic.Event{Kind: quic.ConnectionClosed, Conn: c.id},
	)
	e.mu.Unlock()

	for _, st := range streams {
		st.shutdown()
	}
	e.wake()
}

func (e *Engine) Ingest(d quic.Datagram) ([]quic.Event, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, quic.ErrEngineClosed
	}

	data := make([]byte, len(d.Data))
	copy(data, d.Data)
	if !e.pc.push(quic.Datagram{Data: data, Addr: d.Addr}) {
		return nil, errors.New("quicgo: receive queue full")
	}
	return nil, nil
}

// Poll returns the events recorded since the last call. Connections whose
// ConnectionClosed event was returned by the previous Poll are released.
func (e *Engine) Poll(time.Time) []quic.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range e.released {
		delete(e.conns, id)
	}
	e.released = e.released[:0]

	events := e.events
	e.events = nil
	for _, ev := range events {
		if ev.Kind == quic.ConnectionClosed {
			e.released = append(e.released, ev.Conn)
		}
	}
	return events
}

func (e *Engine) NextOutgoing() (quic.Datagram, bool) {
	return e.pc.pop()
}

// NextTimeout always reports no deadline: quic-go runs its own timers and
// signals progress through Notify.
func (e *Engine) NextTimeout(time.Time) (time.Duration, bool) {
	return 0, false
}

func (e *Engine) lookup(id quic.ConnectionID) (*connection, error) {
	if e.closed {
		return nil, quic.ErrEngineClosed
	}
	c, ok := e.conns[id]
	if !ok {
		return nil, quic.ErrUnknownConnection
	}
	return c, nil
}

func (e *Engine) lookupStream(conn quic.ConnectionID, id quic.StreamID) (*connection, *stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.lookup(conn)
	if err != nil {
		return nil, nil, err
	}
	st, ok := c.streams[id]
	if !ok {
		return nil, nil, quic.ErrUnknownStream
	}
	return c, st, nil
}

func (e *Engine) OpenStream(conn quic.ConnectionID, kind quic.StreamKind) (quic.StreamID, error) {
	e.mu.Lock()
	c, err := e.lookup(conn)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	if c.closing {
		e.mu.Unlock()
		return 0, quic.ErrConnectionClosed
	}
	qconn := c.qconn
	e.mu.Unlock()

	if qconn == nil {
		return 0, quic.ErrNotReady
	}

	var st *stream
	switch kind {
	case quic.Bidirectional:
		str, err := qconn.OpenStream()
		if err != nil {
			return 0, wrapError(err)
		}
		st = newStream(e, c.id, str.StreamID(), str, str)
	case quic.Unidirectional:
		str, err := qconn.OpenUniStream()
		if err != nil {
			return 0, wrapError(err)
		}
		st = newStream(e, c.id, str.StreamID(), nil, str)
	default:
		return 0, fmt.Errorf("quicgo: unknown stream kind %d", kind)
	}

	e.addStream(c, st, false)
	return st.id, nil
}

func (e *Engine) StreamWrite(conn quic.ConnectionID, id quic.StreamID, p []byte) (int, error) {
	c, st, err := e.lookupStream(conn, id)
	if err != nil {
		return 0, err
	}
	if st.send == nil {
		return 0, fmt.Errorf("quicgo: stream %d is receive-only", id)
	}

	e.mu.Lock()
	closing := c.closing
	e.mu.Unlock()
	if closing {
		return 0, quic.ErrConnectionClosed
	}

	return st.write(p)
}

func (e *Engine) StreamRead(conn quic.ConnectionID, id quic.StreamID, p []byte) (int, error) {
	_, st, err := e.lookupStream(conn, id)
	if err != nil {
		return 0, err
	}
	if st.recv == nil {
		return 0, fmt.Errorf("quicgo: stream %d is send-only", id)
	}
	return st.read(p)
}

func (e *Engine) ShutdownStream(conn quic.ConnectionID, id quic.StreamID, dir quic.Direction) error {
	_, st, err := e.lookupStream(conn, id)
	if err != nil {
		return err
	}

	switch dir {
	case quic.DirectionWrite:
		if st.send == nil {
			return fmt.Errorf("quicgo: stream %d is receive-only", id)
		}
		st.shutdownWrite()
	case quic.DirectionRead:
		if st.recv == nil {
			return fmt.Errorf("quicgo: stream %d is send-only", id)
		}
		st.stopReading(0)
	}
	return nil
}

func (e *Engine) ResetStream(conn quic.ConnectionID, id quic.StreamID, code quic.StreamErrorCode) error {
	_, st, err := e.lookupStream(conn, id)
	if err != nil {
		return err
	}
	st.reset(code)
	return nil
}

func (e *Engine) CloseConnection(conn quic.ConnectionID, code quic.ApplicationErrorCode, reason string) error {
	e.mu.Lock()
	c, err := e.lookup(conn)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if c.closing {
		e.mu.Unlock()
		return nil
	}
	c.closing = true
	qconn, cancelDial := c.qconn, c.cancelDial
	e.mu.Unlock()

	if qconn != nil {
		return wrapError(qconn.CloseWithError(code, reason))
	}
	cancelDial(&quic.ApplicationError{ErrorCode: code, ErrorMessage: reason})
	return nil
}

func (e *Engine) Capabilities() quic.Capabilities {
	return quic.Capabilities{
		EarlyData: e.role == quic.RoleClient && e.config != nil && e.config.Allow0RTT,
	}
}

// Close closes every connection and waits for quic-go to stop.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	qconns := make([]quicgo_quicgo.EarlyConnection, 0, len(e.conns))
	for _, c := range e.conns {
		if c.qconn != nil {
			qconns = append(qconns, c.qconn)
		}
	}
	e.mu.Unlock()

	for _, qconn := range qconns {
		qconn.CloseWithError(0, "")
	}
	if e.ln != nil {
		e.ln.Close()
	}
	e.cancel()
	e.pc.Close()
	err := e.tr.Close()
	e.wg.Wait()

	return err
}
