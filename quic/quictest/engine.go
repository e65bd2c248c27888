package quictest

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"sync/atomic"
	"time"

	"github.com/okdaichi/quicbridge/quic"
)

const (
	DefaultStreamWindow    = 64 << 10
	DefaultDrainTimeout    = 50 * time.Millisecond
	DefaultMaxDatagramSize = 1200

	// streamFrameOverhead bounds the header, token and STREAM frame fields.
	streamFrameOverhead = 32
)

// Options configures an Engine. Both ends of a connection must use the same
// StreamWindow.
type Options struct {
	// StreamWindow is the per-stream receive window advertised to the peer.
	StreamWindow int

	// DrainTimeout is how long a closing connection lingers before the
	// engine reports it closed.
	DrainTimeout time.Duration

	// MaxDatagramSize bounds the size of produced datagrams.
	MaxDatagramSize int

	// EarlyData allows opening and writing streams before the handshake
	// completes.
	EarlyData bool

	// Now replaces time.Now.
	Now func() time.Time
}

func (o Options) streamWindow() uint64 {
	if o.StreamWindow > 0 {
		return uint64(o.StreamWindow)
	}
	return DefaultStreamWindow
}

func (o Options) drainTimeout() time.Duration {
	if o.DrainTimeout > 0 {
		return o.DrainTimeout
	}
	return DefaultDrainTimeout
}

func (o Options) maxDatagramSize() int {
	if o.MaxDatagramSize > streamFrameOverhead {
		return o.MaxDatagramSize
	}
	return DefaultMaxDatagramSize
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// NewEngineFunc returns a quic.NewEngineFunc creating engines with opts.
// The quic.Config argument is ignored.
func NewEngineFunc(opts Options) quic.NewEngineFunc {
	return func(role quic.Role, tlsConfig *tls.Config, _ *quic.Config) (quic.Engine, error) {
		return New(role, tlsConfig, opts)
	}
}

var _ quic.Engine = (*Engine)(nil)

// Engine is a deterministic quic.Engine. Only the application protocols of
// the TLS configuration are used.
type Engine struct {
	role      quic.Role
	protocols []string
	opts      Options

	busy   atomic.Bool
	closed bool

	lastID quic.ConnectionID
	conns  map[quic.ConnectionID]*connection
	peers  map[peerKey]quic.ConnectionID

	outgoing []quic.Datagram
	events   []quic.Event
}

type peerKey struct {
	addr  string
	token uint64
}

type connection struct {
	id          quic.ConnectionID
	token       uint64
	peer        net.Addr
	role        quic.Role
	protocol    string
	established bool
	closing     bool
	drainUntil  time.Time
	streams     map[quic.StreamID]*stream
	next        map[quic.StreamKind]quic.StreamID
}

type stream struct {
	id quic.StreamID

	recv            []byte
	received        uint64
	consumed        uint64
	advertised      uint64
	recvFin         bool
	recvErr         error
	readStopped     bool
	readablePending bool

	sent    uint64
	limit   uint64
	blocked bool
	finSent bool
	sendErr error
}

func New(role quic.Role, tlsConfig *tls.Config, opts Options) (*Engine, error) {
	if tlsConfig == nil {
		return nil, errors.New("quictest: missing TLS config")
	}
	if len(tlsConfig.NextProtos) == 0 {
		return nil, errors.New("quictest: TLS config has no application protocols")
	}
	if role == quic.RoleServer && len(tlsConfig.Certificates) == 0 && tlsConfig.GetCertificate == nil {
		return nil, errors.New("quictest: server TLS config has no certificate")
	}

	return &Engine{
		role:      role,
		protocols: slices.Clone(tlsConfig.NextProtos),
		opts:      opts,
		conns:     make(map[quic.ConnectionID]*connection),
		peers:     make(map[peerKey]quic.ConnectionID),
	}, nil
}

func (e *Engine) enter() {
	if !e.busy.CompareAndSwap(false, true) {
		panic("quictest: concurrent engine use")
	}
}

func (e *Engine) leave() {
	e.busy.Store(false)
}

func (e *Engine) Connect(addr net.Addr, serverName string) (quic.ConnectionID, error) {
	e.enter()
	defer e.leave()

	if e.closed {
		return 0, quic.ErrEngineClosed
	}

	c := e.newConnection(addr, quic.RoleClient)
	c.token = uint64(c.id)
	e.peers[peerKey{addr: addr.String(), token: c.token}] = c.id

	e.send(c, frame{typ: frameHello, protocols: e.protocols})

	return c.id, nil
}

func (e *Engine) newConnection(addr net.Addr, role quic.Role) *connection {
	e.lastID++
	c := &connection{
		id:      e.lastID,
		peer:    addr,
		role:    role,
		streams: make(map[quic.StreamID]*stream),
		next: map[quic.StreamKind]quic.StreamID{
			quic.Bidirectional:  quic.FirstStreamID(role, quic.Bidirectional),
			quic.Unidirectional: quic.FirstStreamID(role, quic.Unidirectional),
		},
	}
	e.conns[c.id] = c
	return c
}

func (e *Engine) Ingest(d quic.Datagram) ([]quic.Event, error) {
	e.enter()
	defer e.leave()

	if e.closed {
		return nil, quic.ErrEngineClosed
	}

	token, r, err := parseHeader(d.Data)
	if err != nil {
		return nil, err
	}

	id, known := e.peers[peerKey{addr: d.Addr.String(), token: token}]

	frames, err := parseFrames(r)
	if err != nil {
		if !known {
			return nil, err
		}
		c := e.conns[id]
		return e.takeEvents(), e.violation(c, quic.FrameEncodingError, err)
	}

	if !known {
		if e.role != quic.RoleServer || len(frames) == 0 || frames[0].typ != frameHello {
			return nil, fmt.Errorf("quictest: datagram for unknown connection %d from %s", token, d.Addr)
		}
		c := e.accept(d.Addr, token, frames[0].protocols)
		if c == nil {
			return e.takeEvents(), nil
		}
		id = c.id
		frames = frames[1:]
	}

	c := e.conns[id]
	for _, f := range frames {
		if c.closing {
			break
		}
		if err := e.handleFrame(c, f); err != nil {
			return e.takeEvents(), err
		}
	}

	return e.takeEvents(), nil
}

// accept creates a server connection for a HELLO, or refuses it when no
// application protocol matches.
func (e *Engine) accept(addr net.Addr, token uint64, offered []string) *connection {
	var protocol string
	for _, p := range e.protocols {
		if slices.Contains(offered, p) {
			protocol = p
			break
		}
	}

	if protocol == "" {
		refusal := appendHeader(nil, token)
		refusal = frame{
			typ:       frameClose,
			transport: true,
			code:      uint64(quic.NoApplicationProtocol),
			reason:    "no application protocol",
		}.append(refusal)
		e.outgoing = append(e.outgoing, quic.Datagram{Data: refusal, Addr: addr})
		return nil
	}

	c := e.newConnection(addr, quic.RoleServer)
	c.token = token
	c.protocol = protocol
	c.established = true
	e.peers[peerKey{addr: addr.String(), token: token}] = c.id

	e.events = append(e.events,
		quic.Event{Kind: quic.ConnectionAccepted, Conn: c.id, Addr: addr},
		quic.Event{Kind: quic.HandshakeDone, Conn: c.id},
	)
	e.send(c, frame{typ: frameWelcome, protocol: protocol})

	return c
}

func (e *Engine) handleFrame(c *connection, f frame) error {
	switch f.typ {
	case frameHello:
		if c.role != quic.RoleServer {
			return e.violation(c, quic.ProtocolViolation, errors.New("HELLO sent to client"))
		}
	case frameWelcome:
		if c.role != quic.RoleClient {
			return e.violation(c, quic.ProtocolViolation, errors.New("WELCOME sent to server"))
		}
		if !c.established {
			c.established = true
			c.protocol = f.protocol
			e.events = append(e.events, quic.Event{Kind: quic.HandshakeDone, Conn: c.id})
		}
	case frameStream:
		st, err := e.peerStream(c, f.stream)
		if err != nil {
			return err
		}
		if !quic.CanRead(f.stream, c.role) {
			return e.violation(c, quic.StreamStateError, fmt.Errorf("data on send-only stream %d", f.stream))
		}
		if st.received+uint64(len(f.data)) > st.advertised {
			return e.violation(c, quic.FlowControlError, fmt.Errorf("stream %d exceeded its window", f.stream))
		}
		st.received += uint64(len(f.data))
		if st.readStopped || st.recvErr != nil {
			return nil
		}
		st.recv = append(st.recv, f.data...)
		if f.fin {
			st.recvFin = true
		}
		e.readable(c, st)
	case frameMaxStreamData:
		st, ok := c.streams[f.stream]
		if !ok {
			return nil
		}
		if f.limit > st.limit {
			st.limit = f.limit
			if st.blocked {
				st.blocked = false
				e.events = append(e.events, quic.Event{Kind: quic.StreamWritable, Conn: c.id, Stream: st.id})
			}
		}
	case frameResetStream:
		st, err := e.peerStream(c, f.stream)
		if err != nil {
			return err
		}
		if st.recvErr == nil && !st.recvFin {
			st.recvErr = &quic.StreamError{
				StreamID:  st.id,
				ErrorCode: quic.StreamErrorCode(f.code),
				Remote:    true,
			}
			st.recv = nil
			e.readable(c, st)
		}
	case frameStopSending:
		st, err := e.peerStream(c, f.stream)
		if err != nil {
			return err
		}
		if st.sendErr == nil {
			st.sendErr = &quic.StreamError{
				StreamID:  st.id,
				ErrorCode: quic.StreamErrorCode(f.code),
				Remote:    true,
			}
			st.blocked = false
			e.send(c, frame{typ: frameResetStream, stream: st.id, code: f.code})
			e.events = append(e.events, quic.Event{Kind: quic.StreamWritable, Conn: c.id, Stream: st.id})
		}
	case frameClose:
		var reason error
		if f.transport {
			reason = &quic.TransportError{
				Remote:       true,
				ErrorCode:    quic.TransportErrorCode(f.code),
				ErrorMessage: f.reason,
			}
		} else {
			reason = &quic.ApplicationError{
				Remote:       true,
				ErrorCode:    quic.ApplicationErrorCode(f.code),
				ErrorMessage: f.reason,
			}
		}
		e.beginClosing(c, reason)
	}

	return nil
}

// peerStream returns the stream with id, creating it when the peer opened it.
func (e *Engine) peerStream(c *connection, id quic.StreamID) (*stream, error) {
	if st, ok := c.streams[id]; ok {
		return st, nil
	}
	if quic.InitiatorOf(id) == c.role {
		return nil, e.violation(c, quic.StreamStateError, fmt.Errorf("frame for unopened stream %d", id))
	}

	st := e.newStream(id)
	c.streams[id] = st
	e.events = append(e.events, quic.Event{Kind: quic.StreamOpened, Conn: c.id, Stream: id})
	return st, nil
}

func (e *Engine) newStream(id quic.StreamID) *stream {
	window := e.opts.streamWindow()
	return &stream{
		id:         id,
		advertised: window,
		limit:      window,
	}
}

func (e *Engine) readable(c *connection, st *stream) {
	if st.readablePending {
		return
	}
	st.readablePending = true
	e.events = append(e.events, quic.Event{Kind: quic.StreamReadable, Conn: c.id, Stream: st.id})
}

// violation closes c with a transport error and returns the attributed error.
func (e *Engine) violation(c *connection, code quic.TransportErrorCode, cause error) error {
	reason := &quic.TransportError{
		ErrorCode:    code,
		ErrorMessage: cause.Error(),
	}
	if !c.closing {
		e.send(c, frame{typ: frameClose, transport: true, code: uint64(code), reason: cause.Error()})
		e.beginClosing(c, reason)
	}
	return &quic.ConnectionError{Conn: c.id, Err: reason}
}

func (e *Engine) beginClosing(c *connection, reason error) {
	if c.closing {
		return
	}
	c.closing = true
	c.drainUntil = e.opts.now().Add(e.opts.drainTimeout())
	e.events = append(e.events, quic.Event{Kind: quic.ConnectionClosing, Conn: c.id, Err: reason})
}

func (e *Engine) takeEvents() []quic.Event {
	events := e.events
	e.events = nil
	return events
}

func (e *Engine) Poll(now time.Time) []quic.Event {
	e.enter()
	defer e.leave()

	for _, id := range slices.Sorted(maps.Keys(e.conns)) {
		c := e.conns[id]
		if c.closing && !now.Before(c.drainUntil) {
			delete(e.conns, id)
			delete(e.peers, peerKey{addr: c.peer.String(), token: c.token})
			e.events = append(e.events, quic.Event{Kind: quic.ConnectionClosed, Conn: id})
		}
	}

	return e.takeEvents()
}

func (e *Engine) NextOutgoing() (quic.Datagram, bool) {
	e.enter()
	defer e.leave()

	if len(e.outgoing) == 0 {
		return quic.Datagram{}, false
	}
	d := e.outgoing[0]
	e.outgoing[0] = quic.Datagram{}
	e.outgoing = e.outgoing[1:]
	return d, true
}

func (e *Engine) NextTimeout(now time.Time) (time.Duration, bool) {
	e.enter()
	defer e.leave()

	var (
		next  time.Duration
		found bool
	)
	for _, c := range e.conns {
		if !c.closing {
			continue
		}
		d := max(c.drainUntil.Sub(now), 0)
		if !found || d < next {
			next, found = d, true
		}
	}
	return next, found
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
	e.enter()
	defer e.leave()

	c, err := e.lookup(conn)
	if err != nil {
		return 0, err
	}
	if c.closing {
		return 0, quic.ErrConnectionClosed
	}
	if !c.established && !e.opts.EarlyData {
		return 0, quic.ErrNotReady
	}

	id := c.next[kind]
	c.next[kind] = id + 4
	c.streams[id] = e.newStream(id)

	return id, nil
}

func (e *Engine) StreamWrite(conn quic.ConnectionID, id quic.StreamID, p []byte) (int, error) {
	e.enter()
	defer e.leave()

	c, st, err := e.lookupStream(conn, id)
	if err != nil {
		return 0, err
	}
	if c.closing {
		return 0, quic.ErrConnectionClosed
	}
	if !quic.CanWrite(id, c.role) {
		return 0, fmt.Errorf("quictest: stream %d is receive-only", id)
	}
	if st.sendErr != nil {
		return 0, st.sendErr
	}
	if st.finSent {
		return 0, quic.ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	avail := st.limit - st.sent
	if avail == 0 {
		st.blocked = true
		return 0, nil
	}

	n := len(p)
	if uint64(n) > avail {
		n = int(avail)
	}
	e.sendStreamData(c, id, p[:n], false)
	st.sent += uint64(n)

	return n, nil
}

func (e *Engine) sendStreamData(c *connection, id quic.StreamID, data []byte, fin bool) {
	chunk := e.opts.maxDatagramSize() - streamFrameOverhead
	for len(data) > chunk {
		e.send(c, frame{typ: frameStream, stream: id, data: data[:chunk]})
		data = data[chunk:]
	}
	e.send(c, frame{typ: frameStream, stream: id, data: data, fin: fin})
}

func (e *Engine) StreamRead(conn quic.ConnectionID, id quic.StreamID, p []byte) (int, error) {
	e.enter()
	defer e.leave()

	c, st, err := e.lookupStream(conn, id)
	if err != nil {
		return 0, err
	}
	if !quic.CanRead(id, c.role) {
		return 0, fmt.Errorf("quictest: stream %d is send-only", id)
	}

	st.readablePending = false

	if st.recvErr != nil {
		return 0, st.recvErr
	}
	if len(st.recv) == 0 {
		if st.recvFin || st.readStopped {
			return 0, io.EOF
		}
		return 0, nil
	}

	n := copy(p, st.recv)
	st.recv = st.recv[n:]
	st.consumed += uint64(n)

	window := e.opts.streamWindow()
	if !st.recvFin && !c.closing && st.advertised-st.consumed <= window/2 {
		st.advertised = st.consumed + window
		e.send(c, frame{typ: frameMaxStreamData, stream: id, limit: st.advertised})
	}

	return n, nil
}

func (e *Engine) ShutdownStream(conn quic.ConnectionID, id quic.StreamID, dir quic.Direction) error {
	e.enter()
	defer e.leave()

	c, st, err := e.lookupStream(conn, id)
	if err != nil {
		return err
	}

	switch dir {
	case quic.DirectionWrite:
		if !quic.CanWrite(id, c.role) {
			return fmt.Errorf("quictest: stream %d is receive-only", id)
		}
		if st.finSent || st.sendErr != nil {
			return nil
		}
		st.finSent = true
		if !c.closing {
			e.sendStreamData(c, id, nil, true)
		}
	case quic.DirectionRead:
		if !quic.CanRead(id, c.role) {
			return fmt.Errorf("quictest: stream %d is send-only", id)
		}
		if st.readStopped {
			return nil
		}
		st.readStopped = true
		st.recv = nil
		if !st.recvFin && st.recvErr == nil && !c.closing {
			e.send(c, frame{typ: frameStopSending, stream: id})
		}
	}

	return nil
}

func (e *Engine) ResetStream(conn quic.ConnectionID, id quic.StreamID, code quic.StreamErrorCode) error {
	e.enter()
	defer e.leave()

	c, st, err := e.lookupStream(conn, id)
	if err != nil {
		return err
	}
	if c.closing {
		return nil
	}

	if quic.CanWrite(id, c.role) && st.sendErr == nil {
		st.sendErr = &quic.StreamError{StreamID: id, ErrorCode: code}
		e.send(c, frame{typ: frameResetStream, stream: id, code: uint64(code)})
	}
	if quic.CanRead(id, c.role) && !st.readStopped {
		st.readStopped = true
		st.recv = nil
		if !st.recvFin && st.recvErr == nil {
			e.send(c, frame{typ: frameStopSending, stream: id, code: uint64(code)})
		}
	}

	return nil
}

func (e *Engine) CloseConnection(conn quic.ConnectionID, code quic.ApplicationErrorCode, reason string) error {
	e.enter()
	defer e.leave()

	c, err := e.lookup(conn)
	if err != nil {
		return err
	}
	if c.closing {
		return nil
	}

	e.send(c, frame{typ: frameClose, code: uint64(code), reason: reason})
	e.beginClosing(c, &quic.ApplicationError{ErrorCode: code, ErrorMessage: reason})

	return nil
}

func (e *Engine) Capabilities() quic.Capabilities {
	return quic.Capabilities{EarlyData: e.opts.EarlyData}
}

func (e *Engine) Close() error {
	e.enter()
	defer e.leave()

	if e.closed {
		return nil
	}
	e.closed = true
	clear(e.conns)
	clear(e.peers)
	e.outgoing = nil
	e.events = nil
	return nil
}

// Protocol returns the application protocol negotiated on conn.
func (e *Engine) Protocol(conn quic.ConnectionID) (string, bool) {
	e.enter()
	defer e.leave()

	c, ok := e.conns[conn]
	if !ok || !c.established {
		return "", false
	}
	return c.protocol, true
}

func (e *Engine) send(c *connection, frames ...frame) {
	b := appendHeader(make([]byte, 0, e.opts.maxDatagramSize()), c.token)
	for _, f := range frames {
		b = f.append(b)
	}
	e.outgoing = append(e.outgoing, quic.Datagram{Data: b, Addr: c.peer})
}
