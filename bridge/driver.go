package bridge

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net"
	"slices"
	"time"

	"github.com/okdaichi/quicbridge/quic"
)

const (
	// maxIngestBatch bounds the datagrams fed to the engine per iteration.
	maxIngestBatch = 64

	maxSendAttempts = 5
	sendRetryDelay  = 2 * time.Millisecond

	maxResolveRounds = 16

	readScratchSize = 16 << 10
)

const (
	closeCodeNoError  quic.ApplicationErrorCode = 0x0
	closeCodeInternal quic.ApplicationErrorCode = 0x1
	closeCodeRefused  quic.ApplicationErrorCode = 0x2

	streamCodeRefused quic.StreamErrorCode = 0x2
)

// driver is the single goroutine that owns the engine. Connection and
// stream state lives here and is only touched from run.
type driver struct {
	role      quic.Role
	config    *Config
	logger    *slog.Logger
	engine    *engineContext
	caps      quic.Capabilities
	socket    *socket
	commands  *commandQueue
	accepted  *incomingQueue[*Connection]
	ephemeral bool

	conns  map[quic.ConnectionID]*connState
	wakes  *wakeTable
	timers *timerHeap
	dirty  map[wakeKey]struct{}

	outbox   []quic.Datagram
	attempts int
	retryAt  time.Time

	now     time.Time
	scratch []byte

	stopping     bool
	stopDeadline time.Time
}

func newDriver(role quic.Role, config *Config, logger *slog.Logger, engine quic.Engine, sock *socket, ephemeral bool) *driver {
	ec := newEngineContext(engine)
	return &driver{
		role:      role,
		config:    config,
		logger:    logger,
		engine:    ec,
		caps:      ec.capabilities(),
		socket:    sock,
		commands:  newCommandQueue(),
		accepted:  newIncomingQueue[*Connection](config.acceptQueueSize()),
		ephemeral: ephemeral,
		conns:     make(map[quic.ConnectionID]*connState),
		wakes:     newWakeTable(),
		timers:    newTimerHeap(),
		dirty:     make(map[wakeKey]struct{}),
		now:       time.Now(),
		scratch:   make([]byte, readScratchSize),
	}
}

// submit queues cmd for the loop. It reports false once the loop stopped.
func (d *driver) submit(cmd command) bool {
	return d.commands.push(cmd)
}

// run is the driver loop. It returns nil after a graceful stop and the
// socket error when reading failed.
func (d *driver) run(ctx context.Context) error {
	wakeup := time.NewTimer(time.Hour)
	defer wakeup.Stop()

	incoming := d.socket.incoming

	for {
		d.now = time.Now()
		d.iterate()

		if d.done() {
			return d.exit(nil)
		}

		if deadline, ok := d.nextDeadline(); ok {
			wakeup.Reset(max(time.Until(deadline), 0))
		} else {
			wakeup.Stop()
		}

		select {
		case <-ctx.Done():
			return d.exit(d.readFailure())
		case dg, ok := <-incoming:
			if !ok {
				incoming = nil
				if d.stopping {
					continue
				}
				return d.exit(d.readFailure())
			}
			d.now = time.Now()
			d.ingest(dg)
			d.ingestBacklog(incoming)
		case <-d.commands.signal():
		case <-d.engine.notify:
		case <-wakeup.C:
		}
	}
}

// iterate runs one pass of the loop after an event woke it.
func (d *driver) iterate() {
	for _, cmd := range d.commands.drain() {
		cmd.run(d)
	}
	d.timers.expire(d.now)
	d.apply(d.engine.poll(d.now))
	d.resolveDirty()
	d.flush()
}

func (d *driver) ingestBacklog(incoming <-chan quic.Datagram) {
	for range maxIngestBatch - 1 {
		select {
		case dg, ok := <-incoming:
			if !ok {
				return
			}
			d.ingest(dg)
		default:
			return
		}
	}
}

func (d *driver) ingest(dg quic.Datagram) {
	events, err := d.engine.ingest(dg)
	d.apply(events)
	if err == nil {
		return
	}

	var cerr *quic.ConnectionError
	if errors.As(err, &cerr) {
		cs := d.conns[cerr.Conn]
		if cs == nil {
			return
		}
		cs.logger.Warn("connection failed on received datagram",
			"error", cerr.Err,
		)
		d.abortConn(cs, cerr.Err)
		return
	}

	d.logger.Debug("dropped datagram",
		"remote_address", dg.Addr,
		"error", err,
	)
}

func (d *driver) apply(events []quic.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case quic.ConnectionAccepted:
			if _, ok := d.conns[ev.Conn]; ok {
				continue
			}
			cs := d.newConn(ev.Conn, ev.Addr, quic.RoleServer)
			cs.logger.Debug("accepting connection")
		case quic.HandshakeDone:
			cs := d.conns[ev.Conn]
			if cs == nil || cs.state != StateConnecting {
				continue
			}
			d.establish(cs)
		case quic.ConnectionClosing:
			cs := d.conns[ev.Conn]
			if cs == nil {
				continue
			}
			d.beginClosing(cs, ev.Err)
		case quic.ConnectionClosed:
			cs := d.conns[ev.Conn]
			if cs == nil {
				continue
			}
			d.beginClosing(cs, quic.ErrConnectionClosed)
			d.finish(cs)
		case quic.StreamOpened:
			cs := d.conns[ev.Conn]
			if cs == nil || cs.state >= StateClosing {
				continue
			}
			d.acceptStream(cs, ev.Stream)
		case quic.StreamReadable:
			if st := d.lookupStream(ev.Conn, ev.Stream); st != nil {
				d.pull(st)
			}
		case quic.StreamWritable:
			if st := d.lookupStream(ev.Conn, ev.Stream); st != nil {
				d.flushStream(st)
			}
		default:
			d.logger.Debug("ignoring engine event", "event", ev.String())
		}
	}
}

func (d *driver) lookupStream(conn quic.ConnectionID, id quic.StreamID) *streamState {
	cs := d.conns[conn]
	if cs == nil {
		return nil
	}
	return cs.streams[id]
}

func (d *driver) markDirty(key wakeKey) {
	d.dirty[key] = struct{}{}
}

// await completes try now or registers it under key. Ordered interests
// queue behind earlier registrations.
func (d *driver) await(key wakeKey, try func() bool, fail func(error)) *registration {
	queued := key.interest.ordered() && d.wakes.pending(key)
	if !queued && try() {
		return nil
	}
	if queued {
		d.markDirty(key)
	}
	return d.wakes.add(key, try, fail)
}

func (d *driver) cancel(reg *registration) {
	d.wakes.remove(reg)
	d.timers.remove(reg.timer)
}

func (d *driver) resolveKey(key wakeKey) {
	for _, reg := range d.wakes.resolve(key) {
		d.timers.remove(reg.timer)
	}
}

// resolveDirty resolves the registrations whose state changed. Resolving
// can change more state, so it repeats a bounded number of times; whatever
// is left waits for the next iteration.
func (d *driver) resolveDirty() {
	for range maxResolveRounds {
		if len(d.dirty) == 0 {
			return
		}
		keys := d.dirty
		d.dirty = make(map[wakeKey]struct{})

		for key := range keys {
			d.resolveKey(key)
			if key.interest.ordered() {
				if st := d.lookupStream(key.conn, key.stream); st != nil {
					d.maybeRelease(st)
				}
			}
		}
	}
}

// flush sends what the engine produced. Transient failures keep the
// datagram at the head of the outbox and retry it after a short delay.
func (d *driver) flush() {
	for {
		dg, ok := d.engine.nextOutgoing()
		if !ok {
			break
		}
		d.outbox = append(d.outbox, dg)
	}
	if len(d.outbox) == 0 || d.now.Before(d.retryAt) {
		return
	}

	for len(d.outbox) > 0 {
		dg := d.outbox[0]

		err := d.socket.send(dg)
		switch {
		case err == nil:
		case isTransient(err):
			d.attempts++
			if d.attempts < maxSendAttempts {
				d.retryAt = d.now.Add(sendRetryDelay * time.Duration(d.attempts))
				return
			}
			d.logger.Warn("dropping datagram after repeated send failures",
				"remote_address", dg.Addr,
				"error", err,
			)
		default:
			d.sendFailed(dg, err)
		}

		d.outbox[0] = quic.Datagram{}
		d.outbox = d.outbox[1:]
		d.attempts = 0
		d.retryAt = time.Time{}
	}
	d.outbox = nil
}

// sendFailed closes the connections talking to the unreachable address.
func (d *driver) sendFailed(dg quic.Datagram, err error) {
	if isNetClosing(err) && d.stopping {
		return
	}

	attributed := false
	for _, cs := range d.sortedConns() {
		if cs.state >= StateClosing || cs.remote.String() != dg.Addr.String() {
			continue
		}
		attributed = true
		cs.logger.Warn("closing connection after send failure", "error", err)
		d.abortConn(cs, err)
	}
	if !attributed {
		d.logger.Warn("send failed",
			"remote_address", dg.Addr,
			"error", err,
		)
	}
}

func (d *driver) nextDeadline() (time.Time, bool) {
	if len(d.dirty) > 0 {
		return d.now, true
	}

	var (
		next  time.Time
		found bool
	)
	consider := func(t time.Time) {
		if !found || t.Before(next) {
			next, found = t, true
		}
	}

	if t, ok := d.timers.next(); ok {
		consider(t)
	}
	if t, ok := d.engine.nextTimeout(d.now); ok {
		consider(t)
	}
	if len(d.outbox) > 0 {
		consider(d.retryAt)
	}
	if d.stopping {
		consider(d.stopDeadline)
	}
	return next, found
}

// stop closes every connection and lets the loop exit once they are gone
// or the close timeout passed.
func (d *driver) stop() {
	if d.stopping {
		return
	}
	d.stopping = true
	d.stopDeadline = d.now.Add(d.config.closeTimeout())
	d.accepted.close(ErrEndpointClosed)

	d.logger.Debug("stopping endpoint", "connections", len(d.conns))

	for _, cs := range d.sortedConns() {
		d.closeConn(cs, closeCodeNoError, "")
	}
}

func (d *driver) done() bool {
	if !d.stopping {
		return false
	}
	if !d.now.Before(d.stopDeadline) {
		return true
	}
	return len(d.conns) == 0 && len(d.outbox) == 0
}

func (d *driver) readFailure() error {
	if err := d.socket.readErr(); err != nil {
		return err
	}
	return &IOError{Op: "read", Addr: d.socket.localAddr(), Err: net.ErrClosed}
}

// exit tears everything down. Connections still open end with reason, or
// with ErrEndpointClosed after a graceful stop.
func (d *driver) exit(err error) error {
	reason := err
	if reason == nil {
		reason = ErrEndpointClosed
	}

	for _, cs := range d.sortedConns() {
		d.beginClosing(cs, reason)
		d.finish(cs)
	}
	d.resolveDirty()

	for _, reg := range d.wakes.all() {
		d.timers.remove(reg.timer)
		reg.fail(ErrEndpointClosed)
	}
	d.accepted.close(ErrEndpointClosed)
	for _, cmd := range d.commands.close() {
		cmd.abort(ErrEndpointClosed)
	}

	if cerr := d.engine.close(); cerr != nil {
		d.logger.Warn("failed to close engine", "error", cerr)
	}
	d.socket.close()

	if err != nil {
		d.logger.Error("endpoint stopped", "error", err)
	} else {
		d.logger.Info("endpoint stopped")
	}
	return err
}

func (d *driver) sortedConns() []*connState {
	ids := slices.Sorted(maps.Keys(d.conns))
	conns := make([]*connState, 0, len(ids))
	for _, id := range ids {
		conns = append(conns, d.conns[id])
	}
	return conns
}
