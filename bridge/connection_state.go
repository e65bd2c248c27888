package bridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"

	"github.com/google/uuid"
	"github.com/okdaichi/quicbridge/quic"
)

// connState is the driver's record of one connection.
type connState struct {
	id     quic.ConnectionID
	role   quic.Role
	remote net.Addr
	logger *slog.Logger

	handle *Connection

	state   State
	reason  error
	streams map[quic.StreamID]*streamState

	handshakeTimer *timer
	closeTimer     *timer
	accepted       bool
}

func (cs *connState) key(i interest) wakeKey {
	return wakeKey{conn: cs.id, interest: i}
}

// streamState is the driver's record of one stream.
type streamState struct {
	id     quic.StreamID
	conn   *connState
	handle *Stream

	canRead  bool
	canWrite bool

	readBuf []byte
	readErr error

	writeBuf   []byte
	writeErr   error
	finPending bool
	finSent    bool
}

func (st *streamState) readKey() wakeKey {
	return wakeKey{conn: st.conn.id, stream: st.id, interest: interestReadable}
}

func (st *streamState) writeKey() wakeKey {
	return wakeKey{conn: st.conn.id, stream: st.id, interest: interestWritable}
}

func (d *driver) newConn(id quic.ConnectionID, remote net.Addr, role quic.Role) *connState {
	cs := &connState{
		id:     id,
		role:   role,
		remote: remote,
		logger: d.logger.With(
			"connection_id", uint64(id),
			"trace_id", uuid.NewString(),
			"remote_address", remote.String(),
			"connection_role", role.String(),
		),
		state:   StateConnecting,
		streams: make(map[quic.StreamID]*streamState),
	}
	cs.handle = newConnection(d, cs)
	cs.handshakeTimer = d.timers.add(d.now.Add(d.config.handshakeTimeout()), func() {
		if cs.state != StateConnecting {
			return
		}
		cs.logger.Warn("handshake timed out")
		d.abortConn(cs, &quic.HandshakeTimeoutError{})
	})
	d.conns[id] = cs
	return cs
}

func (d *driver) establish(cs *connState) {
	cs.state = StateEstablished
	cs.handle.setState(StateEstablished)
	d.timers.remove(cs.handshakeTimer)
	d.markDirty(cs.key(interestHandshakeDone))

	cs.logger.Info("connection established")

	if cs.role != quic.RoleServer || cs.accepted {
		return
	}
	cs.accepted = true
	if d.stopping || !d.accepted.enqueue(cs.handle) {
		cs.logger.Warn("refusing connection",
			"accept_queue", d.accepted.len(),
		)
		d.closeConn(cs, closeCodeRefused, "connection refused")
	}
}

// closeConn closes cs on behalf of the application.
func (d *driver) closeConn(cs *connState, code quic.ApplicationErrorCode, msg string) {
	if cs.state >= StateClosing {
		return
	}
	if err := d.engine.closeConnection(cs.id, code, msg); err != nil {
		cs.logger.Debug("engine refused close", "error", err)
	}
	d.beginClosing(cs, &quic.ApplicationError{ErrorCode: code, ErrorMessage: msg})
}

// abortConn closes cs because of a local failure described by reason.
func (d *driver) abortConn(cs *connState, reason error) {
	if cs.state >= StateClosing {
		return
	}
	if err := d.engine.closeConnection(cs.id, closeCodeInternal, reason.Error()); err != nil {
		cs.logger.Debug("engine refused close", "error", err)
	}
	d.beginClosing(cs, reason)
}

// beginClosing moves cs to Closing. Every stream becomes terminal: after a
// clean close the bytes already received stay readable before io.EOF,
// otherwise reads and writes fail with the close reason.
func (d *driver) beginClosing(cs *connState, reason error) {
	if cs.state >= StateClosing {
		return
	}
	cs.state = StateClosing
	cs.reason = reason
	d.timers.remove(cs.handshakeTimer)

	cerr := &ConnectionError{ConnectionID: cs.id, RemoteAddr: cs.remote, Err: reason}
	opErr := fmt.Errorf("%w: %w", ErrConnectionClosed, cerr)
	clean := isCleanClose(reason)

	for _, st := range cs.streams {
		d.terminateStream(st, clean, opErr)
	}
	cs.handle.closing(cerr, opErr)
	d.markDirty(cs.key(interestHandshakeDone))

	cs.closeTimer = d.timers.add(d.now.Add(d.config.closeTimeout()), func() {
		if d.conns[cs.id] != cs {
			return
		}
		cs.logger.Warn("connection did not close in time")
		d.finish(cs)
	})

	if clean {
		cs.logger.Info("connection closing", "reason", reason)
	} else {
		cs.logger.Warn("connection closing", "reason", reason)
	}
}

func (d *driver) terminateStream(st *streamState, clean bool, opErr error) {
	if st.canRead {
		switch {
		case clean:
			d.fill(st, math.MaxInt)
			if st.readErr == nil {
				st.readErr = io.EOF
			}
		case st.readErr == nil || len(st.readBuf) > 0:
			st.readBuf = nil
			st.readErr = opErr
		}
		d.markDirty(st.readKey())
	}
	if st.canWrite {
		if st.writeErr == nil {
			st.writeErr = opErr
		}
		st.writeBuf = nil
		d.markDirty(st.writeKey())
	}
}

// finish removes cs once the engine released it or the close timeout
// passed. Waiters are resolved and stream handles take over whatever is
// left in their buffers.
func (d *driver) finish(cs *connState) {
	if d.conns[cs.id] != cs {
		return
	}
	cs.state = StateClosed
	cs.handle.setState(StateClosed)
	delete(d.conns, cs.id)
	d.timers.remove(cs.handshakeTimer)
	d.timers.remove(cs.closeTimer)

	for _, key := range d.wakes.keys(cs.id) {
		d.resolveKey(key)
	}
	for id, st := range cs.streams {
		d.finalize(st)
		delete(cs.streams, id)
	}

	cs.logger.Debug("connection closed")

	if d.ephemeral && len(d.conns) == 0 {
		d.stop()
	}
}

// acceptStream hands a peer-opened stream to AcceptStream. Streams beyond
// the queue size are reset.
func (d *driver) acceptStream(cs *connState, id quic.StreamID) {
	if _, ok := cs.streams[id]; ok {
		return
	}
	st := d.newStream(cs, id)
	if !cs.handle.streams.enqueue(st.handle) {
		cs.logger.Warn("refusing stream", "stream_id", uint64(id))
		if err := d.engine.resetStream(cs.id, id, streamCodeRefused); err != nil {
			cs.logger.Debug("failed to reset refused stream", "stream_id", uint64(id), "error", err)
		}
		delete(cs.streams, id)
		return
	}
	d.pull(st)
}

func (d *driver) newStream(cs *connState, id quic.StreamID) *streamState {
	st := &streamState{
		id:       id,
		conn:     cs,
		canRead:  quic.CanRead(id, cs.role),
		canWrite: quic.CanWrite(id, cs.role),
	}
	st.handle = newStreamHandle(cs.handle, id, st.canRead, st.canWrite)
	cs.streams[id] = st
	return st
}

// pull moves received bytes from the engine into the read buffer.
func (d *driver) pull(st *streamState) {
	d.fill(st, d.config.readBufferSize())
}

// fill reads from the engine until the read buffer holds limit bytes or
// the engine has nothing left.
func (d *driver) fill(st *streamState, limit int) {
	if !st.canRead || st.readErr != nil {
		return
	}

	for len(st.readBuf) < limit {
		buf := d.scratch[:min(len(d.scratch), limit-len(st.readBuf))]
		n, err := d.engine.streamRead(st.conn.id, st.id, buf)
		st.readBuf = append(st.readBuf, buf[:n]...)
		if err != nil {
			st.readErr = d.streamError(st, err)
			break
		}
		if n == 0 {
			break
		}
	}

	if len(st.readBuf) > 0 || st.readErr != nil {
		d.markDirty(st.readKey())
	}
}

// flushStream hands buffered bytes to the engine and finishes the send
// side once everything was accepted.
func (d *driver) flushStream(st *streamState) {
	if !st.canWrite {
		return
	}

	// An empty write collects send failures such as a peer's STOP_SENDING
	// while nothing is buffered.
	if len(st.writeBuf) == 0 && !st.finPending && st.writeErr == nil {
		if _, err := d.engine.streamWrite(st.conn.id, st.id, nil); err != nil {
			st.writeErr = d.streamError(st, err)
		}
	}

	for len(st.writeBuf) > 0 && st.writeErr == nil {
		n, err := d.engine.streamWrite(st.conn.id, st.id, st.writeBuf)
		if err != nil {
			if st.writeErr = d.streamError(st, err); st.writeErr != nil {
				st.writeBuf = nil
			}
			break
		}
		if n == 0 {
			break
		}
		st.writeBuf = st.writeBuf[n:]
	}
	if len(st.writeBuf) == 0 {
		st.writeBuf = nil
	}

	if st.finPending && !st.finSent && st.writeErr == nil && len(st.writeBuf) == 0 {
		if err := d.engine.shutdownStream(st.conn.id, st.id, quic.DirectionWrite); err != nil {
			st.writeErr = d.streamError(st, err)
		}
		st.finSent = true
	}

	d.markDirty(st.writeKey())
}

// streamError converts an engine stream failure into the error callers see.
// It returns nil for failures of the whole connection: those reach the
// stream through beginClosing once the engine reports the close.
func (d *driver) streamError(st *streamState, err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if isConnectionFailure(err) {
		return nil
	}

	var serr *quic.StreamError
	if errors.As(err, &serr) {
		st.handle.reset.Store(true)
		st.conn.logger.Debug("stream reset",
			"stream_id", uint64(st.id),
			"code", uint64(serr.ErrorCode),
			"remote", serr.Remote,
		)
		return &StreamError{StreamError: serr}
	}

	if errors.Is(err, quic.ErrStreamClosed) {
		return ErrStreamClosed
	}
	return fmt.Errorf("%w: %w", ErrStreamClosed, err)
}

// resetStream aborts both sides of st with code.
func (d *driver) resetStream(st *streamState, code quic.StreamErrorCode) {
	if err := d.engine.resetStream(st.conn.id, st.id, code); err != nil {
		st.conn.logger.Debug("failed to reset stream", "stream_id", uint64(st.id), "error", err)
	}

	serr := &StreamError{StreamError: &quic.StreamError{StreamID: st.id, ErrorCode: code}}
	if st.canRead && st.readErr == nil {
		st.readBuf = nil
		st.readErr = serr
		d.markDirty(st.readKey())
	}
	if st.canWrite && st.writeErr == nil {
		st.writeBuf = nil
		st.writeErr = serr
		d.markDirty(st.writeKey())
	}
	st.handle.reset.Store(true)
}

// stopReading discards buffered bytes and asks the peer to stop sending.
func (d *driver) stopReading(st *streamState) {
	if st.readErr == nil || len(st.readBuf) > 0 {
		st.readBuf = nil
		st.readErr = ErrStreamClosed
	}
	if err := d.engine.shutdownStream(st.conn.id, st.id, quic.DirectionRead); err != nil {
		st.conn.logger.Debug("failed to stop reading", "stream_id", uint64(st.id), "error", err)
	}
	d.markDirty(st.readKey())
}

// maybeRelease forgets st once both sides are terminal and nobody waits
// on it. The handle keeps any unread bytes.
func (d *driver) maybeRelease(st *streamState) {
	readDone := !st.canRead || st.readErr != nil
	writeDone := !st.canWrite || st.writeErr != nil || (st.finSent && len(st.writeBuf) == 0)
	if !readDone || !writeDone {
		return
	}
	if d.wakes.pending(st.readKey()) || d.wakes.pending(st.writeKey()) {
		return
	}
	d.finalize(st)
	delete(st.conn.streams, st.id)
}

func (d *driver) finalize(st *streamState) {
	writeErr := st.writeErr
	if writeErr == nil {
		writeErr = ErrStreamClosed
	}
	readErr := st.readErr
	if readErr == nil {
		readErr = ErrStreamClosed
	}
	st.handle.finalize(st.readBuf, readErr, writeErr)
	st.readBuf = nil
}

func isConnectionFailure(err error) bool {
	var (
		appErr       *quic.ApplicationError
		transportErr *quic.TransportError
		idleErr      *quic.IdleTimeoutError
		handshakeErr *quic.HandshakeTimeoutError
		resetErr     *quic.StatelessResetError
	)
	return errors.As(err, &appErr) ||
		errors.As(err, &transportErr) ||
		errors.As(err, &idleErr) ||
		errors.As(err, &handshakeErr) ||
		errors.As(err, &resetErr) ||
		errors.Is(err, quic.ErrConnectionClosed) ||
		errors.Is(err, quic.ErrUnknownConnection)
}
