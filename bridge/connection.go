package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/okdaichi/quicbridge/quic"
)

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateEstablished
	StateClosing
	StateClosed
)

var stateTexts = map[State]string{
	StateConnecting:  "connecting",
	StateEstablished: "established",
	StateClosing:     "closing",
	StateClosed:      "closed",
}

func (s State) String() string {
	if text, ok := stateTexts[s]; ok {
		return text
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Connection is a handle to one QUIC connection. It is safe for concurrent
// use. Its state is owned by the endpoint's driver loop.
type Connection struct {
	id     quic.ConnectionID
	role   quic.Role
	remote net.Addr
	local  net.Addr
	driver *driver
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	state   atomic.Int32
	streams *incomingQueue[*Stream]

	mu       sync.Mutex
	closeErr *ConnectionError
	opErr    error
}

func newConnection(d *driver, cs *connState) *Connection {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Connection{
		id:      cs.id,
		role:    cs.role,
		remote:  cs.remote,
		local:   d.socket.localAddr(),
		driver:  d,
		logger:  cs.logger,
		ctx:     ctx,
		cancel:  cancel,
		streams: newIncomingQueue[*Stream](d.config.streamQueueSize()),
	}
}

func (c *Connection) ID() quic.ConnectionID {
	return c.id
}

// Role reports the side this endpoint plays on the connection.
func (c *Connection) Role() quic.Role {
	return c.role
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.remote
}

func (c *Connection) LocalAddr() net.Addr {
	return c.local
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// Context is canceled once the connection starts closing. Its cause is the
// *ConnectionError describing why.
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Connection) closing(cerr *ConnectionError, opErr error) {
	c.mu.Lock()
	c.closeErr = cerr
	c.opErr = opErr
	c.mu.Unlock()

	c.setState(StateClosing)
	c.cancel(cerr)
	c.streams.close(opErr)
}

// err returns the error operations fail with once the connection closes.
func (c *Connection) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opErr
}

func (c *Connection) closeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr == nil {
		return nil
	}
	return c.closeErr
}

// OpenStream opens a stream of kind. It waits for the handshake unless the
// engine supports early data.
func (c *Connection) OpenStream(ctx context.Context, kind quic.StreamKind) (*Stream, error) {
	if err := c.err(); err != nil {
		return nil, err
	}
	return run(ctx, c.driver, func(d *driver, op *operation[*Stream]) *registration {
		return d.openStream(c, kind, op)
	}, nil)
}

// AcceptStream returns the next stream opened by the peer. Streams queued
// before the connection closed are still returned.
func (c *Connection) AcceptStream(ctx context.Context) (*Stream, error) {
	return c.streams.dequeue(ctx)
}

// Close closes the connection without error.
func (c *Connection) Close() error {
	return c.CloseWithError(0, "")
}

// CloseWithError closes the connection with an application error code.
// Streams become terminal immediately. Closing a closed connection is a
// no-op.
func (c *Connection) CloseWithError(code quic.ApplicationErrorCode, msg string) error {
	if c.State() >= StateClosing {
		return nil
	}

	c.logger.Debug("closing connection",
		"code", uint64(code),
		"message", msg,
	)

	_, err := run(context.Background(), c.driver, func(d *driver, op *operation[struct{}]) *registration {
		if cs := d.conns[c.id]; cs != nil {
			d.closeConn(cs, code, msg)
		}
		op.resolve(struct{}{})
		return nil
	}, nil)
	return err
}

// Wait blocks until the connection is closed. It returns nil after a close
// with application error code 0 and the *ConnectionError otherwise.
func (c *Connection) Wait(ctx context.Context) error {
	if c.State() == StateClosed {
		return c.result()
	}
	_, err := run(ctx, c.driver, func(d *driver, op *operation[struct{}]) *registration {
		return d.waitClosed(c, op)
	}, nil)
	return err
}

func (c *Connection) result() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr == nil || c.closeErr.IsClean() {
		return nil
	}
	return c.closeErr
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection %d (%s, %s)", c.id, c.role, c.remote)
}

func (d *driver) openStream(c *Connection, kind quic.StreamKind, op *operation[*Stream]) *registration {
	cs := d.conns[c.id]
	if cs == nil {
		op.fail(c.err())
		return nil
	}

	return d.await(cs.key(interestHandshakeDone), func() bool {
		return op.complete(func() (*Stream, error, bool) {
			switch cs.state {
			case StateClosing, StateClosed:
				return nil, c.err(), true
			case StateConnecting:
				if !d.caps.EarlyData {
					return nil, nil, false
				}
			}

			id, err := d.engine.openStream(cs.id, kind)
			if errors.Is(err, quic.ErrNotReady) {
				return nil, nil, false
			}
			if err != nil {
				return nil, fmt.Errorf("bridge: failed to open %s stream: %w", kind, err), true
			}

			st := d.newStream(cs, id)
			cs.logger.Debug("opened stream", "stream_id", uint64(id))
			return st.handle, nil, true
		})
	}, op.fail)
}

func (d *driver) waitClosed(c *Connection, op *operation[struct{}]) *registration {
	cs := d.conns[c.id]
	if cs == nil {
		op.complete(func() (struct{}, error, bool) {
			return struct{}{}, c.result(), true
		})
		return nil
	}

	return d.await(cs.key(interestClosed), func() bool {
		return op.complete(func() (struct{}, error, bool) {
			if cs.state != StateClosed {
				return struct{}{}, nil, false
			}
			return struct{}{}, c.result(), true
		})
	}, op.fail)
}

// run submits start to the driver loop and waits for the operation it
// completes or registers. A deadline on ctx becomes a loop timer; plain
// cancellation removes the registration. onAbandon runs on the loop when
// the caller gave up first.
func run[T any](ctx context.Context, d *driver, start func(d *driver, op *operation[T]) *registration, onAbandon func(d *driver)) (T, error) {
	op := newOperation[T]()
	deadline, hasDeadline := ctx.Deadline()

	var reg *registration
	ok := d.submit(command{
		run: func(d *driver) {
			reg = start(d, op)
			if reg == nil || !hasDeadline {
				return
			}
			r := reg
			reg.timer = d.timers.add(deadline, func() {
				if _, _, abandoned := op.abandon(context.DeadlineExceeded); !abandoned {
					return
				}
				d.wakes.remove(r)
				if onAbandon != nil {
					onAbandon(d)
				}
			})
		},
		abort: op.fail,
	})
	if !ok {
		var zero T
		return zero, ErrEndpointClosed
	}

	return op.wait(ctx, func() {
		d.submit(command{
			run: func(d *driver) {
				if reg != nil {
					d.cancel(reg)
				}
				if onAbandon != nil {
					onAbandon(d)
				}
			},
			abort: func(error) {},
		})
	})
}
