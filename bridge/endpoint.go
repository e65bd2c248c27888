package bridge

import (
	"context"
	"iter"
	"log/slog"
	"net"

	"github.com/okdaichi/quicbridge/quic"
	"golang.org/x/sync/errgroup"
)

// Endpoint owns one packet socket and the engine multiplexing every
// connection over it.
type Endpoint struct {
	role   quic.Role
	config *Config
	logger *slog.Logger
	driver *driver

	done chan struct{}
	err  error
}

// Connect dials addr from a new client endpoint on an ephemeral port. The
// endpoint closes by itself once the connection closed.
func Connect(ctx context.Context, addr string, config *Config) (*Connection, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &IOError{Op: "resolve", Err: err}
	}
	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, &IOError{Op: "listen", Err: err}
	}

	ep, err := newEndpoint(pc, quic.RoleClient, config, true)
	if err != nil {
		pc.Close()
		return nil, err
	}

	conn, err := ep.dial(ctx, raddr, serverName(ep.config, addr))
	if err != nil {
		ep.Close()
		return nil, err
	}
	return conn, nil
}

// Listen creates a server endpoint on addr.
func Listen(addr string, config *Config) (*Endpoint, error) {
	return NewEndpoint(addr, quic.RoleServer, config)
}

// NewEndpoint creates an endpoint for role on a new UDP socket bound to
// addr.
func NewEndpoint(addr string, role quic.Role, config *Config) (*Endpoint, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, &IOError{Op: "listen", Err: err}
	}
	ep, err := NewEndpointConn(pc, role, config)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return ep, nil
}

// NewEndpointConn creates an endpoint for role on pc. The endpoint closes
// pc when it stops.
func NewEndpointConn(pc net.PacketConn, role quic.Role, config *Config) (*Endpoint, error) {
	return newEndpoint(pc, role, config, false)
}

func newEndpoint(pc net.PacketConn, role quic.Role, config *Config, ephemeral bool) (*Endpoint, error) {
	config = config.Clone()

	tlsConfig, err := config.tlsConfig(role)
	if err != nil {
		return nil, &EngineInitError{Err: err}
	}
	engine, err := config.newEngine()(role, tlsConfig, config.quicConfig())
	if err != nil {
		return nil, &EngineInitError{Err: err}
	}

	logger := config.logger().With(
		"endpoint_role", role.String(),
		"local_address", pc.LocalAddr().String(),
	)

	ep := &Endpoint{
		role:   role,
		config: config,
		logger: logger,
		done:   make(chan struct{}),
	}
	ep.driver = newDriver(role, config, logger, engine, newSocket(pc, logger), ephemeral)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(ep.driver.socket.readLoop)
	g.Go(func() error {
		return ep.driver.run(ctx)
	})
	go func() {
		ep.err = g.Wait()
		close(ep.done)
	}()

	logger.Info("endpoint started")

	return ep, nil
}

func (e *Endpoint) Addr() net.Addr {
	return e.driver.socket.localAddr()
}

func (e *Endpoint) Role() quic.Role {
	return e.role
}

// Accept returns the next connection established by a peer. Connections
// beyond the accept queue are refused while nobody accepts.
func (e *Endpoint) Accept(ctx context.Context) (*Connection, error) {
	return e.driver.accepted.dequeue(ctx)
}

// Connections returns the sequence of accepted connections. The sequence
// ends after yielding the error that stopped accepting; once the endpoint
// closed it yields ErrEndpointClosed and cannot be restarted.
func (e *Endpoint) Connections(ctx context.Context) iter.Seq2[*Connection, error] {
	return func(yield func(*Connection, error) bool) {
		for {
			conn, err := e.Accept(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(conn, nil) {
				return
			}
		}
	}
}

// Dial opens a connection to addr. It returns once the handshake completed,
// or as soon as streams can be opened when the engine supports early data.
// A failed handshake returns a *ConnectionError.
func (e *Endpoint) Dial(ctx context.Context, addr net.Addr) (*Connection, error) {
	return e.dial(ctx, addr, serverName(e.config, addr.String()))
}

func (e *Endpoint) dial(ctx context.Context, addr net.Addr, name string) (*Connection, error) {
	var cs *connState
	return run(ctx, e.driver, func(d *driver, op *operation[*Connection]) *registration {
		var reg *registration
		cs, reg = d.dial(addr, name, op)
		return reg
	}, func(d *driver) {
		if cs != nil {
			d.closeConn(cs, closeCodeNoError, "dial canceled")
		}
	})
}

// Close closes every connection, waits up to Config.CloseTimeout for them
// to finish and releases the socket.
func (e *Endpoint) Close() error {
	e.driver.submit(command{
		run:   func(d *driver) { d.stop() },
		abort: func(error) {},
	})
	<-e.done
	return e.err
}

// Done is closed once the endpoint stopped.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Err returns the error that stopped the endpoint, or nil after Close.
func (e *Endpoint) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

func (d *driver) dial(addr net.Addr, name string, op *operation[*Connection]) (*connState, *registration) {
	if d.stopping {
		op.fail(ErrEndpointClosed)
		return nil, nil
	}

	id, err := d.engine.connect(addr, name)
	if err != nil {
		op.fail(&ConnectionError{RemoteAddr: addr, Err: err})
		return nil, nil
	}
	cs := d.newConn(id, addr, quic.RoleClient)
	cs.logger.Debug("dialing", "server_name", name)

	return cs, d.await(cs.key(interestHandshakeDone), func() bool {
		return op.complete(func() (*Connection, error, bool) {
			switch cs.state {
			case StateEstablished:
				return cs.handle, nil, true
			case StateConnecting:
				if d.caps.EarlyData {
					return cs.handle, nil, true
				}
				return nil, nil, false
			default:
				return nil, cs.handle.closeError(), true
			}
		})
	}, op.fail)
}

func serverName(config *Config, addr string) string {
	if config != nil && config.TLSConfig != nil && config.TLSConfig.ServerName != "" {
		return config.TLSConfig.ServerName
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
