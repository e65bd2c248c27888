package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/okdaichi/quicbridge/internal/selfsign"
	"github.com/okdaichi/quicbridge/quic"
	"github.com/okdaichi/quicbridge/quic/quictest"
	"github.com/stretchr/testify/require"
)

const testALPN = "quicbridge-test"

// testEnv is a server endpoint on an in-memory network.
type testEnv struct {
	network  *quictest.Network
	cert     *selfsign.Certificate
	serverPC *quictest.PacketConn
	server   *Endpoint
}

func newTestCertificate(t *testing.T) *selfsign.Certificate {
	t.Helper()
	cert, err := selfsign.Generate("localhost", "127.0.0.1")
	require.NoError(t, err)
	return cert
}

func newTestEnv(t *testing.T, opts quictest.Options, mutate func(*Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		network: quictest.NewNetwork(),
		cert:    newTestCertificate(t),
	}

	config := &Config{
		TLSConfig: env.cert.ServerConfig(testALPN),
		NewEngine: quictest.NewEngineFunc(opts),
		Logger:    slog.Default(),
	}
	if mutate != nil {
		mutate(config)
	}

	env.serverPC = env.network.Listen("server")
	server, err := NewEndpointConn(env.serverPC, quic.RoleServer, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	env.server = server

	return env
}

func (env *testEnv) newClient(t *testing.T, name string, opts quictest.Options, mutate func(*Config)) (*Endpoint, *quictest.PacketConn) {
	t.Helper()

	config := &Config{
		TLSConfig: env.cert.ClientConfig(testALPN),
		NewEngine: quictest.NewEngineFunc(opts),
		Logger:    slog.Default(),
	}
	if mutate != nil {
		mutate(config)
	}

	pc := env.network.Listen(name)
	client, err := NewEndpointConn(pc, quic.RoleClient, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, pc
}

// connect dials the server from client and accepts the connection.
func (env *testEnv) connect(t *testing.T, client *Endpoint) (*Connection, *Connection) {
	t.Helper()
	ctx := testContext(t)

	cconn, err := client.Dial(ctx, quictest.Addr("server"))
	require.NoError(t, err)

	sconn, err := env.server.Accept(ctx)
	require.NoError(t, err)

	return cconn, sconn
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// readAll reads s until io.EOF. The error is nil when the stream finished.
func readAll(ctx context.Context, s *Stream) ([]byte, error) {
	var (
		out []byte
		buf = make([]byte, 1500)
	)
	for {
		n, err := s.ReadContext(ctx, buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

// pendingWakes returns the number of suspended operations of e.
func (e *Endpoint) pendingWakes(t *testing.T) int {
	t.Helper()
	n, err := run(context.Background(), e.driver, func(d *driver, op *operation[int]) *registration {
		op.resolve(d.wakes.len())
		return nil
	}, nil)
	require.NoError(t, err)
	return n
}
