package bridge

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/okdaichi/quicbridge/quic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The tests below run the bridge over real UDP sockets with the quic-go
// backed engine.

func listenEcho(t *testing.T, config *Config) *Endpoint {
	t.Helper()

	server, err := Listen("127.0.0.1:0", config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	go func() {
		for conn, err := range server.Connections(context.Background()) {
			if err != nil {
				return
			}
			go func() {
				for {
					str, err := conn.AcceptStream(context.Background())
					if err != nil {
						return
					}
					go func() {
						_, _ = io.Copy(str, str)
						_ = str.Close()
					}()
				}
			}()
		}
	}()

	return server
}

func TestQUICGo_Echo(t *testing.T) {
	cert := newTestCertificate(t)
	server := listenEcho(t, &Config{TLSConfig: cert.ServerConfig(testALPN)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Connect(ctx, server.Addr().String(), &Config{TLSConfig: cert.ClientConfig(testALPN)})
	require.NoError(t, err)
	assert.Equal(t, StateEstablished, conn.State())

	str, err := conn.OpenStream(ctx, quic.Bidirectional)
	require.NoError(t, err)
	_, err = str.WriteContext(ctx, []byte("hello quic"))
	require.NoError(t, err)
	require.NoError(t, str.Close())

	got, err := readAll(ctx, str)
	require.NoError(t, err)
	assert.Equal(t, "hello quic", string(got))

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Wait(ctx))
}

func TestQUICGo_LargeTransfer(t *testing.T) {
	cert := newTestCertificate(t)
	server := listenEcho(t, &Config{TLSConfig: cert.ServerConfig(testALPN)})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conn, err := Connect(ctx, server.Addr().String(), &Config{
		TLSConfig:       cert.ClientConfig(testALPN),
		WriteBufferSize: 4 << 10,
		ReadBufferSize:  4 << 10,
	})
	require.NoError(t, err)
	defer conn.Close()

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	str, err := conn.OpenStream(ctx, quic.Bidirectional)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		if _, err := str.WriteContext(ctx, payload); err != nil {
			errCh <- err
			return
		}
		errCh <- str.Close()
	}()

	got, err := readAll(ctx, str)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, len(payload), len(got))
	assert.Equal(t, payload, got)
}

func TestQUICGo_ALPNMismatch(t *testing.T) {
	cert := newTestCertificate(t)
	server := listenEcho(t, &Config{TLSConfig: cert.ServerConfig(testALPN)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := Connect(ctx, server.Addr().String(), &Config{TLSConfig: cert.ClientConfig("other-protocol")})
	require.Error(t, err)
	var cerr *ConnectionError
	assert.ErrorAs(t, err, &cerr)

	conn, err := Connect(ctx, server.Addr().String(), &Config{TLSConfig: cert.ClientConfig(testALPN)})
	require.NoError(t, err, "the listener must keep serving")
	require.NoError(t, conn.Close())
}

func TestQUICGo_VerifyCertificate(t *testing.T) {
	cert := newTestCertificate(t)
	server := listenEcho(t, &Config{TLSConfig: cert.ServerConfig(testALPN)})

	rejected := errors.New("certificate pinned elsewhere")

	tests := map[string]struct {
		verify  func(chain []*x509.Certificate, serverName string) error
		wantErr bool
	}{
		"default verification": {
			verify: DefaultVerifyCertificate(cert.Pool()),
		},
		"rejecting hook": {
			verify:  func([]*x509.Certificate, string) error { return rejected },
			wantErr: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			tlsConfig := cert.ClientConfig(testALPN)
			tlsConfig.RootCAs = nil

			conn, err := Connect(ctx, server.Addr().String(), &Config{
				TLSConfig:         tlsConfig,
				VerifyCertificate: tt.verify,
			})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, conn.Close())
		})
	}
}

func TestQUICGo_CloseWithError(t *testing.T) {
	cert := newTestCertificate(t)

	server, err := Listen("127.0.0.1:0", &Config{TLSConfig: cert.ServerConfig(testALPN)})
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Connect(ctx, server.Addr().String(), &Config{TLSConfig: cert.ClientConfig(testALPN)})
	require.NoError(t, err)

	sconn, err := server.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.CloseWithError(42, "done here"))

	err = sconn.Wait(ctx)
	var appErr *quic.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, quic.ApplicationErrorCode(42), appErr.ErrorCode)
	assert.True(t, appErr.Remote)
}

func TestQUICGo_StopSending(t *testing.T) {
	cert := newTestCertificate(t)

	server, err := Listen("127.0.0.1:0", &Config{TLSConfig: cert.ServerConfig(testALPN)})
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Connect(ctx, server.Addr().String(), &Config{TLSConfig: cert.ClientConfig(testALPN)})
	require.NoError(t, err)
	defer conn.Close()

	sconn, err := server.Accept(ctx)
	require.NoError(t, err)

	cstr, err := conn.OpenStream(ctx, quic.Bidirectional)
	require.NoError(t, err)
	_, err = cstr.WriteContext(ctx, []byte("unwanted"))
	require.NoError(t, err)

	sstr, err := sconn.AcceptStream(ctx)
	require.NoError(t, err)
	_, err = sstr.ReadContext(ctx, make([]byte, 64))
	require.NoError(t, err)
	require.NoError(t, sstr.Shutdown(quic.DirectionRead))

	// The writer is idle when STOP_SENDING arrives.
	require.Eventually(t, cstr.IsReset, 5*time.Second, 10*time.Millisecond)

	n, err := cstr.WriteContext(ctx, []byte("more"))
	assert.Zero(t, n)
	var serr *StreamError
	require.ErrorAs(t, err, &serr)
	assert.True(t, serr.Remote)
}
