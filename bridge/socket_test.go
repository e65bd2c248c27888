package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/okdaichi/quicbridge/quic"
	"github.com/okdaichi/quicbridge/quic/quictest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"no buffer space":    {err: syscall.ENOBUFS, want: true},
		"would block":        {err: syscall.EAGAIN, want: true},
		"interrupted":        {err: syscall.EINTR, want: true},
		"wrapped":            {err: &net.OpError{Op: "write", Err: os.NewSyscallError("sendto", syscall.ENOBUFS)}, want: true},
		"deadline":           {err: os.ErrDeadlineExceeded, want: true},
		"closed":             {err: net.ErrClosed},
		"unreachable":        {err: syscall.ENETUNREACH},
		"other":              {err: errors.New("boom")},
		"wrapped other":      {err: fmt.Errorf("write: %w", errors.New("boom"))},
		"connection refused": {err: syscall.ECONNREFUSED},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestSocket_ReadLoop(t *testing.T) {
	network := quictest.NewNetwork()
	pc := network.Listen("local")
	peer := network.Listen("peer")

	s := newSocket(pc, slog.Default())
	errCh := make(chan error, 1)
	go func() { errCh <- s.readLoop() }()

	_, err := peer.WriteTo([]byte("ping"), quictest.Addr("local"))
	require.NoError(t, err)

	select {
	case dg := <-s.incoming:
		assert.Equal(t, "ping", string(dg.Data))
		assert.Equal(t, "peer", dg.Addr.String())
	case <-time.After(time.Second):
		t.Fatal("datagram not delivered")
	}

	require.NoError(t, s.send(quic.Datagram{Data: []byte("pong"), Addr: quictest.Addr("peer")}))
	buf := make([]byte, 16)
	n, from, err := peer.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
	assert.Equal(t, "local", from.String())

	require.NoError(t, s.close())
	assert.NoError(t, <-errCh, "closing is not a read failure")
	assert.NoError(t, s.readErr())

	_, ok := <-s.incoming
	assert.False(t, ok, "incoming must be closed")
}

func TestSocket_ReadFailure(t *testing.T) {
	pc := quictest.NewNetwork().Listen("local")
	s := newSocket(pc, slog.Default())

	errCh := make(chan error, 1)
	go func() { errCh <- s.readLoop() }()

	require.NoError(t, pc.Close())

	err := <-errCh
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "read", ioErr.Op)
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.Equal(t, err, s.readErr())
}

func TestSocket_SendFailure(t *testing.T) {
	pc := quictest.NewNetwork().Listen("local")
	s := newSocket(pc, slog.Default())
	defer s.close()

	pc.FailWrites(syscall.ENOBUFS)

	err := s.send(quic.Datagram{Data: []byte("x"), Addr: quictest.Addr("peer")})
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "write", ioErr.Op)
	assert.True(t, isTransient(err))

	assert.NoError(t, s.send(quic.Datagram{Data: []byte("x"), Addr: quictest.Addr("peer")}))
}
