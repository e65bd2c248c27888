package quictest

import (
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetwork_Deliver(t *testing.T) {
	n := NewNetwork()
	a := n.Listen("a")
	b := n.Listen("b")
	defer a.Close()
	defer b.Close()

	_, err := a.WriteTo([]byte("one"), b.LocalAddr())
	require.NoError(t, err)
	_, err = a.WriteTo([]byte("two"), b.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 16)
	for _, want := range []string{"one", "two"} {
		n, from, err := b.ReadFrom(buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf[:n]))
		assert.Equal(t, "a", from.String())
	}
	assert.Equal(t, 2, a.Sent())
}

func TestNetwork_UnknownAddressIsDropped(t *testing.T) {
	n := NewNetwork()
	a := n.Listen("a")
	defer a.Close()

	written, err := a.WriteTo([]byte("lost"), Addr("nowhere"))
	assert.NoError(t, err)
	assert.Equal(t, 4, written)
}

func TestNetwork_FailWrites(t *testing.T) {
	n := NewNetwork()
	a := n.Listen("a")
	b := n.Listen("b")
	defer a.Close()
	defer b.Close()

	a.FailWrites(syscall.ENOBUFS)

	_, err := a.WriteTo([]byte("x"), b.LocalAddr())
	assert.ErrorIs(t, err, syscall.ENOBUFS)

	_, err = a.WriteTo([]byte("x"), b.LocalAddr())
	assert.NoError(t, err)
}

func TestNetwork_ReadDeadline(t *testing.T) {
	n := NewNetwork()
	a := n.Listen("a")
	defer a.Close()

	require.NoError(t, a.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, _, err := a.ReadFrom(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestNetwork_DeadlineChangeWakesReader(t *testing.T) {
	n := NewNetwork()
	a := n.Listen("a")
	defer a.Close()

	errc := make(chan error, 1)
	go func() {
		_, _, err := a.ReadFrom(make([]byte, 1))
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.SetReadDeadline(time.Now()))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by the deadline")
	}
}

func TestNetwork_Close(t *testing.T) {
	n := NewNetwork()
	a := n.Listen("a")

	errc := make(chan error, 1)
	go func() {
		_, _, err := a.ReadFrom(make([]byte, 1))
		errc <- err
	}()

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Close(), net.ErrClosed)
	assert.ErrorIs(t, <-errc, net.ErrClosed)

	// the address can be reused once closed
	b := n.Listen("a")
	assert.NoError(t, b.Close())
}
