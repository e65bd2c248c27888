package bridge

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/okdaichi/quicbridge/quic"
)

const (
	maxDatagramSize = 1 << 16
	incomingBacklog = 1 << 8
)

// socket owns the packet connection of an endpoint. A reader goroutine
// delivers datagrams on incoming; the driver loop sends through send.
type socket struct {
	pc     net.PacketConn
	logger *slog.Logger

	incoming chan quic.Datagram
	done     chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newSocket(pc net.PacketConn, logger *slog.Logger) *socket {
	return &socket{
		pc:       pc,
		logger:   logger,
		incoming: make(chan quic.Datagram, incomingBacklog),
		done:     make(chan struct{}),
	}
}

// readLoop reads until the socket is closed or fails. incoming is closed on
// return; a fatal error is kept for the driver loop.
func (s *socket) readLoop() error {
	defer close(s.incoming)

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			if isTransient(err) {
				s.logger.Debug("transient read error", "error", err)
				continue
			}

			ioErr := &IOError{Op: "read", Addr: s.pc.LocalAddr(), Err: err}
			s.mu.Lock()
			s.err = ioErr
			s.mu.Unlock()
			return ioErr
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case s.incoming <- quic.Datagram{Data: data, Addr: addr}:
		case <-s.done:
			return nil
		}
	}
}

// readErr returns the error that stopped readLoop, if any.
func (s *socket) readErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *socket) send(d quic.Datagram) error {
	_, err := s.pc.WriteTo(d.Data, d.Addr)
	if err != nil {
		return &IOError{Op: "write", Addr: d.Addr, Err: err}
	}
	return nil
}

func (s *socket) localAddr() net.Addr {
	return s.pc.LocalAddr()
}

func (s *socket) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
		err = s.pc.Close()
	})
	return err
}

// isTransient reports whether a socket error is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.EINTR) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// isNetClosing reports whether err came from a closed socket.
func isNetClosing(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
