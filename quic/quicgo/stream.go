package quicgo

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/okdaichi/quicbridge/quic"
	quicgo_quicgo "github.com/quic-go/quic-go"
)

const (
	// streamBufferSize bounds the bytes buffered per stream direction.
	streamBufferSize = 64 << 10

	pumpChunkSize = 16 << 10
)

// stream buffers one quic-go stream so that reads and writes issued through
// the engine never block. A read pump fills recvBuf from quic-go and a write
// pump drains sendBuf into it.
type stream struct {
	id     quic.StreamID
	conn   quic.ConnectionID
	engine *Engine

	recv quicgo_quicgo.ReceiveStream
	send quicgo_quicgo.SendStream

	mu   sync.Mutex
	cond *sync.Cond

	recvBuf     []byte
	recvErr     error
	readStopped bool

	sendBuf      []byte
	sendFin      bool
	sendErr      error
	writeBlocked bool

	closed bool
	done   chan struct{}
}

func newStream(e *Engine, conn quic.ConnectionID, id quic.StreamID, recv quicgo_quicgo.ReceiveStream, send quicgo_quicgo.SendStream) *stream {
	s := &stream{
		id:     id,
		conn:   conn,
		engine: e,
		recv:   recv,
		send:   send,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *stream) start() {
	if s.recv != nil {
		s.engine.wg.Add(1)
		go s.readLoop()
	}
	if s.send != nil {
		s.engine.wg.Add(2)
		go s.writeLoop()
		go s.watchSend()
	}
}

func (s *stream) readLoop() {
	defer s.engine.wg.Done()

	buf := make([]byte, pumpChunkSize)
	for {
		s.mu.Lock()
		for len(s.recvBuf) >= streamBufferSize && !s.closed && !s.readStopped {
			s.cond.Wait()
		}
		if s.closed || s.readStopped {
			s.mu.Unlock()
			return
		}
		room := min(streamBufferSize-len(s.recvBuf), len(buf))
		s.mu.Unlock()

		n, err := s.recv.Read(buf[:room])

		s.mu.Lock()
		notify := n > 0 && len(s.recvBuf) == 0
		s.recvBuf = append(s.recvBuf, buf[:n]...)
		if err != nil && s.recvErr == nil {
			if errors.Is(err, io.EOF) {
				s.recvErr = io.EOF
			} else {
				s.recvErr = wrapError(err)
			}
			notify = true
		}
		s.mu.Unlock()

		if notify {
			s.engine.push(quic.Event{Kind: quic.StreamReadable, Conn: s.conn, Stream: s.id})
		}
		if err != nil {
			return
		}
	}
}

func (s *stream) writeLoop() {
	defer s.engine.wg.Done()

	for {
		s.mu.Lock()
		for len(s.sendBuf) == 0 && !s.sendFin && !s.closed && s.sendErr == nil {
			s.cond.Wait()
		}
		if s.closed || s.sendErr != nil {
			s.mu.Unlock()
			return
		}
		if len(s.sendBuf) == 0 {
			s.mu.Unlock()
			s.send.Close()
			return
		}
		chunk := make([]byte, min(len(s.sendBuf), pumpChunkSize))
		copy(chunk, s.sendBuf)
		s.mu.Unlock()

		n, err := s.send.Write(chunk)

		s.mu.Lock()
		if s.sendErr == nil {
			s.sendBuf = s.sendBuf[n:]
			if len(s.sendBuf) == 0 {
				s.sendBuf = nil
			}
		}
		notify := false
		if err != nil {
			if s.sendErr == nil {
				s.sendErr = wrapError(err)
			}
			notify = s.writeBlocked
			s.writeBlocked = false
		} else if s.writeBlocked && len(s.sendBuf) < streamBufferSize {
			s.writeBlocked = false
			notify = true
		}
		s.mu.Unlock()

		if notify {
			s.engine.push(quic.Event{Kind: quic.StreamWritable, Conn: s.conn, Stream: s.id})
		}
		if err != nil {
			return
		}
	}
}

// watchSend reports a STOP_SENDING from the peer while the write pump is
// idle, so the next write fails instead of being buffered.
func (s *stream) watchSend() {
	defer s.engine.wg.Done()

	ctx := s.send.Context()
	select {
	case <-ctx.Done():
	case <-s.done:
		return
	}

	var serr *quicgo_quicgo.StreamError
	if !errors.As(context.Cause(ctx), &serr) || !serr.Remote {
		return
	}

	s.mu.Lock()
	first := s.sendErr == nil
	if first {
		s.sendErr = wrapError(serr)
		s.sendBuf = nil
		s.cond.Broadcast()
	}
	s.writeBlocked = false
	s.mu.Unlock()

	if first {
		s.engine.push(quic.Event{Kind: quic.StreamWritable, Conn: s.conn, Stream: s.id})
	}
}

func (s *stream) read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.recvBuf) > 0 {
		n := copy(p, s.recvBuf)
		s.recvBuf = s.recvBuf[n:]
		if len(s.recvBuf) == 0 {
			s.recvBuf = nil
		}
		s.cond.Broadcast()
		return n, nil
	}
	if s.readStopped {
		return 0, io.EOF
	}
	return 0, s.recvErr
}

func (s *stream) write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendErr != nil {
		return 0, s.sendErr
	}
	if s.sendFin {
		return 0, quic.ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	room := streamBufferSize - len(s.sendBuf)
	if room <= 0 {
		s.writeBlocked = true
		return 0, nil
	}

	n := min(room, len(p))
	s.sendBuf = append(s.sendBuf, p[:n]...)
	s.cond.Broadcast()
	return n, nil
}

func (s *stream) shutdownWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sendFin = true
	s.cond.Broadcast()
}

func (s *stream) stopReading(code quic.StreamErrorCode) {
	s.mu.Lock()
	already := s.readStopped
	s.readStopped = true
	s.recvBuf = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if !already {
		s.recv.CancelRead(code)
	}
}

func (s *stream) reset(code quic.StreamErrorCode) {
	if s.send != nil {
		s.mu.Lock()
		first := s.sendErr == nil
		if first {
			s.sendErr = &quic.StreamError{StreamID: s.id, ErrorCode: code}
			s.sendBuf = nil
		}
		s.cond.Broadcast()
		s.mu.Unlock()

		if first {
			s.send.CancelWrite(code)
		}
	}
	if s.recv != nil {
		s.stopReading(code)
	}
}

// shutdown stops both pumps after the connection went away.
func (s *stream) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.cond.Broadcast()
}
