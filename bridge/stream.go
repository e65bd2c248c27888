package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/okdaichi/quicbridge/quic"
)

var (
	_ io.Reader = (*Stream)(nil)
	_ io.Writer = (*Stream)(nil)
	_ io.Closer = (*Stream)(nil)
)

// Stream is a handle to one stream of a connection. It is safe for
// concurrent use; concurrent reads receive disjoint parts of the stream in
// the order they were issued, and so do concurrent writes.
type Stream struct {
	id   quic.StreamID
	conn *Connection

	canRead  bool
	canWrite bool

	reset atomic.Bool

	// Set once the driver forgot the stream.
	mu       sync.Mutex
	final    bool
	rest     []byte
	readErr  error
	writeErr error
}

func newStreamHandle(conn *Connection, id quic.StreamID, canRead, canWrite bool) *Stream {
	return &Stream{
		id:       id,
		conn:     conn,
		canRead:  canRead,
		canWrite: canWrite,
	}
}

func (s *Stream) StreamID() quic.StreamID {
	return s.id
}

func (s *Stream) Kind() quic.StreamKind {
	return quic.KindOf(s.id)
}

func (s *Stream) Connection() *Connection {
	return s.conn
}

// IsReset reports whether either side reset the stream.
func (s *Stream) IsReset() bool {
	return s.reset.Load()
}

func (s *Stream) finalize(rest []byte, readErr, writeErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.final = true
	s.rest = rest
	s.readErr = readErr
	s.writeErr = writeErr
}

// readFinal serves reads once the driver forgot the stream.
func (s *Stream) readFinal(p []byte) (int, error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.final {
		return 0, nil, false
	}
	if len(s.rest) > 0 {
		n := copy(p, s.rest)
		s.rest = s.rest[n:]
		return n, nil, true
	}
	return 0, s.readErr, true
}

func (s *Stream) finalWriteErr() (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeErr, s.final
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext reads the next bytes of the stream. It blocks while nothing
// is buffered and returns io.EOF once the peer finished the stream.
func (s *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	if !s.canRead {
		return 0, ErrInvalidDirection
	}
	if len(p) == 0 {
		return 0, nil
	}
	if n, err, ok := s.readFinal(p); ok {
		return n, err
	}
	return run(ctx, s.conn.driver, func(d *driver, op *operation[int]) *registration {
		return d.read(s, op, p)
	}, nil)
}

// Chunks returns the remaining bytes of the stream as a sequence of
// chunks. The sequence ends after the last chunk, or after yielding the
// error that stopped reading.
func (s *Stream) Chunks(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, readScratchSize)
		for {
			n, err := s.ReadContext(ctx, buf)
			if n > 0 && !yield(bytes.Clone(buf[:n]), nil) {
				return
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, err)
				}
				return
			}
		}
	}
}

// WriteSome accepts a prefix of p and reports its length. It blocks only
// while the write buffer is full; the caller resubmits the rest.
func (s *Stream) WriteSome(ctx context.Context, p []byte) (int, error) {
	if !s.canWrite {
		return 0, ErrInvalidDirection
	}
	if err, final := s.finalWriteErr(); final {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	return run(ctx, s.conn.driver, func(d *driver, op *operation[int]) *registration {
		return d.write(s, op, p)
	}, nil)
}

// WriteContext writes all of p, resubmitting after partial writes.
func (s *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	var written int
	for written < len(p) {
		n, err := s.WriteSome(ctx, p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.WriteContext(context.Background(), p)
}

// Shutdown finishes the send side after the buffered bytes, or stops the
// receive side and discards what was not read.
func (s *Stream) Shutdown(dir quic.Direction) error {
	switch dir {
	case quic.DirectionWrite:
		if !s.canWrite {
			return ErrInvalidDirection
		}
	case quic.DirectionRead:
		if !s.canRead {
			return ErrInvalidDirection
		}
	default:
		return ErrInvalidDirection
	}

	_, err := run(context.Background(), s.conn.driver, func(d *driver, op *operation[struct{}]) *registration {
		d.shutdownStream(s, dir)
		op.resolve(struct{}{})
		return nil
	}, nil)
	return err
}

// Close finishes the send side. A receive-only stream stops reading.
func (s *Stream) Close() error {
	if s.canWrite {
		return s.Shutdown(quic.DirectionWrite)
	}
	return s.Shutdown(quic.DirectionRead)
}

// Reset aborts both sides of the stream with code.
func (s *Stream) Reset(code quic.StreamErrorCode) error {
	_, err := run(context.Background(), s.conn.driver, func(d *driver, op *operation[struct{}]) *registration {
		if st := d.lookupStream(s.conn.id, s.id); st != nil {
			d.resetStream(st, code)
		}
		op.resolve(struct{}{})
		return nil
	}, nil)
	return err
}

func (d *driver) read(s *Stream, op *operation[int], p []byte) *registration {
	st := d.lookupStream(s.conn.id, s.id)
	if st == nil {
		op.complete(func() (int, error, bool) {
			n, err, ok := s.readFinal(p)
			if !ok {
				return 0, ErrStreamClosed, true
			}
			return n, err, true
		})
		return nil
	}

	return d.await(st.readKey(), func() bool {
		return op.complete(func() (int, error, bool) {
			if len(st.readBuf) > 0 {
				n := copy(p, st.readBuf)
				st.readBuf = st.readBuf[n:]
				if len(st.readBuf) == 0 {
					st.readBuf = nil
				}
				d.pull(st)
				return n, nil, true
			}
			if st.readErr != nil {
				return 0, st.readErr, true
			}
			return 0, nil, false
		})
	}, op.fail)
}

func (d *driver) write(s *Stream, op *operation[int], p []byte) *registration {
	st := d.lookupStream(s.conn.id, s.id)
	if st == nil {
		err, final := s.finalWriteErr()
		if !final {
			err = ErrStreamClosed
		}
		op.fail(err)
		return nil
	}

	limit := d.config.writeBufferSize()
	return d.await(st.writeKey(), func() bool {
		return op.complete(func() (int, error, bool) {
			if st.writeErr != nil {
				return 0, st.writeErr, true
			}
			if st.finPending {
				return 0, ErrStreamClosed, true
			}
			room := limit - len(st.writeBuf)
			if room <= 0 {
				return 0, nil, false
			}
			n := min(room, len(p))
			st.writeBuf = append(st.writeBuf, p[:n]...)
			d.flushStream(st)
			if st.writeErr != nil {
				return 0, st.writeErr, true
			}
			return n, nil, true
		})
	}, op.fail)
}

func (d *driver) shutdownStream(s *Stream, dir quic.Direction) {
	st := d.lookupStream(s.conn.id, s.id)
	if st == nil {
		return
	}
	switch dir {
	case quic.DirectionWrite:
		if st.finPending {
			return
		}
		st.finPending = true
		d.flushStream(st)
	case quic.DirectionRead:
		d.stopReading(st)
	}
}
