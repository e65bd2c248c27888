package quictest

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/okdaichi/quicbridge/quic"
	"github.com/quic-go/quic-go/quicvarint"
)

// datagramMagic is the first byte of every datagram.
const datagramMagic byte = 0xb7

type frameType uint64

const (
	frameHello         frameType = 0x01
	frameWelcome       frameType = 0x02
	frameStream        frameType = 0x03
	frameMaxStreamData frameType = 0x04
	frameResetStream   frameType = 0x05
	frameStopSending   frameType = 0x06
	frameClose         frameType = 0x07
)

var (
	errBadMagic      = errors.New("quictest: not a quictest datagram")
	errFrameEncoding = errors.New("quictest: frame encoding error")
)

/*
 * Datagram {
 *   Magic (8) = 0xb7,
 *   Connection Token (varint),
 *   Frame (..) ...,
 * }
 */
type frame struct {
	typ frameType

	// HELLO
	protocols []string

	// WELCOME
	protocol string

	// STREAM, MAX_STREAM_DATA, RESET_STREAM, STOP_SENDING
	stream quic.StreamID
	data   []byte
	fin    bool
	limit  uint64
	code   uint64

	// CLOSE
	transport bool
	reason    string
}

func appendHeader(b []byte, token uint64) []byte {
	b = append(b, datagramMagic)
	return quicvarint.Append(b, token)
}

func appendString(b []byte, s string) []byte {
	b = quicvarint.Append(b, uint64(len(s)))
	return append(b, s...)
}

func (f frame) append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(f.typ))

	switch f.typ {
	case frameHello:
		b = quicvarint.Append(b, uint64(len(f.protocols)))
		for _, p := range f.protocols {
			b = appendString(b, p)
		}
	case frameWelcome:
		b = appendString(b, f.protocol)
	case frameStream:
		b = quicvarint.Append(b, uint64(f.stream))
		if f.fin {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		b = quicvarint.Append(b, uint64(len(f.data)))
		b = append(b, f.data...)
	case frameMaxStreamData:
		b = quicvarint.Append(b, uint64(f.stream))
		b = quicvarint.Append(b, f.limit)
	case frameResetStream, frameStopSending:
		b = quicvarint.Append(b, uint64(f.stream))
		b = quicvarint.Append(b, f.code)
	case frameClose:
		if f.transport {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		b = quicvarint.Append(b, f.code)
		b = appendString(b, f.reason)
	}

	return b
}

// parseHeader returns the connection token and the remaining frames.
func parseHeader(data []byte) (uint64, *bytes.Reader, error) {
	if len(data) == 0 || data[0] != datagramMagic {
		return 0, nil, errBadMagic
	}
	r := bytes.NewReader(data[1:])
	token, err := quicvarint.Read(r)
	if err != nil {
		return 0, nil, errBadMagic
	}
	return token, r, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFlag(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid flag %d", b)
	}
}

// parseFrames decodes every frame left in r.
func parseFrames(r *bytes.Reader) ([]frame, error) {
	var frames []frame
	for r.Len() > 0 {
		f, err := parseFrame(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errFrameEncoding, err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func parseFrame(r *bytes.Reader) (frame, error) {
	var f frame

	num, err := quicvarint.Read(r)
	if err != nil {
		return f, err
	}
	f.typ = frameType(num)

	switch f.typ {
	case frameHello:
		count, err := quicvarint.Read(r)
		if err != nil {
			return f, err
		}
		if count > uint64(r.Len()) {
			return f, io.ErrUnexpectedEOF
		}
		for range count {
			p, err := readBytes(r)
			if err != nil {
				return f, err
			}
			f.protocols = append(f.protocols, string(p))
		}
	case frameWelcome:
		p, err := readBytes(r)
		if err != nil {
			return f, err
		}
		f.protocol = string(p)
	case frameStream:
		num, err := quicvarint.Read(r)
		if err != nil {
			return f, err
		}
		f.stream = quic.StreamID(num)
		if f.fin, err = readFlag(r); err != nil {
			return f, err
		}
		if f.data, err = readBytes(r); err != nil {
			return f, err
		}
	case frameMaxStreamData:
		num, err := quicvarint.Read(r)
		if err != nil {
			return f, err
		}
		f.stream = quic.StreamID(num)
		if f.limit, err = quicvarint.Read(r); err != nil {
			return f, err
		}
	case frameResetStream, frameStopSending:
		num, err := quicvarint.Read(r)
		if err != nil {
			return f, err
		}
		f.stream = quic.StreamID(num)
		if f.code, err = quicvarint.Read(r); err != nil {
			return f, err
		}
	case frameClose:
		if f.transport, err = readFlag(r); err != nil {
			return f, err
		}
		if f.code, err = quicvarint.Read(r); err != nil {
			return f, err
		}
		reason, err := readBytes(r)
		if err != nil {
			return f, err
		}
		f.reason = string(reason)
	default:
		return f, fmt.Errorf("unknown frame type %#x", num)
	}

	return f, nil
}
