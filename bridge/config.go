package bridge

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"time"

	"github.com/okdaichi/quicbridge/quic"
	"github.com/okdaichi/quicbridge/quic/quicgo"
)

const (
	DefaultReadBufferSize   = 64 << 10
	DefaultWriteBufferSize  = 64 << 10
	DefaultAcceptQueueSize  = 16
	DefaultStreamQueueSize  = 64
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCloseTimeout     = 3 * time.Second
)

// Config configures an Endpoint. A nil *Config is valid except that
// TLSConfig is always required.
type Config struct {
	// TLSConfig supplies certificates and application protocols.
	TLSConfig *tls.Config

	// QUICConfig is handed to the engine unchanged.
	QUICConfig *quic.Config

	// NewEngine creates the engine. If nil, a quic-go backed engine is used.
	NewEngine quic.NewEngineFunc

	// ReadBufferSize bounds the received bytes buffered per stream.
	ReadBufferSize int

	// WriteBufferSize bounds the bytes per stream accepted from the
	// application and not yet accepted by the engine.
	WriteBufferSize int

	// AcceptQueueSize bounds established connections waiting in Accept.
	// Connections beyond it are refused.
	AcceptQueueSize int

	// StreamQueueSize bounds peer-opened streams waiting in AcceptStream.
	// Streams beyond it are reset.
	StreamQueueSize int

	// HandshakeTimeout bounds how long a connection may stay connecting.
	HandshakeTimeout time.Duration

	// CloseTimeout bounds how long a closing connection waits for the
	// engine to confirm it closed, and how long Endpoint.Close waits for
	// every connection.
	CloseTimeout time.Duration

	// VerifyCertificate replaces certificate chain verification on the
	// client. chain starts with the leaf.
	VerifyCertificate func(chain []*x509.Certificate, serverName string) error

	// Logger receives endpoint, connection and stream logs.
	// If nil, logs are discarded.
	Logger *slog.Logger
}

func (c *Config) newEngine() quic.NewEngineFunc {
	if c != nil && c.NewEngine != nil {
		return c.NewEngine
	}
	return quicgo.NewEngine
}

func (c *Config) quicConfig() *quic.Config {
	if c != nil {
		return c.QUICConfig
	}
	return nil
}

func (c *Config) readBufferSize() int {
	if c != nil && c.ReadBufferSize > 0 {
		return c.ReadBufferSize
	}
	return DefaultReadBufferSize
}

func (c *Config) writeBufferSize() int {
	if c != nil && c.WriteBufferSize > 0 {
		return c.WriteBufferSize
	}
	return DefaultWriteBufferSize
}

func (c *Config) acceptQueueSize() int {
	if c != nil && c.AcceptQueueSize > 0 {
		return c.AcceptQueueSize
	}
	return DefaultAcceptQueueSize
}

func (c *Config) streamQueueSize() int {
	if c != nil && c.StreamQueueSize > 0 {
		return c.StreamQueueSize
	}
	return DefaultStreamQueueSize
}

func (c *Config) handshakeTimeout() time.Duration {
	if c != nil && c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

func (c *Config) closeTimeout() time.Duration {
	if c != nil && c.CloseTimeout > 0 {
		return c.CloseTimeout
	}
	return DefaultCloseTimeout
}

func (c *Config) logger() *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Clone returns a shallow copy of c. TLSConfig and QUICConfig are cloned.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.TLSConfig != nil {
		clone.TLSConfig = c.TLSConfig.Clone()
	}
	if c.QUICConfig != nil {
		clone.QUICConfig = c.QUICConfig.Clone()
	}
	return &clone
}
