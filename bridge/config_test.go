package bridge

import (
	"crypto/tls"
	"log/slog"
	"testing"
	"time"

	"github.com/okdaichi/quicbridge/quic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	tests := map[string]struct {
		config *Config
	}{
		"nil config":  {config: nil},
		"zero config": {config: &Config{}},
		"negative values": {config: &Config{
			ReadBufferSize:   -1,
			WriteBufferSize:  -1,
			AcceptQueueSize:  -1,
			StreamQueueSize:  -1,
			HandshakeTimeout: -time.Second,
			CloseTimeout:     -time.Second,
		}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c := tt.config
			assert.Equal(t, DefaultReadBufferSize, c.readBufferSize())
			assert.Equal(t, DefaultWriteBufferSize, c.writeBufferSize())
			assert.Equal(t, DefaultAcceptQueueSize, c.acceptQueueSize())
			assert.Equal(t, DefaultStreamQueueSize, c.streamQueueSize())
			assert.Equal(t, DefaultHandshakeTimeout, c.handshakeTimeout())
			assert.Equal(t, DefaultCloseTimeout, c.closeTimeout())
			assert.NotNil(t, c.logger())
			assert.NotNil(t, c.newEngine())
			assert.Nil(t, c.quicConfig())
		})
	}
}

func TestConfig_Overrides(t *testing.T) {
	logger := slog.Default()
	qc := &quic.Config{MaxIdleTimeout: time.Minute}
	c := &Config{
		QUICConfig:       qc,
		ReadBufferSize:   1,
		WriteBufferSize:  2,
		AcceptQueueSize:  3,
		StreamQueueSize:  4,
		HandshakeTimeout: 5 * time.Second,
		CloseTimeout:     6 * time.Second,
		Logger:           logger,
	}

	assert.Equal(t, 1, c.readBufferSize())
	assert.Equal(t, 2, c.writeBufferSize())
	assert.Equal(t, 3, c.acceptQueueSize())
	assert.Equal(t, 4, c.streamQueueSize())
	assert.Equal(t, 5*time.Second, c.handshakeTimeout())
	assert.Equal(t, 6*time.Second, c.closeTimeout())
	assert.Same(t, logger, c.logger())
	assert.Same(t, qc, c.quicConfig())
}

func TestConfig_Clone(t *testing.T) {
	assert.Nil(t, (*Config)(nil).Clone())

	original := &Config{
		TLSConfig:      &tls.Config{ServerName: "example.com", NextProtos: []string{"a"}},
		QUICConfig:     &quic.Config{MaxIdleTimeout: time.Minute},
		ReadBufferSize: 10,
	}
	clone := original.Clone()
	require.NotNil(t, clone)

	assert.NotSame(t, original.TLSConfig, clone.TLSConfig)
	assert.NotSame(t, original.QUICConfig, clone.QUICConfig)
	assert.Equal(t, "example.com", clone.TLSConfig.ServerName)
	assert.Equal(t, 10, clone.ReadBufferSize)

	clone.TLSConfig.ServerName = "changed"
	clone.ReadBufferSize = 20
	assert.Equal(t, "example.com", original.TLSConfig.ServerName)
	assert.Equal(t, 10, original.ReadBufferSize)
}

func TestServerName(t *testing.T) {
	tests := map[string]struct {
		config *Config
		addr   string
		want   string
	}{
		"host and port":    {addr: "example.com:4433", want: "example.com"},
		"ip and port":      {addr: "127.0.0.1:4433", want: "127.0.0.1"},
		"no port":          {addr: "server", want: "server"},
		"configured name":  {config: &Config{TLSConfig: &tls.Config{ServerName: "override"}}, addr: "127.0.0.1:1", want: "override"},
		"empty tls config": {config: &Config{TLSConfig: &tls.Config{}}, addr: "host:1", want: "host"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, serverName(tt.config, tt.addr))
		})
	}
}
