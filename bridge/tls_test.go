package bridge

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okdaichi/quicbridge/quic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePEM(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadTLSConfig(t *testing.T) {
	cert := newTestCertificate(t)
	certFile := writePEM(t, "cert.pem", cert.CertPEM)
	keyFile := writePEM(t, "key.pem", cert.KeyPEM)

	t.Run("valid pair", func(t *testing.T) {
		tlsConfig, err := LoadTLSConfig(certFile, keyFile, "h3", "echo")
		require.NoError(t, err)
		assert.Len(t, tlsConfig.Certificates, 1)
		assert.Equal(t, []string{"h3", "echo"}, tlsConfig.NextProtos)
		assert.Equal(t, uint16(tls.VersionTLS13), tlsConfig.MinVersion)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTLSConfig(filepath.Join(t.TempDir(), "missing.pem"), keyFile)
		assert.Error(t, err)
	})

	t.Run("mismatched files", func(t *testing.T) {
		_, err := LoadTLSConfig(keyFile, certFile)
		assert.Error(t, err)
	})
}

func TestLoadCertPool(t *testing.T) {
	cert := newTestCertificate(t)

	tests := map[string]struct {
		data    []byte
		wantErr bool
	}{
		"certificate": {data: cert.CertPEM},
		"not pem":     {data: []byte("hello"), wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			pool, err := LoadCertPool(writePEM(t, "ca.pem", tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, pool)
		})
	}

	_, err := LoadCertPool(filepath.Join(t.TempDir(), "missing.pem"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDefaultVerifyCertificate(t *testing.T) {
	cert := newTestCertificate(t)
	other := newTestCertificate(t)

	tests := map[string]struct {
		roots      *x509.CertPool
		chain      []*x509.Certificate
		serverName string
		wantErr    bool
	}{
		"trusted":        {roots: cert.Pool(), chain: []*x509.Certificate{cert.Leaf}, serverName: "localhost"},
		"trusted ip":     {roots: cert.Pool(), chain: []*x509.Certificate{cert.Leaf}, serverName: "127.0.0.1"},
		"wrong name":     {roots: cert.Pool(), chain: []*x509.Certificate{cert.Leaf}, serverName: "example.com", wantErr: true},
		"untrusted root": {roots: other.Pool(), chain: []*x509.Certificate{cert.Leaf}, serverName: "localhost", wantErr: true},
		"empty chain":    {roots: cert.Pool(), serverName: "localhost", wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := DefaultVerifyCertificate(tt.roots)(tt.chain, tt.serverName)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_TLSConfig(t *testing.T) {
	cert := newTestCertificate(t)
	verifyErr := errors.New("rejected")

	t.Run("missing", func(t *testing.T) {
		_, err := (*Config)(nil).tlsConfig(quic.RoleClient)
		assert.ErrorIs(t, err, ErrMissingTLSConfig)
		_, err = (&Config{}).tlsConfig(quic.RoleServer)
		assert.ErrorIs(t, err, ErrMissingTLSConfig)
	})

	t.Run("client verify hook", func(t *testing.T) {
		var gotName string
		c := &Config{
			TLSConfig: cert.ClientConfig(testALPN),
			VerifyCertificate: func(chain []*x509.Certificate, serverName string) error {
				gotName = serverName
				return verifyErr
			},
		}

		tlsConfig, err := c.tlsConfig(quic.RoleClient)
		require.NoError(t, err)
		assert.True(t, tlsConfig.InsecureSkipVerify)
		require.NotNil(t, tlsConfig.VerifyConnection)
		assert.False(t, c.TLSConfig.InsecureSkipVerify, "the caller's config must not change")

		err = tlsConfig.VerifyConnection(tls.ConnectionState{
			ServerName:       "localhost",
			PeerCertificates: []*x509.Certificate{cert.Leaf},
		})
		assert.ErrorIs(t, err, verifyErr)
		assert.Equal(t, "localhost", gotName)
	})

	t.Run("server ignores verify hook", func(t *testing.T) {
		c := &Config{
			TLSConfig:         cert.ServerConfig(testALPN),
			VerifyCertificate: func([]*x509.Certificate, string) error { return verifyErr },
		}

		tlsConfig, err := c.tlsConfig(quic.RoleServer)
		require.NoError(t, err)
		assert.False(t, tlsConfig.InsecureSkipVerify)
		assert.Nil(t, tlsConfig.VerifyConnection)
	})
}
