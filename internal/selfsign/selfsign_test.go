package selfsign

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	cert, err := Generate("localhost", "127.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost"}, cert.Leaf.DNSNames)
	require.Len(t, cert.Leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", cert.Leaf.IPAddresses[0].String())
	assert.NotEmpty(t, cert.CertPEM)
	assert.NotEmpty(t, cert.KeyPEM)

	for _, host := range []string{"localhost", "127.0.0.1"} {
		_, err = cert.Leaf.Verify(x509.VerifyOptions{DNSName: host, Roots: cert.Pool()})
		assert.NoError(t, err, host)
	}

	_, err = cert.Leaf.Verify(x509.VerifyOptions{DNSName: "example.com", Roots: cert.Pool()})
	assert.Error(t, err)
}

func TestConfigs(t *testing.T) {
	cert, err := Generate("localhost")
	require.NoError(t, err)

	server := cert.ServerConfig("echo")
	assert.Len(t, server.Certificates, 1)
	assert.Equal(t, []string{"echo"}, server.NextProtos)

	client := cert.ClientConfig("echo")
	assert.NotNil(t, client.RootCAs)
	assert.Equal(t, []string{"echo"}, client.NextProtos)
}
