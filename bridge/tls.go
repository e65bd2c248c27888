package bridge

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/okdaichi/quicbridge/quic"
)

// LoadTLSConfig reads a certificate and key pair once and returns a TLS 1.3
// configuration offering protos.
func LoadTLSConfig(certFile, keyFile string, protos ...string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("bridge: failed to load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   protos,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// LoadCertPool reads PEM encoded certificates from path.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bridge: failed to read certificates: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("bridge: no certificates in %s", path)
	}
	return pool, nil
}

// DefaultVerifyCertificate verifies chain against roots and serverName the
// way crypto/tls does. A nil roots uses the system pool.
func DefaultVerifyCertificate(roots *x509.CertPool) func(chain []*x509.Certificate, serverName string) error {
	return func(chain []*x509.Certificate, serverName string) error {
		if len(chain) == 0 {
			return errors.New("bridge: peer presented no certificate")
		}
		intermediates := x509.NewCertPool()
		for _, cert := range chain[1:] {
			intermediates.AddCert(cert)
		}
		_, err := chain[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			DNSName:       serverName,
		})
		return err
	}
}

// tlsConfig returns the TLS configuration handed to the engine for role.
func (c *Config) tlsConfig(role quic.Role) (*tls.Config, error) {
	if c == nil || c.TLSConfig == nil {
		return nil, ErrMissingTLSConfig
	}
	tlsConfig := c.TLSConfig.Clone()

	if role == quic.RoleClient && c.VerifyCertificate != nil {
		verify := c.VerifyCertificate
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyConnection = func(cs tls.ConnectionState) error {
			return verify(cs.PeerCertificates, cs.ServerName)
		}
	}

	return tlsConfig, nil
}
