package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/okdaichi/quicbridge/internal/selfsign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the command line args and returns what it printed.
func execute(ctx context.Context, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// startServer runs serve until the test ends and returns its address.
func startServer(t *testing.T, args ...string) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()

	cmd := newRootCommand()
	cmd.SetArgs(append([]string{"serve", "--addr", "127.0.0.1:0"}, args...))
	cmd.SetOut(pw)
	cmd.SetErr(io.Discard)

	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
		pw.Close()
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("serve did not stop")
		}
	})

	line, err := bufio.NewReader(pr).ReadString('\n')
	require.NoError(t, err)
	go io.Copy(io.Discard, pr)

	addr, ok := strings.CutPrefix(strings.TrimSpace(line), "listening on ")
	require.True(t, ok, "unexpected output %q", line)
	return addr
}

func TestVersion(t *testing.T) {
	out, err := execute(context.Background(), "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "quicbridge dev"), out)
}

func TestServeAndDial(t *testing.T) {
	addr := startServer(t, "--self-signed")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := execute(ctx, "dial", "--addr", addr, "--insecure", "--message", "ping over quic")
	require.NoError(t, err)
	assert.Equal(t, "ping over quic\n", out)
}

func TestServeAndDial_CertificateFiles(t *testing.T) {
	cert, err := selfsign.Generate("localhost", "127.0.0.1")
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, cert.CertPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, cert.KeyPEM, 0o600))

	addr := startServer(t, "--cert", certFile, "--key", keyFile, "--alpn", "files")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tests := map[string]struct {
		args    []string
		want    string
		wantErr bool
	}{
		"trusted ca": {
			args: []string{"--ca", certFile, "--alpn", "files", "--message", "trusted"},
			want: "trusted\n",
		},
		"wrong alpn": {
			args:    []string{"--insecure", "--alpn", "other"},
			wantErr: true,
		},
		"untrusted": {
			args:    []string{"--alpn", "files"},
			wantErr: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			out, err := execute(ctx, append([]string{"dial", "--addr", addr}, tt.args...)...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestServe_Errors(t *testing.T) {
	tests := map[string]struct {
		args []string
	}{
		"no certificate":      {args: []string{"serve"}},
		"cert without key":    {args: []string{"serve", "--cert", "cert.pem"}},
		"missing files":       {args: []string{"serve", "--cert", "missing.pem", "--key", "missing.pem"}},
		"invalid log level":   {args: []string{"serve", "--self-signed", "--log-level", "loud"}},
		"missing config":      {args: []string{"version", "--config", "does-not-exist.yaml"}},
		"unexpected argument": {args: []string{"serve", "extra"}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := execute(context.Background(), tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestConfigFileAndLogFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "quicbridge.log")
	configFile := filepath.Join(dir, "quicbridge.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
log:
  level: debug
  format: json
  file: `+logFile+`
server:
  self_signed: true
bridge:
  close_timeout: 200ms
`), 0o600))

	addr := startServer(t, "--config", configFile)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := execute(ctx, "dial", "--addr", addr, "--insecure", "--message", "logged")
	require.NoError(t, err)
	assert.Equal(t, "logged\n", out)

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(logFile)
		return err == nil && bytes.Contains(data, []byte(`"msg":"endpoint started"`))
	}, 5*time.Second, 20*time.Millisecond)
}
