package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/okdaichi/quicbridge/bridge"
	"github.com/okdaichi/quicbridge/internal/config"
	"github.com/okdaichi/quicbridge/internal/selfsign"
	"github.com/okdaichi/quicbridge/quic"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Echo every stream opened by a client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	defaults := config.Default()
	flags := cmd.Flags()
	flags.String("addr", defaults.Server.Addr, "UDP address to listen on")
	flags.String("cert", "", "PEM certificate file")
	flags.String("key", "", "PEM private key file")
	flags.StringSlice("alpn", defaults.Server.ALPN, "application protocols to accept")
	flags.Bool("self-signed", false, "use a generated self-signed certificate")
	bindFlags(opts.v, flags, map[string]string{
		"server.addr":        "addr",
		"server.cert":        "cert",
		"server.key":         "key",
		"server.alpn":        "alpn",
		"server.self_signed": "self-signed",
	})

	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, out io.Writer) error {
	tlsConfig, err := serverTLSConfig(opts.cfg.Server)
	if err != nil {
		return err
	}

	endpointConfig := opts.bridgeConfig()
	endpointConfig.TLSConfig = tlsConfig

	server, err := bridge.Listen(opts.cfg.Server.Addr, endpointConfig)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "listening on %s\n", server.Addr())

	for conn, err := range server.Connections(ctx) {
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, bridge.ErrEndpointClosed) {
				server.Close()
				return err
			}
			break
		}
		go serveConnection(ctx, conn, opts.logger)
	}

	return server.Close()
}

func serveConnection(ctx context.Context, conn *bridge.Connection, logger *slog.Logger) {
	logger = logger.With("remote_address", conn.RemoteAddr().String())
	logger.Info("accepted connection")

	for {
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug("stopped accepting streams", "error", err)
			return
		}

		go echoStream(str, logger)
	}
}

// echoedStream is the part of *bridge.Stream that echoStream uses.
type echoedStream interface {
	io.ReadWriteCloser
	Reset(code quic.StreamErrorCode) error
	StreamID() quic.StreamID
}

func echoStream(str echoedStream, logger *slog.Logger) {
	logger = logger.With("stream_id", uint64(str.StreamID()))

	n, err := io.Copy(str, str)
	if err != nil {
		logger.Debug("echo failed", "error", err)
		if err := str.Reset(0); err != nil {
			logger.Debug("failed to reset stream", "error", err)
		}
		return
	}
	if err := str.Close(); err != nil {
		logger.Debug("failed to close stream", "error", err)
		return
	}
	logger.Debug("echoed stream", "bytes", n)
}

func serverTLSConfig(c config.ServerConfig) (*tls.Config, error) {
	switch {
	case c.SelfSigned:
		cert, err := selfsign.Generate("localhost", "127.0.0.1", "::1")
		if err != nil {
			return nil, fmt.Errorf("serve: generate certificate: %w", err)
		}
		return cert.ServerConfig(c.ALPN...), nil
	case c.CertFile != "":
		return bridge.LoadTLSConfig(c.CertFile, c.KeyFile, c.ALPN...)
	default:
		return nil, errors.New("serve: --cert and --key, or --self-signed, are required")
	}
}
