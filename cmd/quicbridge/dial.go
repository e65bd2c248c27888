package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"github.com/okdaichi/quicbridge/bridge"
	"github.com/okdaichi/quicbridge/internal/config"
	"github.com/okdaichi/quicbridge/quic"
	"github.com/spf13/cobra"
)

func newDialCommand(opts *rootOptions) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Send a message to an echo server and print the reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDial(cmd.Context(), opts, message, cmd.OutOrStdout())
		},
	}

	defaults := config.Default()
	flags := cmd.Flags()
	flags.StringVar(&message, "message", "hello", "message to send")
	flags.String("addr", defaults.Client.Addr, "server address")
	flags.String("server-name", "", "TLS server name; defaults to the address host")
	flags.StringSlice("alpn", defaults.Client.ALPN, "application protocols to offer")
	flags.Bool("insecure", false, "skip certificate verification")
	flags.String("ca", "", "PEM file with the certificates to trust")
	bindFlags(opts.v, flags, map[string]string{
		"client.addr":        "addr",
		"client.server_name": "server-name",
		"client.alpn":        "alpn",
		"client.insecure":    "insecure",
		"client.ca":          "ca",
	})

	return cmd
}

func runDial(ctx context.Context, opts *rootOptions, message string, out io.Writer) error {
	c := opts.cfg.Client

	endpointConfig := opts.bridgeConfig()
	endpointConfig.TLSConfig = &tls.Config{
		ServerName:         c.ServerName,
		NextProtos:         c.ALPN,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: c.Insecure,
	}
	if c.CAFile != "" && !c.Insecure {
		roots, err := bridge.LoadCertPool(c.CAFile)
		if err != nil {
			return err
		}
		endpointConfig.VerifyCertificate = bridge.DefaultVerifyCertificate(roots)
	}

	conn, err := bridge.Connect(ctx, c.Addr, endpointConfig)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.Addr, err)
	}
	defer conn.Close()

	str, err := conn.OpenStream(ctx, quic.Bidirectional)
	if err != nil {
		return err
	}
	if _, err := str.WriteContext(ctx, []byte(message)); err != nil {
		return err
	}
	if err := str.Close(); err != nil {
		return err
	}

	for chunk, err := range str.Chunks(ctx) {
		if err != nil {
			return err
		}
		if _, err := out.Write(chunk); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(out)
	return err
}
