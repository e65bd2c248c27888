package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/okdaichi/quicbridge/bridge"
	"github.com/okdaichi/quicbridge/internal/config"
	"github.com/okdaichi/quicbridge/internal/logging"
	"github.com/okdaichi/quicbridge/quic"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// rootOptions is shared by every subcommand. cfg and logger are set once
// the configuration was loaded.
type rootOptions struct {
	configFile string
	v          *viper.Viper

	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	cmd := &cobra.Command{
		Use:           "quicbridge",
		Short:         "QUIC echo server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.v, opts.configFile)
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = logger
			opts.closer = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.closer == nil {
				return nil
			}
			return opts.closer.Close()
		},
	}

	defaults := config.Default()
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "path to a YAML config file")
	flags.String("log-level", defaults.Log.Level, "log level (debug|info|warn|error)")
	flags.String("log-format", defaults.Log.Format, "log format (text|json)")
	flags.String("log-file", "", "write logs to a rotated file instead of stderr")
	bindFlags(opts.v, flags, map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
		"log.file":   "log-file",
	})

	cmd.AddCommand(
		newServeCommand(opts),
		newDialCommand(opts),
		newVersionCommand(),
	)

	return cmd
}

// bindFlags makes each flag override its configuration key when set.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("quicbridge: bind flag %s: %v", name, err))
		}
	}
}

// bridgeConfig turns the loaded configuration into an endpoint config.
func (opts *rootOptions) bridgeConfig() *bridge.Config {
	b := opts.cfg.Bridge

	c := &bridge.Config{
		ReadBufferSize:   b.ReadBufferSize,
		WriteBufferSize:  b.WriteBufferSize,
		AcceptQueueSize:  b.AcceptQueueSize,
		StreamQueueSize:  b.StreamQueueSize,
		HandshakeTimeout: b.HandshakeTimeout,
		CloseTimeout:     b.CloseTimeout,
		Logger:           opts.logger,
	}
	if b.MaxIdleTimeout > 0 {
		c.QUICConfig = &quic.Config{MaxIdleTimeout: b.MaxIdleTimeout}
	}
	return c
}
