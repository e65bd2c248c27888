// Package config loads the quicbridge command configuration from a YAML
// file, QUICBRIDGE_ environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides. Nested keys use underscores,
// for example QUICBRIDGE_LOG_LEVEL=debug.
const EnvPrefix = "QUICBRIDGE"

// DefaultALPN is the application protocol offered when none is configured.
const DefaultALPN = "quicbridge-echo"

type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
	Bridge BridgeConfig `mapstructure:"bridge"`
}

// LogConfig selects the log level, format and destination. An empty File
// logs to stderr; otherwise the file is rotated.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Addr       string   `mapstructure:"addr"`
	CertFile   string   `mapstructure:"cert"`
	KeyFile    string   `mapstructure:"key"`
	SelfSigned bool     `mapstructure:"self_signed"`
	ALPN       []string `mapstructure:"alpn"`
}

type ClientConfig struct {
	Addr       string   `mapstructure:"addr"`
	ServerName string   `mapstructure:"server_name"`
	CAFile     string   `mapstructure:"ca"`
	Insecure   bool     `mapstructure:"insecure"`
	ALPN       []string `mapstructure:"alpn"`
}

// BridgeConfig tunes the endpoint. Zero values keep the library defaults.
type BridgeConfig struct {
	ReadBufferSize   int           `mapstructure:"read_buffer_size"`
	WriteBufferSize  int           `mapstructure:"write_buffer_size"`
	AcceptQueueSize  int           `mapstructure:"accept_queue_size"`
	StreamQueueSize  int           `mapstructure:"stream_queue_size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	CloseTimeout     time.Duration `mapstructure:"close_timeout"`
	MaxIdleTimeout   time.Duration `mapstructure:"max_idle_timeout"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:4433",
			ALPN: []string{DefaultALPN},
		},
		Client: ClientConfig{
			Addr: "127.0.0.1:4433",
			ALPN: []string{DefaultALPN},
		},
		Bridge: BridgeConfig{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
}

// New returns a viper instance seeded with the defaults and environment
// overrides. Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.cert", cfg.Server.CertFile)
	v.SetDefault("server.key", cfg.Server.KeyFile)
	v.SetDefault("server.self_signed", cfg.Server.SelfSigned)
	v.SetDefault("server.alpn", cfg.Server.ALPN)

	v.SetDefault("client.addr", cfg.Client.Addr)
	v.SetDefault("client.server_name", cfg.Client.ServerName)
	v.SetDefault("client.ca", cfg.Client.CAFile)
	v.SetDefault("client.insecure", cfg.Client.Insecure)
	v.SetDefault("client.alpn", cfg.Client.ALPN)

	v.SetDefault("bridge.read_buffer_size", cfg.Bridge.ReadBufferSize)
	v.SetDefault("bridge.write_buffer_size", cfg.Bridge.WriteBufferSize)
	v.SetDefault("bridge.accept_queue_size", cfg.Bridge.AcceptQueueSize)
	v.SetDefault("bridge.stream_queue_size", cfg.Bridge.StreamQueueSize)
	v.SetDefault("bridge.handshake_timeout", cfg.Bridge.HandshakeTimeout)
	v.SetDefault("bridge.close_timeout", cfg.Bridge.CloseTimeout)
	v.SetDefault("bridge.max_idle_timeout", cfg.Bridge.MaxIdleTimeout)

	return v
}

// Load reads path into v, if given, and decodes the result. Without a path
// a quicbridge.yaml in the working directory is used when present.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quicbridge")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: invalid log.level %q", c.Log.Level)
	}

	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log.format %q", c.Log.Format)
	}

	if len(c.Server.ALPN) == 0 {
		c.Server.ALPN = []string{DefaultALPN}
	}
	if len(c.Client.ALPN) == 0 {
		c.Client.ALPN = []string{DefaultALPN}
	}

	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return errors.New("config: server.cert and server.key must be set together")
	}

	for key, d := range map[string]time.Duration{
		"bridge.handshake_timeout": c.Bridge.HandshakeTimeout,
		"bridge.close_timeout":     c.Bridge.CloseTimeout,
		"bridge.max_idle_timeout":  c.Bridge.MaxIdleTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative", key)
		}
	}
	return nil
}
