// Package config loads the streamsocketd daemon configuration from TOML.
package config

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/Zereker/streamsocket"
)

// Config is the daemon configuration. Zero values are never used directly;
// Default fills every field.
type Config struct {
	Addr string

	Archive     string
	ArchiveSign string
	Recovery    bool
	Record      bool

	KeepAlive       bool
	KeepAlivePeriod time.Duration
	IdleTimeout     time.Duration
	MaxFrameSize    int

	LogLevel  string
	LogFormat string

	MetricsNamespace string
	WebsocketPath    string
}

type fileConfig struct {
	Addr             string `toml:"addr"`
	Archive          string `toml:"archive"`
	ArchiveSign      string `toml:"archive_sign"`
	Recovery         bool   `toml:"recovery"`
	Record           bool   `toml:"record"`
	KeepAlive        bool   `toml:"keep_alive"`
	KeepAlivePeriod  string `toml:"keep_alive_period"`
	IdleTimeout      string `toml:"idle_timeout"`
	MaxFrameSize     int    `toml:"max_frame_size"`
	LogLevel         string `toml:"log_level"`
	LogFormat        string `toml:"log_format"`
	MetricsNamespace string `toml:"metrics_namespace"`
	WebsocketPath    string `toml:"websocket_path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:             "127.0.0.1:12345",
		Archive:          streamsocket.DefaultArchivePath,
		Record:           true,
		KeepAlive:        true,
		MaxFrameSize:     64 << 20,
		LogLevel:         "info",
		LogFormat:        "text",
		MetricsNamespace: "streamsocket",
		WebsocketPath:    "/ws",
	}
}

// Load reads path and overlays the keys it defines on Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("archive") {
		cfg.Archive = strings.TrimSpace(raw.Archive)
	}
	if meta.IsDefined("archive_sign") {
		cfg.ArchiveSign = strings.TrimSpace(raw.ArchiveSign)
	}
	if meta.IsDefined("recovery") {
		cfg.Recovery = raw.Recovery
	}
	if meta.IsDefined("record") {
		cfg.Record = raw.Record
	}
	if meta.IsDefined("keep_alive") {
		cfg.KeepAlive = raw.KeepAlive
	}
	if meta.IsDefined("keep_alive_period") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.KeepAlivePeriod))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse keep_alive_period")
		}
		cfg.KeepAlivePeriod = d
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse idle_timeout")
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(raw.LogFormat))
	}
	if meta.IsDefined("metrics_namespace") {
		cfg.MetricsNamespace = strings.TrimSpace(raw.MetricsNamespace)
	}
	if meta.IsDefined("websocket_path") {
		cfg.WebsocketPath = strings.TrimSpace(raw.WebsocketPath)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("unknown config key %q", undecoded[0].String())
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return errors.Wrapf(err, "invalid addr %q", c.Addr)
	}
	if c.Record && c.Archive == "" {
		return errors.New("archive path is required when recording")
	}
	if c.KeepAlivePeriod < 0 {
		return errors.Errorf("keep_alive_period must not be negative, got %s", c.KeepAlivePeriod)
	}
	if c.IdleTimeout < 0 {
		return errors.Errorf("idle_timeout must not be negative, got %s", c.IdleTimeout)
	}
	if c.MaxFrameSize < 0 {
		return errors.Errorf("max_frame_size must not be negative, got %d", c.MaxFrameSize)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.Errorf("unsupported log_format %q", c.LogFormat)
	}
	if !strings.HasPrefix(c.WebsocketPath, "/") {
		return errors.Errorf("websocket_path must start with /, got %q", c.WebsocketPath)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.Wrapf(err, "invalid log_level %q", c.LogLevel)
	}
	return level, nil
}

// ServerOptions translates the configuration into server options.
func (c Config) ServerOptions() []streamsocket.ServerOption {
	return []streamsocket.ServerOption{
		streamsocket.ArchiveOption(c.Archive),
		streamsocket.ArchiveSignOption(c.ArchiveSign),
		streamsocket.RecoveryOption(c.Recovery),
		streamsocket.RecordOption(c.Record),
		streamsocket.KeepAliveOption(c.KeepAlive, c.KeepAlivePeriod),
		streamsocket.ConnOptions(
			streamsocket.MaxFrameSizeOption(c.MaxFrameSize),
			streamsocket.IdleTimeoutOption(c.IdleTimeout),
		),
	}
}
