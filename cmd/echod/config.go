package main

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the echod runtime configuration.
type Config struct {
	HTTPAddr        string
	WSAddr          string
	MetricsAddr     string
	MaxMessageSize  int
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	ReusePort       bool
	LogLevel        string
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        "127.0.0.1:4242",
		WSAddr:          "127.0.0.1:4243",
		MaxMessageSize:  1024 * 1024,
		IdleTimeout:     30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
	}
}

// echod config.toml key mapping to runtime settings.
type fileConfig struct {
	HTTPAddr        string `toml:"http_addr"`
	WSAddr          string `toml:"ws_addr"`
	MetricsAddr     string `toml:"metrics_addr"`
	MaxMessageSize  int    `toml:"max_message_size"`
	IdleTimeout     string `toml:"idle_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	ReusePort       bool   `toml:"reuse_port"`
	LogLevel        string `toml:"log_level"`
}

// loadConfig reads a TOML file and overlays the keys it defines on the defaults.
func loadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load echod config")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("load echod config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("ws_addr") {
		cfg.WSAddr = strings.TrimSpace(raw.WSAddr)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse idle_timeout")
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse shutdown_timeout")
		}
		cfg.ShutdownTimeout = d
	}
	if meta.IsDefined("reuse_port") {
		cfg.ReusePort = raw.ReusePort
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.HTTPAddr == "" && c.WSAddr == "" {
		return errors.New("config: at least one of http_addr and ws_addr is required")
	}
	if c.MaxMessageSize <= 0 {
		return errors.Errorf("config: max_message_size must be positive, got %d", c.MaxMessageSize)
	}
	if c.IdleTimeout <= 0 {
		return errors.Errorf("config: idle_timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.ShutdownTimeout < 0 {
		return errors.Errorf("config: shutdown_timeout must not be negative, got %s", c.ShutdownTimeout)
	}
	return nil
}
