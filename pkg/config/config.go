// Package config loads packet layer settings from YAML and the environment.
//
// Precedence, lowest first: Default(), the YAML file, SOVEREIGN_NET_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/opticfluorine/sovereign-net/pkg/connection"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "SOVEREIGN_NET_"

// Config holds packet layer settings.
type Config struct {
	// ReplayWindow is the number of recent nonces tracked per connection.
	ReplayWindow int `yaml:"replay_window" env:"REPLAY_WINDOW"`

	// MaxBadHMAC is the consecutive authentication failures tolerated
	// before a connection is removed. Negative disables removal.
	MaxBadHMAC int `yaml:"max_bad_hmac" env:"MAX_BAD_HMAC"`

	// WriteTimeout bounds each frame write; zero disables it.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`

	// ProtocolLog is the capture file path; empty disables capture.
	ProtocolLog string `yaml:"protocol_log" env:"PROTOCOL_LOG"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ReplayWindow: connection.DefaultWindow,
		MaxBadHMAC:   8,
		WriteTimeout: 5 * time.Second,
		LogLevel:     "info",
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ParseEnv applies SOVEREIGN_NET_* variables to cfg. Unset variables leave
// fields untouched.
func ParseEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if err := connection.ValidateWindow(c.ReplayWindow); err != nil {
		return fmt.Errorf("replay_window: %w", err)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("write_timeout: must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Level returns the slog level for LogLevel, or info if it is invalid.
func (c Config) Level() slog.Level {
	l, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}
