// Package config loads and validates the helper's TOML configuration.
// Every field has a working default; running without a config file is the
// common case.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/DrDaveD/cvmfs-x509-helper/internal/logging"
)

// Defaults
const (
	DefaultSyslogIdent  = "cvmfs_x509_helper"
	DefaultPermitTTL    = 120
	DefaultMaxProxySize = 1 << 20
)

// Error definitions
var (
	ErrInvalidPermitTTL    = errors.New("permit_ttl must be positive")
	ErrInvalidMaxProxySize = errors.New("max_proxy_size must be positive")
)

// Config holds the helper's settings.
type Config struct {
	LogLevel string `toml:"log_level"`
	// DebugLog enables a debug sink immediately instead of waiting for
	// the client handshake to supply one.
	DebugLog    string `toml:"debug_log"`
	SyslogIdent string `toml:"syslog_ident"`
	// PermitTTL is the lifetime in seconds of a positive reply.
	PermitTTL int `toml:"permit_ttl"`
	// MaxProxySize bounds the credential file size in bytes.
	MaxProxySize int64 `toml:"max_proxy_size"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		SyslogIdent:  DefaultSyslogIdent,
		PermitTTL:    DefaultPermitTTL,
		MaxProxySize: DefaultMaxProxySize,
	}
}

// Loader handles loading and validating configurations.
type Loader struct{}

// NewLoader creates a config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads the configuration at path on top of the defaults. An empty
// path yields the defaults unchanged.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	dec := toml.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.PermitTTL <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPermitTTL, c.PermitTTL)
	}
	if c.MaxProxySize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxProxySize, c.MaxProxySize)
	}
	return nil
}
