package httpd

import (
	"errors"
	"time"

	"github.com/shardpilot/shardpilot/toml"
)

const (
	// DefaultBindAddress is the address the HTTP API listens on.
	DefaultBindAddress = ":7432"

	// DefaultReadTimeout is the request read deadline.
	DefaultReadTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds response writes. Manual failovers run
	// synchronously inside a request, so this exceeds the replication
	// sync timeout.
	DefaultWriteTimeout = 60 * time.Second

	// DefaultIdleTimeout closes idle keep-alive connections.
	DefaultIdleTimeout = 2 * time.Minute
)

// Config represents the configuration for the HTTP service.
type Config struct {
	Enabled      bool          `toml:"enabled"`
	BindAddress  string        `toml:"bind-address"`
	LogEnabled   bool          `toml:"log-enabled"`
	ReadTimeout  toml.Duration `toml:"read-timeout"`
	WriteTimeout toml.Duration `toml:"write-timeout"`
	IdleTimeout  toml.Duration `toml:"idle-timeout"`
}

// NewConfig returns an instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Enabled:      true,
		BindAddress:  DefaultBindAddress,
		LogEnabled:   true,
		ReadTimeout:  toml.Duration(DefaultReadTimeout),
		WriteTimeout: toml.Duration(DefaultWriteTimeout),
		IdleTimeout:  toml.Duration(DefaultIdleTimeout),
	}
}

// Validate returns an error if the config is invalid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.BindAddress == "" {
		return errors.New("bind-address must be specified")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		return errors.New("timeouts must be non-negative")
	}
	return nil
}
