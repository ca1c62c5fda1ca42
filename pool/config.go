package pool

import (
	"errors"
	"time"

	"github.com/shardpilot/shardpilot/toml"
)

const (
	// DefaultConnectTimeout is the dial timeout for new connections.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultMaxConnLifetime is how long a connection may be reused.
	DefaultMaxConnLifetime = time.Hour

	// DefaultMaxConnIdleTime is how long an idle connection is kept.
	DefaultMaxConnIdleTime = 30 * time.Minute

	// DefaultHealthCheckPeriod is how often a pool prunes dead connections.
	DefaultHealthCheckPeriod = time.Minute
)

// Config represents the configuration for the connection pool manager.
type Config struct {
	ConnectTimeout    toml.Duration `toml:"connect-timeout"`
	MaxConnLifetime   toml.Duration `toml:"max-conn-lifetime"`
	MaxConnIdleTime   toml.Duration `toml:"max-conn-idle-time"`
	HealthCheckPeriod toml.Duration `toml:"health-check-period"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		ConnectTimeout:    toml.Duration(DefaultConnectTimeout),
		MaxConnLifetime:   toml.Duration(DefaultMaxConnLifetime),
		MaxConnIdleTime:   toml.Duration(DefaultMaxConnIdleTime),
		HealthCheckPeriod: toml.Duration(DefaultHealthCheckPeriod),
	}
}

// Validate returns an error if the configuration is invalid.
func (c Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return errors.New("pool: connect-timeout must be positive")
	}
	if c.MaxConnLifetime <= 0 {
		return errors.New("pool: max-conn-lifetime must be positive")
	}
	if c.MaxConnIdleTime <= 0 {
		return errors.New("pool: max-conn-idle-time must be positive")
	}
	if c.HealthCheckPeriod <= 0 {
		return errors.New("pool: health-check-period must be positive")
	}
	return nil
}
