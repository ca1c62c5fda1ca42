package health

import (
	"errors"
	"time"

	"github.com/shardpilot/shardpilot/toml"
)

const (
	// DefaultCheckInterval is how often a full health pass runs.
	DefaultCheckInterval = 10 * time.Second

	// DefaultCheckTimeout bounds each individual probe.
	DefaultCheckTimeout = 3 * time.Second

	// DefaultLagIssueThreshold is the replication lag beyond which a
	// healthy replica is reported as lagging.
	DefaultLagIssueThreshold = 30 * time.Second

	// DefaultIssueBuffer is the capacity of the issue channel.
	DefaultIssueBuffer = 64
)

// Config represents the configuration for the health checker.
type Config struct {
	CheckInterval     toml.Duration `toml:"check-interval"`
	CheckTimeout      toml.Duration `toml:"check-timeout"`
	LagIssueThreshold toml.Duration `toml:"lag-issue-threshold"`
	IssueBuffer       int           `toml:"issue-buffer"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		CheckInterval:     toml.Duration(DefaultCheckInterval),
		CheckTimeout:      toml.Duration(DefaultCheckTimeout),
		LagIssueThreshold: toml.Duration(DefaultLagIssueThreshold),
		IssueBuffer:       DefaultIssueBuffer,
	}
}

// Validate returns an error if the configuration is invalid.
func (c Config) Validate() error {
	if c.CheckInterval <= 0 {
		return errors.New("health: check-interval must be positive")
	}
	if c.CheckTimeout <= 0 {
		return errors.New("health: check-timeout must be positive")
	}
	if c.IssueBuffer <= 0 {
		return errors.New("health: issue-buffer must be positive")
	}
	return nil
}
