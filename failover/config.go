package failover

import (
	"errors"
	"time"

	"github.com/shardpilot/shardpilot/toml"
)

const (
	// DefaultMaxLag is the largest replication lag a promotion candidate
	// may carry.
	DefaultMaxLag = 5 * time.Second

	// DefaultMinDiskFree is the smallest free disk fraction a promotion
	// candidate may report.
	DefaultMinDiskFree = 0.10

	// DefaultSyncPollInterval is how often replication lag is re-probed
	// while waiting for the candidate to catch up.
	DefaultSyncPollInterval = time.Second

	// DefaultSyncLagThreshold is the lag at which the candidate counts as
	// caught up.
	DefaultSyncLagThreshold = 100 * time.Millisecond

	// DefaultSyncTimeout bounds the catch-up wait.
	DefaultSyncTimeout = 30 * time.Second

	// DefaultCooldown is the minimum spacing between automatic failovers
	// of the same shard.
	DefaultCooldown = 5 * time.Minute

	// DefaultHistorySize is how many finished operations are kept in
	// memory.
	DefaultHistorySize = 100

	// DefaultEventBuffer is the capacity of the operation event channel.
	DefaultEventBuffer = 16
)

// Config represents the configuration for the failover coordinator.
type Config struct {
	Enabled          bool          `toml:"enabled"`
	MaxLag           toml.Duration `toml:"max-lag"`
	MinDiskFree      float64       `toml:"min-disk-free"`
	SyncPollInterval toml.Duration `toml:"sync-poll-interval"`
	SyncLagThreshold toml.Duration `toml:"sync-lag-threshold"`
	SyncTimeout      toml.Duration `toml:"sync-timeout"`
	Cooldown         toml.Duration `toml:"cooldown"`
	HistorySize      int           `toml:"history-size"`

	// HistoryPath, when set, persists finished operations to a bolt
	// database at this path in addition to the in-memory history.
	HistoryPath string `toml:"history-path"`

	EventBuffer int `toml:"event-buffer"`
}

// NewConfig returns an instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Enabled:          true,
		MaxLag:           toml.Duration(DefaultMaxLag),
		MinDiskFree:      DefaultMinDiskFree,
		SyncPollInterval: toml.Duration(DefaultSyncPollInterval),
		SyncLagThreshold: toml.Duration(DefaultSyncLagThreshold),
		SyncTimeout:      toml.Duration(DefaultSyncTimeout),
		Cooldown:         toml.Duration(DefaultCooldown),
		HistorySize:      DefaultHistorySize,
		EventBuffer:      DefaultEventBuffer,
	}
}

// Validate returns an error if the config is invalid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxLag <= 0 {
		return errors.New("max-lag must be positive")
	}
	if c.MinDiskFree < 0 || c.MinDiskFree >= 1 {
		return errors.New("min-disk-free must be in [0, 1)")
	}
	if c.SyncPollInterval <= 0 {
		return errors.New("sync-poll-interval must be positive")
	}
	if c.SyncLagThreshold <= 0 {
		return errors.New("sync-lag-threshold must be positive")
	}
	if c.SyncTimeout < c.SyncPollInterval {
		return errors.New("sync-timeout must be at least sync-poll-interval")
	}
	if c.Cooldown < 0 {
		return errors.New("cooldown must be non-negative")
	}
	if c.HistorySize <= 0 {
		return errors.New("history-size must be positive")
	}
	if c.EventBuffer <= 0 {
		return errors.New("event-buffer must be positive")
	}
	return nil
}
