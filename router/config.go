package router

import (
	"fmt"
	"time"

	"github.com/shardpilot/shardpilot/toml"
)

const (
	// DefaultReadPreference sends reads to healthy replicas round-robin.
	DefaultReadPreference = ReadPreferReplica

	// DefaultFallback lets reads spill to any healthy shard member when
	// the preferred target is down. Writes never fall back.
	DefaultFallback = FallbackReads

	// DefaultMaxRetries is how many times a failed attempt is retried.
	DefaultMaxRetries = 2

	// DefaultRetryBackoff is the wait before the first retry. It doubles
	// per retry up to DefaultMaxRetryBackoff.
	DefaultRetryBackoff = 100 * time.Millisecond

	// DefaultMaxRetryBackoff caps the exponential retry backoff.
	DefaultMaxRetryBackoff = 2 * time.Second

	// DefaultQueryTimeout bounds a single execution attempt.
	DefaultQueryTimeout = 30 * time.Second

	// DefaultMaxParallel bounds the fan-out of parallel query groups.
	DefaultMaxParallel = 8

	// DefaultCacheTTL is how long a cached read stays valid.
	DefaultCacheTTL = 30 * time.Second

	// DefaultCacheMaxSize is the byte budget of the query cache.
	DefaultCacheMaxSize = 32 * 1024 * 1024
)

const (
	// ReadPreferencePrimary routes reads to the shard primary.
	ReadPreferencePrimary = "primary"

	// ReadPreferReplica spreads reads over healthy replicas.
	ReadPreferReplica = "prefer-replica"

	// FallbackNone pins reads to their preferred target.
	FallbackNone = "none"

	// FallbackReads lets reads use any healthy shard member when the
	// preferred target is unavailable.
	FallbackReads = "reads"
)

// Config represents the configuration for the shard router.
type Config struct {
	ReadPreference  string        `toml:"read-preference"`
	Fallback        string        `toml:"fallback"`
	MaxRetries      int           `toml:"max-retries"`
	RetryBackoff    toml.Duration `toml:"retry-backoff"`
	MaxRetryBackoff toml.Duration `toml:"max-retry-backoff"`
	QueryTimeout    toml.Duration `toml:"query-timeout"`
	MaxParallel     int           `toml:"max-parallel"`
	CacheEnabled    bool          `toml:"cache-enabled"`
	CacheTTL        toml.Duration `toml:"cache-ttl"`
	CacheMaxSize    toml.Size     `toml:"cache-max-size"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		ReadPreference:  DefaultReadPreference,
		Fallback:        DefaultFallback,
		MaxRetries:      DefaultMaxRetries,
		RetryBackoff:    toml.Duration(DefaultRetryBackoff),
		MaxRetryBackoff: toml.Duration(DefaultMaxRetryBackoff),
		QueryTimeout:    toml.Duration(DefaultQueryTimeout),
		MaxParallel:     DefaultMaxParallel,
		CacheEnabled:    true,
		CacheTTL:        toml.Duration(DefaultCacheTTL),
		CacheMaxSize:    toml.Size(DefaultCacheMaxSize),
	}
}

// Validate returns an error if the configuration is invalid.
func (c Config) Validate() error {
	switch c.ReadPreference {
	case ReadPreferencePrimary, ReadPreferReplica, "":
	default:
		return fmt.Errorf("router: unknown read-preference: %q", c.ReadPreference)
	}
	switch c.Fallback {
	case FallbackNone, FallbackReads, "":
	default:
		return fmt.Errorf("router: unknown fallback policy: %q", c.Fallback)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("router: max-retries must not be negative")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("router: retry-backoff must be positive")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("router: query-timeout must be positive")
	}
	if c.CacheEnabled && c.CacheTTL <= 0 {
		return fmt.Errorf("router: cache-ttl must be positive")
	}
	return nil
}
