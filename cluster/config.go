package cluster

import (
	"errors"
	"fmt"
)

const (
	// DefaultPort is the database port used when a node does not set one.
	DefaultPort = 5432

	// DefaultMaxConns is the per-node connection budget used when a node
	// does not set one.
	DefaultMaxConns = 10

	// ResolutionHash distributes keys over shards by hashing.
	ResolutionHash = "hash"

	// ResolutionRange assigns lexicographic key ranges to shards.
	ResolutionRange = "range"
)

// Config represents the configuration for the cluster topology.
type Config struct {
	Resolution string        `toml:"resolution"`
	Shards     []ShardConfig `toml:"shards"`
}

// ShardConfig represents the configuration for a single shard.
type ShardConfig struct {
	ID      string       `toml:"id"`
	Region  string       `toml:"region"`
	KeyFrom string       `toml:"key-from"`
	KeyTo   string       `toml:"key-to"`
	Nodes   []NodeConfig `toml:"nodes"`
}

// NodeConfig represents the configuration for a single database node.
type NodeConfig struct {
	ID       string `toml:"id"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	Role     string `toml:"role"`
	UseTLS   bool   `toml:"use-tls"`
	MaxConns int    `toml:"max-connections"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Resolution: ResolutionHash,
	}
}

// Validate returns an error if the configuration is invalid.
func (c Config) Validate() error {
	switch c.Resolution {
	case ResolutionHash, ResolutionRange, "":
	default:
		return fmt.Errorf("cluster: unknown resolution mode: %q", c.Resolution)
	}

	if len(c.Shards) == 0 {
		return errors.New("cluster: at least one shard must be configured")
	}

	shardIDs := make(map[string]struct{}, len(c.Shards))
	nodeIDs := make(map[string]struct{})
	for _, sc := range c.Shards {
		if sc.ID == "" {
			return errors.New("cluster: shard id must not be empty")
		}
		if _, ok := shardIDs[sc.ID]; ok {
			return fmt.Errorf("cluster: duplicate shard id %q", sc.ID)
		}
		shardIDs[sc.ID] = struct{}{}

		if c.Resolution == ResolutionRange && sc.KeyFrom == "" && sc.KeyTo == "" && len(c.Shards) > 1 {
			return fmt.Errorf("cluster: shard %q needs key bounds under range resolution", sc.ID)
		}

		if len(sc.Nodes) == 0 {
			return fmt.Errorf("cluster: shard %q has no nodes", sc.ID)
		}

		primaries := 0
		for _, nc := range sc.Nodes {
			if nc.ID == "" {
				return fmt.Errorf("cluster: shard %q: node id must not be empty", sc.ID)
			}
			if _, ok := nodeIDs[nc.ID]; ok {
				return fmt.Errorf("cluster: duplicate node id %q", nc.ID)
			}
			nodeIDs[nc.ID] = struct{}{}

			if nc.Host == "" {
				return fmt.Errorf("cluster: node %q: host must not be empty", nc.ID)
			}
			if nc.Port < 0 {
				return fmt.Errorf("cluster: node %q: invalid port %d", nc.ID, nc.Port)
			}
			if nc.MaxConns < 0 {
				return fmt.Errorf("cluster: node %q: invalid max-connections %d", nc.ID, nc.MaxConns)
			}

			role, err := ParseNodeRole(nc.Role)
			if err != nil {
				return fmt.Errorf("cluster: node %q: %s", nc.ID, err)
			}
			if role == RolePrimary {
				primaries++
			}
		}
		if primaries != 1 {
			return fmt.Errorf("cluster: shard %q must configure exactly one primary, has %d", sc.ID, primaries)
		}
	}
	return nil
}
