package run

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/shardpilot/shardpilot/cluster"
	"github.com/shardpilot/shardpilot/failover"
	"github.com/shardpilot/shardpilot/health"
	"github.com/shardpilot/shardpilot/logger"
	"github.com/shardpilot/shardpilot/pool"
	"github.com/shardpilot/shardpilot/router"
	"github.com/shardpilot/shardpilot/services/httpd"
	stoml "github.com/shardpilot/shardpilot/toml"
)

// Config represents the configuration format for the shardpilotd binary.
type Config struct {
	Logging  logger.Config   `toml:"logging"`
	Cluster  cluster.Config  `toml:"cluster"`
	Pool     pool.Config     `toml:"pool"`
	Health   health.Config   `toml:"health"`
	Router   router.Config   `toml:"router"`
	Failover failover.Config `toml:"failover"`
	HTTP     httpd.Config    `toml:"http"`
}

// NewConfig returns an instance of Config with reasonable defaults. The
// cluster section is left empty; a deployment must describe its shards.
func NewConfig() *Config {
	c := &Config{}
	c.Logging = logger.NewConfig()
	c.Pool = pool.NewConfig()
	c.Health = health.NewConfig()
	c.Router = router.NewConfig()
	c.Failover = failover.NewConfig()
	c.HTTP = httpd.NewConfig()
	return c
}

// NewDemoConfig returns a config with a single local shard, used when no
// config file is specified.
func NewDemoConfig() *Config {
	c := NewConfig()
	c.Cluster = cluster.Config{
		Resolution: cluster.ResolutionHash,
		Shards: []cluster.ShardConfig{{
			ID: "shard-01",
			Nodes: []cluster.NodeConfig{
				{ID: "pg-01a", Host: "127.0.0.1", Port: 5432, User: "postgres", Database: "postgres", Role: "primary"},
				{ID: "pg-01b", Host: "127.0.0.1", Port: 5433, User: "postgres", Database: "postgres", Role: "replica"},
			},
		}},
	}
	return c
}

// FromTomlFile loads the config from a TOML file.
func (c *Config) FromTomlFile(fpath string) error {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return err
	}
	return c.FromToml(string(bs))
}

// FromToml loads the config from TOML.
func (c *Config) FromToml(input string) error {
	_, err := toml.Decode(input, c)
	return err
}

// Validate returns an error if the config is invalid.
func (c *Config) Validate() error {
	if err := c.Cluster.Validate(); err != nil {
		return fmt.Errorf("invalid cluster config: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("invalid pool config: %w", err)
	}
	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("invalid health config: %w", err)
	}
	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("invalid router config: %w", err)
	}
	if err := c.Failover.Validate(); err != nil {
		return fmt.Errorf("invalid failover config: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("invalid http config: %w", err)
	}
	return nil
}

// ApplyEnvOverrides applies the environment configuration on top of the
// config.
func (c *Config) ApplyEnvOverrides(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	return stoml.ApplyEnvOverrides(getenv, "SHARDPILOT", c)
}
