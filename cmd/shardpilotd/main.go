package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shardpilot/shardpilot/cmd/shardpilotd/run"
)

func main() {
	Execute()
}

var configPath string

func init() {
	viper.SetEnvPrefix("SHARDPILOT")

	shardpilotCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the configuration file")
	viper.BindEnv("CONFIG")
	if p := viper.GetString("CONFIG"); p != "" {
		configPath = p
	}

	shardpilotCmd.AddCommand(configCmd)
}

var shardpilotCmd = &cobra.Command{
	Use:   "shardpilotd",
	Short: "sharded query router with automatic primary failover",
	Run:   runF,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "display the resolved configuration as TOML",
	Run: func(cmd *cobra.Command, args []string) {
		c, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		if err := c.ApplyEnvOverrides(os.Getenv); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to apply environment overrides: %v\n", err)
			os.Exit(1)
		}
		if err := toml.NewEncoder(os.Stdout).Encode(c); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode configuration: %v\n", err)
			os.Exit(1)
		}
	},
}

// loadConfig parses the file named by --config or SHARDPILOT_CONFIG. With
// neither set it falls back to the demo configuration so the daemon can be
// tried against a single local postgres pair.
func loadConfig() (*run.Config, error) {
	if configPath == "" {
		return run.NewDemoConfig(), nil
	}
	c := run.NewConfig()
	if err := c.FromTomlFile(configPath); err != nil {
		return nil, err
	}
	return c, nil
}

func runF(cmd *cobra.Command, args []string) {
	c, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := c.ApplyEnvOverrides(os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to apply environment overrides: %v\n", err)
		os.Exit(1)
	}
	if err := c.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := c.Logging.New(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	if configPath == "" {
		log.Warn("No configuration file specified, using the demo configuration")
	}

	s, err := run.NewServer(c)
	if err != nil {
		log.Error("Failed to create server", zap.Error(err))
		os.Exit(1)
	}
	s.WithLogger(log)

	if err := s.Open(context.Background()); err != nil {
		log.Error("Failed to open server", zap.Error(err))
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)
	<-sigs

	log.Info("Shutting down")
	if err := s.Close(); err != nil {
		log.Error("Shutdown error", zap.Error(err))
		os.Exit(1)
	}
}

// Execute runs the shardpilotd command.
func Execute() {
	if err := shardpilotCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
