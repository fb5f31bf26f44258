// Package config loads the daemon configuration from YAML with environment
// variable overrides. Precedence: defaults, then file, then environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/lapa-ai/nexus/bus"
	"github.com/lapa-ai/nexus/consensus"
	"github.com/lapa-ai/nexus/handshake"
	"github.com/lapa-ai/nexus/orchestrator"
	"github.com/lapa-ai/nexus/registry"
	"github.com/lapa-ai/nexus/rpc"
	"github.com/lapa-ai/nexus/statesync"
)

// Config is the complete daemon configuration.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Log          LogConfig           `yaml:"log"`
	Bus          bus.Config          `yaml:"bus"`
	Registry     registry.Config     `yaml:"registry"`
	Handshake    handshake.Config    `yaml:"handshake"`
	Sync         statesync.Config    `yaml:"sync"`
	Consensus    consensus.Config    `yaml:"consensus"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	RPC          rpc.Config          `yaml:"rpc"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8420",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Bus:          bus.DefaultConfig(),
		Registry:     registry.DefaultConfig(),
		Handshake:    handshake.DefaultConfig(),
		Sync:         statesync.DefaultConfig(),
		Consensus:    consensus.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		RPC:          rpc.DefaultConfig(),
	}
}

// Validate checks cross-field constraints the component constructors cannot
// see.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.ListenAddr == "" {
		errs = append(errs, "server.listen_addr is empty")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	if c.Consensus.DefaultThreshold <= 0 || c.Consensus.DefaultThreshold > 1 {
		errs = append(errs, "consensus.default_threshold must be in (0, 1]")
	}
	if c.Orchestrator.HandoffCeiling <= 0 {
		errs = append(errs, "orchestrator.handoff_ceiling must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation: %s", strings.Join(errs, "; "))
	}
	return nil
}
