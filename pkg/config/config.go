// Package config loads and validates the investigation engine configuration.
//
// Configuration is a YAML file covering the remote agent endpoint, polling
// cadence, identifier allocation, context prompt budget, and the local
// HTTP/database settings. State (running investigations, hypotheses) never
// lives here; it belongs to the notebook store.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file omits a value.
const (
	DefaultPollInterval       = 5 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
	DefaultAllocationAttempts = 3
	DefaultContextTokenBudget = 8000
	DefaultListenAddr         = "127.0.0.1:8790"
	DefaultDatabasePath       = "investigator.db"
)

// RemoteConfig describes the remote agent service.
type RemoteConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AgentConfigName string `yaml:"agent_config_name"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// PollingConfig controls the shared polling service.
type PollingConfig struct {
	IntervalMS int `yaml:"interval_ms"`
}

// AllocationConfig bounds executor memory allocation retries.
type AllocationConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// ContextConfig bounds the generated context prompt.
type ContextConfig struct {
	TokenBudget int `yaml:"token_budget"`
}

// ServerConfig is the local ops HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig locates the notebook store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Config is the root configuration document.
type Config struct {
	Remote     RemoteConfig     `yaml:"remote"`
	Polling    PollingConfig    `yaml:"polling"`
	Allocation AllocationConfig `yaml:"allocation"`
	Context    ContextConfig    `yaml:"context"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`

	// User identifies the local actor for investigation ownership checks.
	User string `yaml:"user"`
}

// Load reads, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Polling.IntervalMS <= 0 {
		c.Polling.IntervalMS = int(DefaultPollInterval / time.Millisecond)
	}
	if c.Remote.TimeoutSeconds <= 0 {
		c.Remote.TimeoutSeconds = int(DefaultRequestTimeout / time.Second)
	}
	if c.Allocation.MaxAttempts <= 0 {
		c.Allocation.MaxAttempts = DefaultAllocationAttempts
	}
	if c.Context.TokenBudget <= 0 {
		c.Context.TokenBudget = DefaultContextTokenBudget
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.User == "" {
		c.User = os.Getenv("USER")
	}
}

// Validate rejects configs that cannot drive an investigation.
func (c *Config) Validate() error {
	if c.Remote.Endpoint == "" {
		return fmt.Errorf("remote.endpoint is required")
	}
	if c.Remote.AgentConfigName == "" {
		return fmt.Errorf("remote.agent_config_name is required")
	}
	if c.Polling.IntervalMS < 100 {
		return fmt.Errorf("polling.interval_ms must be at least 100, got %d", c.Polling.IntervalMS)
	}
	if c.Allocation.MaxAttempts < 1 {
		return fmt.Errorf("allocation.max_attempts must be positive")
	}
	return nil
}

// PollInterval returns the polling cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Polling.IntervalMS) * time.Millisecond
}

// RequestTimeout returns the remote request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}
