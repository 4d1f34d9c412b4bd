// Package agent is the on-host collector for servers the crawler cannot
// reach inbound. It tails the local auth log from a persisted offset,
// inventories local public keys, and pushes everything to the keyspider
// receiver, spooling to SQLite while the receiver is unreachable.
package agent

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Version is reported in every heartbeat.
const Version = "1.0.0"

// Config holds agent configuration.
type Config struct {
	// Required
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`

	// Paths
	StatePath string   `yaml:"state_path"`
	LogPaths  []string `yaml:"log_paths"` // empty picks the OS defaults

	// Timing, seconds
	PollInterval      int `yaml:"poll_interval"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`
	KeyScanInterval   int `yaml:"key_scan_interval"`

	// Spool
	SpoolMaxAgeDays int `yaml:"spool_max_age_days"`
}

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() Config {
	return Config{
		StatePath:         "/var/lib/keyspider-agent/state.db",
		PollInterval:      10,
		HeartbeatInterval: 60,
		KeyScanInterval:   3600,
		SpoolMaxAgeDays:   7,
	}
}

// LoadConfig loads configuration from a YAML file with env overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("KEYSPIDER_AGENT_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("KEYSPIDER_AGENT_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("KEYSPIDER_AGENT_STATE_PATH"); v != "" {
		cfg.StatePath = v
	}
	if v := os.Getenv("KEYSPIDER_AGENT_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollInterval = n
		}
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if cfg.PollInterval < 1 {
		cfg.PollInterval = 1
	}
	if cfg.PollInterval > 3600 {
		cfg.PollInterval = 3600
	}
	if cfg.HeartbeatInterval < 10 {
		cfg.HeartbeatInterval = 10
	}
	if cfg.KeyScanInterval < 60 {
		cfg.KeyScanInterval = 60
	}
	if cfg.SpoolMaxAgeDays < 1 {
		cfg.SpoolMaxAgeDays = 1
	}
	return &cfg, nil
}
