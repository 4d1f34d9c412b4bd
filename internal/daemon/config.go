// Package daemon wires the keyspider subsystems into one long-running
// process: database, SSH pool, spider job runner, watch supervisor, and
// the agent ingest HTTP server.
package daemon

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration.
type Config struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	// ListenAddr is the agent ingest + API bind address.
	ListenAddr string `yaml:"listen_addr"`

	SSH struct {
		User           string `yaml:"user"`
		KeyPath        string `yaml:"key_path"`
		Password       string `yaml:"password"`
		KnownHostsPath string `yaml:"known_hosts_path"`
		MaxTotal       int    `yaml:"max_total"`
		MaxPerServer   int    `yaml:"max_per_server"`
		ConnectTimeout int    `yaml:"connect_timeout"` // seconds
		CommandTimeout int    `yaml:"command_timeout"` // seconds
		IdleTTL        int    `yaml:"idle_ttl"`        // seconds
	} `yaml:"ssh"`

	Spider struct {
		DefaultDepth    int `yaml:"default_depth"`
		MaxDepth        int `yaml:"max_depth"`
		JobPollInterval int `yaml:"job_poll_interval"` // seconds
	} `yaml:"spider"`

	Watcher struct {
		ReconnectDelay    int `yaml:"reconnect_delay"`     // seconds
		MaxReconnectDelay int `yaml:"max_reconnect_delay"` // seconds
	} `yaml:"watcher"`

	Log struct {
		MaxLinesInitial     int `yaml:"max_lines_initial"`
		MaxLinesIncremental int `yaml:"max_lines_incremental"`
	} `yaml:"log"`

	Unreachable struct {
		CacheTTL int `yaml:"cache_ttl"` // seconds
	} `yaml:"unreachable"`

	Agent struct {
		// BinaryPath is the local agent binary uploaded by agent-deploy.
		BinaryPath string `yaml:"binary_path"`
		// ServerURL is the ingest URL written into deployed agent configs.
		ServerURL string `yaml:"server_url"`
		// HeartbeatMaxAge is the health window in seconds.
		HeartbeatMaxAge int `yaml:"heartbeat_max_age"`
	} `yaml:"agent"`
}

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.ListenAddr = ":8444"
	cfg.SSH.User = "root"
	cfg.SSH.MaxTotal = 50
	cfg.SSH.MaxPerServer = 3
	cfg.SSH.ConnectTimeout = 10
	cfg.SSH.CommandTimeout = 30
	cfg.SSH.IdleTTL = 300
	cfg.Spider.DefaultDepth = 10
	cfg.Spider.MaxDepth = 50
	cfg.Spider.JobPollInterval = 5
	cfg.Watcher.ReconnectDelay = 5
	cfg.Watcher.MaxReconnectDelay = 300
	cfg.Log.MaxLinesInitial = 50000
	cfg.Log.MaxLinesIncremental = 50000
	cfg.Unreachable.CacheTTL = 3600
	cfg.Agent.HeartbeatMaxAge = 300
	return cfg
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

	// Environment variable overrides, for secrets kept out of the file.
	if v := os.Getenv("KEYSPIDER_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("KEYSPIDER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("KEYSPIDER_SSH_USER"); v != "" {
		cfg.SSH.User = v
	}
	if v := os.Getenv("KEYSPIDER_SSH_KEY_PATH"); v != "" {
		cfg.SSH.KeyPath = v
	}
	if v := os.Getenv("KEYSPIDER_SSH_PASSWORD"); v != "" {
		cfg.SSH.Password = v
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is required")
	}
	if cfg.SSH.KeyPath == "" && cfg.SSH.Password == "" {
		return nil, fmt.Errorf("one of ssh.key_path or ssh.password is required")
	}

	clampInt(&cfg.SSH.MaxTotal, 1, 500)
	clampInt(&cfg.SSH.MaxPerServer, 1, cfg.SSH.MaxTotal)
	clampInt(&cfg.SSH.ConnectTimeout, 1, 120)
	clampInt(&cfg.SSH.CommandTimeout, 1, 600)
	clampInt(&cfg.SSH.IdleTTL, 10, 3600)
	clampInt(&cfg.Spider.DefaultDepth, 1, 50)
	clampInt(&cfg.Spider.MaxDepth, cfg.Spider.DefaultDepth, 50)
	clampInt(&cfg.Spider.JobPollInterval, 1, 300)
	clampInt(&cfg.Watcher.ReconnectDelay, 1, 60)
	clampInt(&cfg.Watcher.MaxReconnectDelay, cfg.Watcher.ReconnectDelay, 3600)
	clampInt(&cfg.Log.MaxLinesInitial, 100, 1000000)
	clampInt(&cfg.Log.MaxLinesIncremental, 100, 1000000)
	clampInt(&cfg.Unreachable.CacheTTL, 60, 86400)
	clampInt(&cfg.Agent.HeartbeatMaxAge, 60, 3600)

	return &cfg, nil
}

func clampInt(v *int, lo, hi int) {
	if *v < lo {
		*v = lo
	}
	if *v > hi {
		*v = hi
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
