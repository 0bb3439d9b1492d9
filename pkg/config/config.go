// Package config loads backendsim configuration from YAML with sensible
// defaults; command-line flags in cmd/ may override individual fields.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full simulator configuration.
type Config struct {
	// Persistence
	DBPath string `yaml:"db_path"` // SQLite database path

	// Real backend
	BackendURL     string        `yaml:"backend_url"`     // base URL requests are rewritten to
	HealthPath     string        `yaml:"health_path"`     // reachability probe path
	ProbeInterval  time.Duration `yaml:"probe_interval"`  // periodic reachability check
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`   // per-probe HTTP timeout
	RequestTimeout time.Duration `yaml:"request_timeout"` // per-forward HTTP timeout
	CacheNamespace string        `yaml:"cache_namespace"` // key prefix for cached GET responses
	StartOnline    bool          `yaml:"start_online"`    // initial connectivity assumption

	// Hub
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"` // idle clients past this are evicted
	JitterMin         time.Duration `yaml:"jitter_min"`        // per-delivery delay lower bound
	JitterMax         time.Duration `yaml:"jitter_max"`        // per-delivery delay upper bound
	ClientQueueSize   int           `yaml:"client_queue_size"` // outbound notification buffer per client

	// Sessions
	SessionTTL time.Duration `yaml:"session_ttl"`

	// Sync
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxSyncAttempts int           `yaml:"max_sync_attempts"` // replays before dead-lettering
	SyncBackoffBase time.Duration `yaml:"sync_backoff_base"` // doubled per failed attempt

	// Observability
	MetricsAddr string `yaml:"metrics_addr"` // empty disables the /metrics endpoint
	ListenAddr  string `yaml:"listen_addr"`  // local HTTP front for the gateway (empty disables)
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Default returns a config with sensible defaults.
func Default() Config {
	return Config{
		DBPath:            "backendsim.db",
		BackendURL:        "http://localhost:8788",
		HealthPath:        "/health",
		ProbeInterval:     15 * time.Second,
		ProbeTimeout:      2 * time.Second,
		RequestTimeout:    10 * time.Second,
		CacheNamespace:    "gateway-cache",
		StartOnline:       false,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		JitterMin:         10 * time.Millisecond,
		JitterMax:         60 * time.Millisecond,
		ClientQueueSize:   64,
		SessionTTL:        24 * time.Hour,
		FlushInterval:     30 * time.Second,
		MaxSyncAttempts:   8,
		SyncBackoffBase:   time.Second,
		MetricsAddr:       ":9610",
		ListenAddr:        ":8789",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.JitterMin < 0 || c.JitterMax < c.JitterMin {
		return fmt.Errorf("config: jitter bounds invalid: min=%s max=%s", c.JitterMin, c.JitterMax)
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("config: heartbeat_timeout %s must be >= heartbeat_interval %s", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.MaxSyncAttempts < 1 {
		return fmt.Errorf("config: max_sync_attempts must be >= 1, got %d", c.MaxSyncAttempts)
	}
	if c.ClientQueueSize < 1 {
		return fmt.Errorf("config: client_queue_size must be >= 1, got %d", c.ClientQueueSize)
	}
	return nil
}
