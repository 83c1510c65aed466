package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ringforge/ringforge/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config holds the full hub configuration. Zero values are filled from
// Default(); a YAML file overrides selectively.
type Config struct {
	DataDir       string `yaml:"data_dir"`
	ListenAddr    string `yaml:"listen_addr"`     // session plane (websocket)
	ControlAddr   string `yaml:"control_addr"`    // control plane (/api/v1, health, metrics)
	LogLevel      string `yaml:"log_level"`
	LogJSON       bool   `yaml:"log_json"`
	BlobSecret    string `yaml:"blob_secret"`     // HMAC key for presigned URLs
	BlobBaseURL   string `yaml:"blob_base_url"`
	BootstrapKey  string `yaml:"bootstrap_key"`   // admin key for first tenant mint, optional

	Gateway   GatewayConfig   `yaml:"gateway"`
	Presence  PresenceConfig  `yaml:"presence"`
	Messaging MessagingConfig `yaml:"messaging"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Replay    ReplayConfig    `yaml:"replay"`
	Limits    LimitsConfig    `yaml:"limits"`

	// Quotas maps plan name to its quota table. Missing plans fall back
	// to compiled defaults.
	Quotas map[string]Quota `yaml:"quotas"`
}

// GatewayConfig tunes the connection gateway.
type GatewayConfig struct {
	AuthTimeoutSeconds   int `yaml:"auth_timeout_seconds"`   // default 10
	HeartbeatSeconds     int `yaml:"heartbeat_seconds"`      // ping interval, default 30
	HeartbeatMisses      int `yaml:"heartbeat_misses"`       // default 3
	MessagesPerSecond    int `yaml:"messages_per_second"`    // soft cap per session, default 100
	AuthAttemptsPerMin   int `yaml:"auth_attempts_per_min"`  // per source address, default 5
	OutboundBuffer       int `yaml:"outbound_buffer"`        // frames, default 64
	DropDisconnectCount  int `yaml:"drop_disconnect_count"`  // fan-out drops before kick, default 32
}

// PresenceConfig tunes the presence index sweeper.
type PresenceConfig struct {
	SweepSeconds int `yaml:"sweep_seconds"` // default 15
	StaleSeconds int `yaml:"stale_seconds"` // default 90
}

// MessagingConfig bounds the offline DM queue.
type MessagingConfig struct {
	QueueLimit      int `yaml:"queue_limit"`       // per recipient, default 100
	QueueTTLSeconds int `yaml:"queue_ttl_seconds"` // default 300
}

// TasksConfig tunes the task router.
type TasksConfig struct {
	ClaimGraceSeconds int `yaml:"claim_grace_seconds"` // default 10
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"` // default 600
}

// ReplayConfig paces replay streams.
type ReplayConfig struct {
	ItemsPerSecond int `yaml:"items_per_second"` // default 100
	DefaultLimit   int `yaml:"default_limit"`    // default 1000
	MaxLimit       int `yaml:"max_limit"`        // default 10000
}

// LimitsConfig tunes rate limit windows and the idempotency cache.
type LimitsConfig struct {
	WindowSeconds         int `yaml:"window_seconds"`           // default 60
	MemoryWritesPerMin    int `yaml:"memory_writes_per_min"`    // per agent, default 120
	TaskSubmitsPerMin     int `yaml:"task_submits_per_min"`     // per agent, default 60
	APIRequestsPerMin     int `yaml:"api_requests_per_min"`     // per key, default 600
	IdempotencyTTLSeconds int `yaml:"idempotency_ttl_seconds"`  // default 300
	IdempotencyCacheSize  int `yaml:"idempotency_cache_size"`   // default 8192
}

// Quota is the per-plan quota table. Soft warnings fire at 80% of each
// hard limit.
type Quota struct {
	MaxAgents        int   `yaml:"max_agents"`
	MessagesPerDay   int64 `yaml:"messages_per_day"`
	MaxMemoryEntries int   `yaml:"max_memory_entries"`
	MaxFleets        int   `yaml:"max_fleets"`
	MaxStorageBytes  int64 `yaml:"max_storage_bytes"`
	RetentionHours   int   `yaml:"retention_hours"` // event log retention
}

// Default returns the compiled defaults.
func Default() *Config {
	return &Config{
		DataDir:     "/var/lib/ringforge",
		ListenAddr:  ":7420",
		ControlAddr: ":7421",
		LogLevel:    "info",
		LogJSON:     true,
		BlobBaseURL: "http://localhost:7423",
		Gateway: GatewayConfig{
			AuthTimeoutSeconds:  10,
			HeartbeatSeconds:    30,
			HeartbeatMisses:     3,
			MessagesPerSecond:   100,
			AuthAttemptsPerMin:  5,
			OutboundBuffer:      64,
			DropDisconnectCount: 32,
		},
		Presence: PresenceConfig{
			SweepSeconds: 15,
			StaleSeconds: 90,
		},
		Messaging: MessagingConfig{
			QueueLimit:      100,
			QueueTTLSeconds: 300,
		},
		Tasks: TasksConfig{
			ClaimGraceSeconds: 10,
			DefaultTTLSeconds: 600,
		},
		Replay: ReplayConfig{
			ItemsPerSecond: 100,
			DefaultLimit:   1000,
			MaxLimit:       10000,
		},
		Limits: LimitsConfig{
			WindowSeconds:         60,
			MemoryWritesPerMin:    120,
			TaskSubmitsPerMin:     60,
			APIRequestsPerMin:     600,
			IdempotencyTTLSeconds: 300,
			IdempotencyCacheSize:  8192,
		},
		Quotas: map[string]Quota{
			string(types.PlanFree):       {MaxAgents: 5, MessagesPerDay: 50_000, MaxMemoryEntries: 1_000, MaxFleets: 1, MaxStorageBytes: 100 << 20, RetentionHours: 24},
			string(types.PlanPro):        {MaxAgents: 50, MessagesPerDay: 1_000_000, MaxMemoryEntries: 50_000, MaxFleets: 10, MaxStorageBytes: 10 << 30, RetentionHours: 7 * 24},
			string(types.PlanScale):      {MaxAgents: 500, MessagesPerDay: 10_000_000, MaxMemoryEntries: 500_000, MaxFleets: 100, MaxStorageBytes: 100 << 30, RetentionHours: 30 * 24},
			string(types.PlanEnterprise): {MaxAgents: 10_000, MessagesPerDay: 100_000_000, MaxMemoryEntries: 5_000_000, MaxFleets: 1_000, MaxStorageBytes: 1 << 40, RetentionHours: 90 * 24},
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// PlanQuota returns the quota table for a plan, falling back to the
// compiled defaults for unknown plans.
func (c *Config) PlanQuota(plan types.Plan) Quota {
	if q, ok := c.Quotas[string(plan)]; ok {
		return q
	}
	return Default().Quotas[string(types.PlanFree)]
}

// Retention returns the event log retention for a plan.
func (c *Config) Retention(plan types.Plan) time.Duration {
	return time.Duration(c.PlanQuota(plan).RetentionHours) * time.Hour
}
