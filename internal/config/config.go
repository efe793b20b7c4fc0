// Package config loads service configuration from YAML with .env and
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the sync service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	CRM       CRMConfig       `yaml:"crm"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sync      SyncConfig      `yaml:"sync"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AllowedOrigins for CORS; the front end runs on a different origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds the Postgres connection for durable job records.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the Redis connection for rate limiting, live job
// snapshots, and distributed locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// CRMConfig holds external CRM API credentials.
type CRMConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-call CRM timeout.
func (c CRMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RateLimitConfig holds the daily CRM write quota.
type RateLimitConfig struct {
	DailyLimit int `yaml:"daily_limit"`
}

// SyncConfig holds orchestrator tuning knobs.
type SyncConfig struct {
	// Workers is the per-job bound on concurrent CRM calls.
	Workers int `yaml:"workers"`
	// MaxBatchSize caps the number of contacts in one job.
	MaxBatchSize int `yaml:"max_batch_size"`
	// EmitThreshold: jobs larger than this batch progress events on an
	// interval instead of per contact.
	EmitThreshold int `yaml:"emit_threshold"`
	// EmitIntervalMS is the batched-emit interval in milliseconds.
	EmitIntervalMS int `yaml:"emit_interval_ms"`
	// SnapshotTTLHours is how long terminal snapshots stay in Redis.
	SnapshotTTLHours int `yaml:"snapshot_ttl_hours"`
}

// EmitInterval returns the batched progress-emit interval.
func (c SyncConfig) EmitInterval() time.Duration {
	return time.Duration(c.EmitIntervalMS) * time.Millisecond
}

// SnapshotTTL returns the Redis snapshot retention.
func (c SyncConfig) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLHours) * time.Hour
}

// ArchiveConfig holds S3 archival settings for terminal job records.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`
	Prefix   string `yaml:"prefix"`
	// Static credentials; leave empty to use the default AWS chain.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:5173"}
	}
	if cfg.CRM.TimeoutSeconds == 0 {
		cfg.CRM.TimeoutSeconds = 30
	}
	if cfg.RateLimit.DailyLimit == 0 {
		cfg.RateLimit.DailyLimit = 10000
	}
	if cfg.Sync.Workers == 0 {
		cfg.Sync.Workers = 10
	}
	if cfg.Sync.MaxBatchSize == 0 {
		cfg.Sync.MaxBatchSize = 5000
	}
	if cfg.Sync.EmitThreshold == 0 {
		cfg.Sync.EmitThreshold = 500
	}
	if cfg.Sync.EmitIntervalMS == 0 {
		cfg.Sync.EmitIntervalMS = 250
	}
	if cfg.Sync.SnapshotTTLHours == 0 {
		cfg.Sync.SnapshotTTLHours = 24
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "sync-jobs"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is read first, so secrets can live in .env
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SERVER_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CRM_BASE_URL"); v != "" {
		cfg.CRM.BaseURL = v
	}
	if v := os.Getenv("CRM_API_KEY"); v != "" {
		cfg.CRM.APIKey = v
	}
	if v := os.Getenv("CRM_DAILY_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CRM_DAILY_LIMIT %q: %w", v, err)
		}
		cfg.RateLimit.DailyLimit = limit
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3Bucket = v
		cfg.Archive.Enabled = true
	}
	if v := os.Getenv("ARCHIVE_S3_REGION"); v != "" {
		cfg.Archive.S3Region = v
	}
	if v := os.Getenv("ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}

// Validate checks that required settings are present for server mode.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (or DATABASE_URL)")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required (or REDIS_URL)")
	}
	if c.CRM.BaseURL == "" {
		return fmt.Errorf("crm.base_url is required (or CRM_BASE_URL)")
	}
	return nil
}
