package ingestcfg

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Logging  LoggingConfig  `yaml:"logging"`
	Spill    SpillConfig    `yaml:"spill"`
	Ingest   IngestConfig   `yaml:"ingest"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type PostgresConfig struct {
	Enabled           bool   `yaml:"enabled"`
	DSN               string `yaml:"dsn"`
	MaxConns          int    `yaml:"max_conns"`
	ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms"`
	ApplyMigrations   bool   `yaml:"apply_migrations"`
}

type RedisConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	KeyPrefix    string `yaml:"key_prefix"`
	Stream       string `yaml:"stream"`
	MaxLenApprox int64  `yaml:"maxlen_approx"`
	// Consumer settings
	ConsumerGroup string `yaml:"consumer_group"`
	ConsumerName  string `yaml:"consumer_name"`
	ReadCount     int    `yaml:"read_count"`
	BlockMs       int    `yaml:"block_ms"`
	DLQStream     string `yaml:"dlq_stream"`
	// Pending entries idle longer than this are reclaimed by XAUTOCLAIM.
	ClaimIdleMs int `yaml:"claim_idle_ms"`
}

type NATSConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Subject   string `yaml:"subject"`
	Durable   string `yaml:"durable"`
	AckWaitMs int    `yaml:"ack_wait_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Buffer int    `yaml:"buffer"`
	Output string `yaml:"output"`
}

type SpillConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Directory        string `yaml:"directory"`
	RotateMB         int    `yaml:"rotate_mb"`
	ReplayIntervalMs int    `yaml:"replay_interval_ms"`
}

type IngestConfig struct {
	// SigningMode selects the bytes a transport signs: "id" (event id only) or
	// "canonical" (RFC 8785 JSON of the whole event).
	SigningMode             string   `yaml:"signing_mode"`
	EphemeralTypes          []string `yaml:"ephemeral_types"`
	MaxAttempts             int      `yaml:"max_attempts"`
	RetryBackoffMs          int      `yaml:"retry_backoff_ms"`
	BreakerFailures         int      `yaml:"breaker_failures"`
	BreakerCooldownMs       int      `yaml:"breaker_cooldown_ms"`
	RegistryCacheTTLSeconds int      `yaml:"registry_cache_ttl_seconds"`
}

const (
	SigningModeID        = "id"
	SigningModeCanonical = "canonical"
)

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Env overrides for secrets and endpoints.
func applyEnv(cfg *Config) {
	if v := os.Getenv("INGEST_PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("INGEST_PG_DSN_FILE"); v != "" {
		if b, err := os.ReadFile(v); err == nil {
			cfg.Postgres.DSN = strings.TrimSpace(string(b))
		}
	}
	if v := os.Getenv("INGEST_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("INGEST_REDIS_PASSWORD_FILE"); v != "" {
		if b, err := os.ReadFile(v); err == nil {
			cfg.Redis.Password = strings.TrimSpace(string(b))
		}
	}
	if v := os.Getenv("INGEST_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":7600"
	}
	if cfg.Redis.ConsumerGroup == "" {
		cfg.Redis.ConsumerGroup = "ingest"
	}
	if cfg.Redis.ReadCount <= 0 {
		cfg.Redis.ReadCount = 100
	}
	if cfg.Redis.BlockMs <= 0 {
		cfg.Redis.BlockMs = 5000
	}
	if cfg.Redis.DLQStream == "" && cfg.Redis.Stream != "" {
		cfg.Redis.DLQStream = cfg.Redis.Stream + ":dlq"
	}
	if cfg.Redis.ClaimIdleMs <= 0 {
		cfg.Redis.ClaimIdleMs = 60000
	}
	if cfg.NATS.Stream == "" {
		cfg.NATS.Stream = "TRANSPORT_EVENTS"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "transport.events"
	}
	if cfg.NATS.Durable == "" {
		cfg.NATS.Durable = "ingest"
	}
	if cfg.NATS.AckWaitMs <= 0 {
		cfg.NATS.AckWaitMs = 30000
	}
	if cfg.Spill.Directory == "" {
		cfg.Spill.Directory = "./spill"
	}
	if cfg.Spill.ReplayIntervalMs <= 0 {
		cfg.Spill.ReplayIntervalMs = 5000
	}
	if cfg.Ingest.SigningMode == "" {
		cfg.Ingest.SigningMode = SigningModeID
	}
	if cfg.Ingest.EphemeralTypes == nil {
		cfg.Ingest.EphemeralTypes = []string{"typing-start"}
	}
	if cfg.Ingest.MaxAttempts <= 0 {
		cfg.Ingest.MaxAttempts = 3
	}
	if cfg.Ingest.RetryBackoffMs <= 0 {
		cfg.Ingest.RetryBackoffMs = 200
	}
	if cfg.Ingest.BreakerFailures <= 0 {
		cfg.Ingest.BreakerFailures = 5
	}
	if cfg.Ingest.BreakerCooldownMs <= 0 {
		cfg.Ingest.BreakerCooldownMs = 10000
	}
}

func (c *Config) Validate() error {
	switch c.Ingest.SigningMode {
	case SigningModeID, SigningModeCanonical:
	default:
		return fmt.Errorf("ingest.signing_mode: unsupported value %q", c.Ingest.SigningMode)
	}
	if c.Redis.Enabled && c.Redis.Stream == "" {
		return fmt.Errorf("redis.stream is required when redis is enabled")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required when postgres is enabled")
	}
	return nil
}

func (c IngestConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

func (c IngestConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownMs) * time.Millisecond
}

func (c IngestConfig) RegistryCacheTTL() time.Duration {
	return time.Duration(c.RegistryCacheTTLSeconds) * time.Second
}

func (c *Config) String() string {
	return fmt.Sprintf("listen=%s redis=%v nats=%v postgres=%v", c.Server.Listen, c.Redis.Enabled, c.NATS.Enabled, c.Postgres.Enabled)
}
