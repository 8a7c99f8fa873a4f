package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Sync        SyncConfig        `yaml:"sync"`
	History     HistoryConfig     `yaml:"history"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
	Fetchers    FetchersConfig    `yaml:"fetchers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// StoreConfig selects the storage backend
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=postgres memory"`
	// Users seeds the user directory of the memory backend
	Users []SeedUser `yaml:"users" validate:"dive"`
}

// SeedUser is a user preloaded into the memory backend
type SeedUser struct {
	ID       string `yaml:"id" validate:"required"`
	Username string `yaml:"username"`
	Public   bool   `yaml:"public"`
}

// RedisConfig holds Redis connection and coordination configuration
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
	CycleLockTTL time.Duration `yaml:"cycle_lock_ttl"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	// RateLimits caps fetches per platform within a fixed window
	RateLimits map[string]RateLimit `yaml:"rate_limits" validate:"dive"`
}

// RateLimit is a fixed-window request budget
type RateLimit struct {
	Requests int           `yaml:"requests" validate:"min=1"`
	Window   time.Duration `yaml:"window" validate:"required"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	GroupID       string        `yaml:"group_id"`
	Enabled       bool          `yaml:"enabled"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// SyncConfig holds sync orchestrator configuration
type SyncConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron spec for the periodic sync cycle
	Schedule            string        `yaml:"schedule"`
	StaleAfter          time.Duration `yaml:"stale_after" validate:"gt=0"`
	BatchSize           int           `yaml:"batch_size" validate:"min=1"`
	BatchDelay          time.Duration `yaml:"batch_delay" validate:"gte=0"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	RegressionGuard     bool          `yaml:"regression_guard"`
	RegressionTolerance int           `yaml:"regression_tolerance" validate:"gte=0"`
}

// HistoryConfig holds snapshot retention configuration
type HistoryConfig struct {
	RetentionDays int    `yaml:"retention_days" validate:"min=1"`
	PurgeSchedule string `yaml:"purge_schedule"`
}

// LeaderboardConfig holds leaderboard-specific configuration
type LeaderboardConfig struct {
	DefaultLimit int `yaml:"default_limit" validate:"min=1"`
	MaxLimit     int `yaml:"max_limit" validate:"min=1,gtefield=DefaultLimit"`
}

// FetchersConfig maps platforms to metrics proxy endpoints
type FetchersConfig struct {
	Endpoints map[string]string `yaml:"endpoints" validate:"dive,keys,oneof=leetcode codeforces codechef atcoder hackerrank geeksforgeeks,endkeys,url"`
	UserAgent string            `yaml:"user_agent"`
}

// Load reads configuration from a YAML file. Variables from an optional
// .env file in the working directory are loaded before expansion.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "postgres"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 2
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "cpstats"
	}
	if c.Redis.CycleLockTTL == 0 {
		c.Redis.CycleLockTTL = 30 * time.Minute
	}
	if c.Redis.LeaseTTL == 0 {
		c.Redis.LeaseTTL = 5 * time.Minute
	}
	if c.Redis.CacheTTL == 0 {
		c.Redis.CacheTTL = 60 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 20
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "sync-requests"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "cpstats-sync"
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	// Sync defaults
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "@every 30m"
	}
	if c.Sync.StaleAfter == 0 {
		c.Sync.StaleAfter = 6 * time.Hour
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 10
	}
	if c.Sync.BatchDelay == 0 {
		c.Sync.BatchDelay = 2 * time.Second
	}
	if c.Sync.FetchTimeout == 0 {
		c.Sync.FetchTimeout = 15 * time.Second
	}

	// History defaults
	if c.History.RetentionDays == 0 {
		c.History.RetentionDays = 365
	}
	if c.History.PurgeSchedule == "" {
		c.History.PurgeSchedule = "@daily"
	}

	// Leaderboard defaults
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 50
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 100
	}

	if c.Fetchers.UserAgent == "" {
		c.Fetchers.UserAgent = "cpstats-sync/1.0"
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Sync.Enabled = true
	return cfg
}
