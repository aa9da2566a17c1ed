package config

import (
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	DLQ       DLQConfig       `yaml:"dlq"`       // Dead Letter Queue configuration
	Retention RetentionConfig `yaml:"retention"` // Finished job retention
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Providers ProvidersConfig `yaml:"providers"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Name string `yaml:"name"` // instance name used in logs
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string            `yaml:"listen_addr"`
	Keys           map[string]string `yaml:"keys"`             // api key -> tenant id
	MaxHeaderBytes int               `yaml:"max_header_bytes"` // default: 1MB
	ReadTimeout    time.Duration     `yaml:"read_timeout"`
	WriteTimeout   time.Duration     `yaml:"write_timeout"`
	IdleTimeout    time.Duration     `yaml:"idle_timeout"`
	AllowedIPs     []string          `yaml:"allowed_ips"` // empty = allow all
}

// DatabaseConfig selects the relational store
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // sqlite3 or postgres
	DSN          string `yaml:"dsn"`    // file path for sqlite3, connection string for postgres
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// QueueConfig contains job queue settings
type QueueConfig struct {
	Path            string        `yaml:"path"` // bbolt file
	Workers         int           `yaml:"workers"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	ProcessInterval time.Duration `yaml:"process_interval"`
}

// DLQConfig contains Dead Letter Queue settings
type DLQConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`   // 0 = keep forever
	MaxCount        int           `yaml:"max_count"` // 0 = unlimited
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// RetentionConfig contains finished job retention settings
type RetentionConfig struct {
	DoneMaxAge      time.Duration `yaml:"done_max_age"` // 0 = keep forever
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DispatchConfig controls the campaign send loop
type DispatchConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`   // per recipient, transient errors only
	RetryBackoff  time.Duration `yaml:"retry_backoff"`  // first backoff, doubled each attempt
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	SendTimeout   time.Duration `yaml:"send_timeout"`   // single provider call
	SessionWindow time.Duration `yaml:"session_window"` // free-form window after an inbound message
	RequireOptIn  bool          `yaml:"require_opt_in"` // deny contacts with unknown opt-in
}

// ProvidersConfig contains provider client defaults
type ProvidersConfig struct {
	Cloud    CloudProviderConfig    `yaml:"cloud"`
	Instance InstanceProviderConfig `yaml:"instance"`
}

// CloudProviderConfig configures the official cloud API client
type CloudProviderConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIVersion string        `yaml:"api_version"`
	Timeout    time.Duration `yaml:"timeout"`
}

// InstanceProviderConfig configures the instance API client
type InstanceProviderConfig struct {
	BaseURL string        `yaml:"base_url"` // used when the connection has no base_url
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig contains send pacing and quota settings
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// Token bucket per connection
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`

	// Quotas, nil means unlimited
	Global            *LimitValues `yaml:"global,omitempty"`
	DefaultTenant     *LimitValues `yaml:"default_tenant,omitempty"`
	DefaultConnection *LimitValues `yaml:"default_connection,omitempty"`

	FlushInterval time.Duration `yaml:"flush_interval"` // counter persistence, default 10s
}

// LimitValues contains quota values
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// SchedulerConfig controls promotion of scheduled campaigns
type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Spec    string `yaml:"spec"` // cron spec, default "@every 30s"
}

// WebhookConfig contains inbound webhook settings
type WebhookConfig struct {
	OptOutKeywords []string `yaml:"opt_out_keywords"`
	OptInKeywords  []string `yaml:"opt_in_keywords"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // default: :9090
	Path          string        `yaml:"path"`           // default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`
}

// Load loads configuration from a YAML file.
// A .env file next to the config (or in the working directory) is loaded first
// and ${VAR} references in the file are expanded from the environment.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes, applies defaults and validates
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(configPath string) {
	candidates := []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			// existing variables win over the file
			_ = godotenv.Load(p)
		}
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		hostname, _ := os.Hostname()
		c.Server.Name = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = "/var/lib/zapcast/zapcast.db"
	}

	if c.Queue.Path == "" {
		c.Queue.Path = "/var/lib/zapcast/queue.db"
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.RetryInterval == 0 {
		c.Queue.RetryInterval = 30 * time.Second
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 5
	}
	if c.Queue.ProcessInterval == 0 {
		c.Queue.ProcessInterval = time.Second
	}

	if c.DLQ.CleanupInterval == 0 {
		c.DLQ.CleanupInterval = time.Hour
	}
	if c.Retention.CleanupInterval == 0 {
		c.Retention.CleanupInterval = time.Hour
	}

	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Dispatch.RetryBackoff == 0 {
		c.Dispatch.RetryBackoff = 2 * time.Second
	}
	if c.Dispatch.MaxBackoff == 0 {
		c.Dispatch.MaxBackoff = 30 * time.Second
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 30 * time.Second
	}
	if c.Dispatch.SessionWindow == 0 {
		c.Dispatch.SessionWindow = 24 * time.Hour
	}

	if c.Providers.Cloud.BaseURL == "" {
		c.Providers.Cloud.BaseURL = "https://graph.facebook.com"
	}
	if c.Providers.Cloud.APIVersion == "" {
		c.Providers.Cloud.APIVersion = "v21.0"
	}
	if c.Providers.Cloud.Timeout == 0 {
		c.Providers.Cloud.Timeout = 30 * time.Second
	}
	if c.Providers.Instance.Timeout == 0 {
		c.Providers.Instance.Timeout = 30 * time.Second
	}

	if c.RateLimit.PerSecond == 0 {
		c.RateLimit.PerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 1
	}
	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Scheduler.Spec == "" {
		c.Scheduler.Spec = "@every 30s"
	}

	if len(c.Webhook.OptOutKeywords) == 0 {
		c.Webhook.OptOutKeywords = []string{"STOP", "SAIR", "PARAR", "CANCELAR", "DESCADASTRAR"}
	}
	if len(c.Webhook.OptInKeywords) == 0 {
		c.Webhook.OptInKeywords = []string{"START", "VOLTAR", "ACEITO"}
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = 1 << 20
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validDrivers := map[string]bool{"sqlite3": true, "postgres": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("invalid database.driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	for key, tenant := range c.API.Keys {
		if key == "" || tenant == "" {
			return fmt.Errorf("api.keys entries must have a non-empty key and tenant")
		}
	}

	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.MaxBackoff < c.Dispatch.RetryBackoff {
		return fmt.Errorf("dispatch.max_backoff must not be lower than dispatch.retry_backoff")
	}

	if c.RateLimit.Enabled && c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("rate_limit.per_second must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// TenantForKey returns the tenant bound to an API key
func (c *APIConfig) TenantForKey(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	for k, tenant := range c.Keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return tenant, true
		}
	}
	return "", false
}
