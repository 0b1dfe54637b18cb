package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine processes.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Tracking TrackingConfig `yaml:"tracking"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port               int      `yaml:"port"`
	Host               string   `yaml:"host"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// Addr is the listen address.
func (c ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// DispatchConfig tunes the campaign send loop and job queue.
type DispatchConfig struct {
	Workers       int     `yaml:"workers"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	ProgressEvery int     `yaml:"progress_every"`
	MaxAttempts   int     `yaml:"max_attempts"`

	// CredentialPerSecond caps sends per credential across all workers.
	// Zero disables the shared cap.
	CredentialPerSecond int `yaml:"credential_per_second"`

	// MaxQueueDepth pauses new submissions once this many jobs wait.
	MaxQueueDepth int64 `yaml:"max_queue_depth"`

	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	JobKeyTTLHours     int `yaml:"job_key_ttl_hours"`
	LockTTLMinutes     int `yaml:"lock_ttl_minutes"`
}

func (c DispatchConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

func (c DispatchConfig) JobKeyTTL() time.Duration {
	return time.Duration(c.JobKeyTTLHours) * time.Hour
}

func (c DispatchConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMinutes) * time.Minute
}

// SMTPConfig bounds every provider conversation and sizes the pool.
type SMTPConfig struct {
	ConnectTimeoutSeconds  int    `yaml:"connect_timeout_seconds"`
	GreetingTimeoutSeconds int    `yaml:"greeting_timeout_seconds"`
	SocketTimeoutSeconds   int    `yaml:"socket_timeout_seconds"`
	PoolSize               int    `yaml:"pool_size"`
	IdleTTLMinutes         int    `yaml:"idle_ttl_minutes"`
	HeloName               string `yaml:"helo_name"`
}

func (c SMTPConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c SMTPConfig) GreetingTimeout() time.Duration {
	return time.Duration(c.GreetingTimeoutSeconds) * time.Second
}

func (c SMTPConfig) SocketTimeout() time.Duration {
	return time.Duration(c.SocketTimeoutSeconds) * time.Second
}

func (c SMTPConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLMinutes) * time.Minute
}

// TrackingConfig controls the public tracking endpoints.
type TrackingConfig struct {
	BaseURL     string `yaml:"base_url"`
	FallbackURL string `yaml:"fallback_url"`
}

// IngestConfig selects the queue behind the ingestion handlers.
type IngestConfig struct {
	Backend     string `yaml:"backend"` // memory | sqs
	Workers     int    `yaml:"workers"`
	Buffer      int    `yaml:"buffer"`
	SQSQueueURL string `yaml:"sqs_queue_url"`
	AWSRegion   string `yaml:"aws_region"`
}

type WebhookConfig struct {
	VerifySignatures bool     `yaml:"verify_signatures"`
	AutoConfirm      bool     `yaml:"auto_confirm"`
	AllowedTopicARNs []string `yaml:"allowed_topic_arns"`
}

// RecoveryConfig schedules the maintenance sweeps.
type RecoveryConfig struct {
	StuckSchedule     string `yaml:"stuck_schedule"`
	StaleMinutes      int    `yaml:"stale_minutes"`
	ReconcileSchedule string `yaml:"reconcile_schedule"`
	ReconcileHours    int    `yaml:"reconcile_window_hours"`
}

func (c RecoveryConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleMinutes) * time.Minute
}

func (c RecoveryConfig) ReconcileWindow() time.Duration {
	return time.Duration(c.ReconcileHours) * time.Hour
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact defaults to true when unset.
func (c LoggingConfig) Redact() bool { return c.RedactPII == nil || *c.RedactPII }

// Load reads and parses the configuration file. A missing path yields an
// all-defaults config.
func Load(path string) (*Config, error) {
	cfg := Config{Webhooks: WebhookConfig{VerifySignatures: true}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.RatePerSecond == 0 {
		cfg.Dispatch.RatePerSecond = 10
	}
	if cfg.Dispatch.Burst == 0 {
		cfg.Dispatch.Burst = 1
	}
	if cfg.Dispatch.ProgressEvery == 0 {
		cfg.Dispatch.ProgressEvery = 10
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 3
	}
	if cfg.Dispatch.BackoffBaseSeconds == 0 {
		cfg.Dispatch.BackoffBaseSeconds = 5
	}
	if cfg.Dispatch.JobKeyTTLHours == 0 {
		cfg.Dispatch.JobKeyTTLHours = 12
	}
	if cfg.Dispatch.LockTTLMinutes == 0 {
		cfg.Dispatch.LockTTLMinutes = 5
	}
	if cfg.Dispatch.MaxQueueDepth == 0 {
		cfg.Dispatch.MaxQueueDepth = 10000
	}
	if cfg.SMTP.ConnectTimeoutSeconds == 0 {
		cfg.SMTP.ConnectTimeoutSeconds = 10
	}
	if cfg.SMTP.GreetingTimeoutSeconds == 0 {
		cfg.SMTP.GreetingTimeoutSeconds = 10
	}
	if cfg.SMTP.SocketTimeoutSeconds == 0 {
		cfg.SMTP.SocketTimeoutSeconds = 30
	}
	if cfg.SMTP.PoolSize == 0 {
		cfg.SMTP.PoolSize = 64
	}
	if cfg.SMTP.IdleTTLMinutes == 0 {
		cfg.SMTP.IdleTTLMinutes = 10
	}
	if cfg.SMTP.HeloName == "" {
		cfg.SMTP.HeloName = "localhost"
	}
	if cfg.Tracking.BaseURL == "" {
		cfg.Tracking.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	if cfg.Tracking.FallbackURL == "" {
		cfg.Tracking.FallbackURL = cfg.Tracking.BaseURL
	}
	if cfg.Ingest.Backend == "" {
		cfg.Ingest.Backend = "memory"
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 8
	}
	if cfg.Ingest.Buffer == 0 {
		cfg.Ingest.Buffer = 1024
	}
	if cfg.Ingest.AWSRegion == "" {
		cfg.Ingest.AWSRegion = "us-east-1"
	}
	if cfg.Recovery.StuckSchedule == "" {
		cfg.Recovery.StuckSchedule = "@every 1m"
	}
	if cfg.Recovery.StaleMinutes == 0 {
		cfg.Recovery.StaleMinutes = 15
	}
	if cfg.Recovery.ReconcileSchedule == "" {
		cfg.Recovery.ReconcileSchedule = "@every 15m"
	}
	if cfg.Recovery.ReconcileHours == 0 {
		cfg.Recovery.ReconcileHours = 24
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file in the working directory is read first if present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("TRACKING_FALLBACK_URL"); v != "" {
		cfg.Tracking.FallbackURL = v
	}
	if v := os.Getenv("INGEST_BACKEND"); v != "" {
		cfg.Ingest.Backend = v
	}
	if v := os.Getenv("SQS_QUEUE_URL"); v != "" {
		cfg.Ingest.SQSQueueURL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Ingest.AWSRegion = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WEBHOOK_VERIFY_SIGNATURES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Webhooks.VerifySignatures = b
		}
	}
	if v := os.Getenv("DISPATCH_MAX_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Dispatch.MaxQueueDepth = n
		}
	}
	if v := os.Getenv("DISPATCH_CREDENTIAL_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.CredentialPerSecond = n
		}
	}
	if v := os.Getenv("DISPATCH_RATE_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Dispatch.RatePerSecond = f
		}
	}

	return cfg, nil
}

// Validate checks the settings a process cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required"))
	}
	if c.Ingest.Backend != "memory" && c.Ingest.Backend != "sqs" {
		errs = append(errs, fmt.Errorf("ingest.backend %q must be memory or sqs", c.Ingest.Backend))
	}
	if c.Ingest.Backend == "sqs" && c.Ingest.SQSQueueURL == "" {
		errs = append(errs, errors.New("ingest.sqs_queue_url is required for the sqs backend"))
	}
	if c.Dispatch.RatePerSecond < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_second must be positive"))
	}
	return errors.Join(errs...)
}
