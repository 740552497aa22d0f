// Package config loads service configuration from a YAML file with
// environment variable overrides. Secrets live in the environment (or a
// local .env file); the YAML carries structure and defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the mailer service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Cron     CronConfig     `yaml:"cron"`
	Tracking TrackingConfig `yaml:"tracking"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis settings for the send queue and locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SMTPConfig holds the outbound mail relay settings. MaxConns bounds the
// transport's connection pool; PerSecond caps dispatch rate at the
// transport level, independent of the worker's fan-out bound. The two
// must be sized together or the inner limit silently throttles the
// outer one.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Pass           string `yaml:"pass"`
	From           string `yaml:"from"`
	MaxConns       int    `yaml:"max_conns"`
	PerSecond      int    `yaml:"per_second"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Addr returns the relay address.
func (c SMTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the per-dispatch timeout as a duration.
func (c SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CronConfig drives the HTTP-triggered processing run. The lock TTL must
// stay under the external scheduler's invocation budget, and the
// wall-clock budget under the lock TTL.
type CronConfig struct {
	Secret         string `yaml:"secret"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
	BudgetSeconds  int    `yaml:"budget_seconds"`
	BatchSize      int    `yaml:"batch_size"`
	Concurrency    int    `yaml:"concurrency"`
}

// LockTTL returns the lock lease duration.
func (c CronConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// Budget returns the per-run wall-clock budget.
func (c CronConfig) Budget() time.Duration {
	return time.Duration(c.BudgetSeconds) * time.Second
}

// TrackingConfig holds the public base URL used for tracking and
// unsubscribe link generation, and the HMAC key signing those links.
type TrackingConfig struct {
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
}

// Load reads and parses the configuration file and applies defaults.
// A missing file is not an error: configuration can come entirely from
// the environment.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	// Defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SMTP.MaxConns == 0 {
		cfg.SMTP.MaxConns = 5
	}
	if cfg.SMTP.PerSecond == 0 {
		cfg.SMTP.PerSecond = 20
	}
	if cfg.SMTP.TimeoutSeconds == 0 {
		cfg.SMTP.TimeoutSeconds = 30
	}
	if cfg.Cron.LockTTLSeconds == 0 {
		cfg.Cron.LockTTLSeconds = 55
	}
	if cfg.Cron.BudgetSeconds == 0 {
		cfg.Cron.BudgetSeconds = 50
	}
	if cfg.Cron.BatchSize == 0 {
		cfg.Cron.BatchSize = 20
	}
	if cfg.Cron.Concurrency == 0 {
		cfg.Cron.Concurrency = 5
	}
	if cfg.Tracking.BaseURL == "" {
		cfg.Tracking.BaseURL = "http://localhost:8080"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first if present, so secrets can live in .env
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		cfg.Cron.Secret = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.SMTP.User = v
	}
	if v := os.Getenv("SMTP_PASS"); v != "" {
		cfg.SMTP.Pass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.SMTP.From = v
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("TRACKING_SECRET"); v != "" {
		cfg.Tracking.Secret = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	return cfg, nil
}
