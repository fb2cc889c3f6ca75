// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Monitoring settings
	MonitoringEnabled bool
	ScanInterval      time.Duration // how often the full risk scan runs
	CleanupInterval   time.Duration // how often resolved-event cleanup runs
	RetentionDays     int           // resolved events older than this are purged
	SoftTimeLimit     time.Duration // scheduled run warns and starts graceful stop
	HardTimeLimit     time.Duration // scheduled run is abandoned and counted failed

	// Alerting
	AlertWebhookURL    string // notification endpoint for critical alerts (optional)
	AlertWebhookSecret string // HMAC secret for signing alert payloads
	DailyReportEnabled bool

	// Security
	AdminSecret string // guards the administrative API when set

	// Tracing
	OTLPEndpoint string
}

// Defaults mirror the production schedule: scan every 5 minutes,
// cleanup weekly, keep resolved events for 30 days.
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultScanInterval    = 5 * time.Minute
	DefaultCleanupInterval = 7 * 24 * time.Hour
	DefaultRetentionDays   = 30
	DefaultSoftTimeLimit   = 25 * time.Minute
	DefaultHardTimeLimit   = 30 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		MonitoringEnabled:  getEnvBool("MONITORING_ENABLED", true),
		ScanInterval:       getEnvDuration("SCAN_INTERVAL", DefaultScanInterval),
		CleanupInterval:    getEnvDuration("CLEANUP_INTERVAL", DefaultCleanupInterval),
		RetentionDays:      getEnvInt("RETENTION_DAYS", DefaultRetentionDays),
		SoftTimeLimit:      getEnvDuration("SOFT_TIME_LIMIT", DefaultSoftTimeLimit),
		HardTimeLimit:      getEnvDuration("HARD_TIME_LIMIT", DefaultHardTimeLimit),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		DailyReportEnabled: getEnvBool("DAILY_REPORT_ENABLED", false),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.ScanInterval <= 0 {
		return fmt.Errorf("SCAN_INTERVAL must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive")
	}
	if c.HardTimeLimit <= c.SoftTimeLimit {
		return fmt.Errorf("HARD_TIME_LIMIT must be greater than SOFT_TIME_LIMIT")
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare numbers are seconds, matching the old deployment's env files.
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
