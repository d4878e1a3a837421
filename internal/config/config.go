package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Auditor  AuditorConfig  `mapstructure:"auditor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BillingConfig holds task pricing. Costs are fixed at process start;
// callers never supply one.
type BillingConfig struct {
	ImageCost int64 `mapstructure:"image_cost"`
	VideoCost int64 `mapstructure:"video_cost"`
}

// CostTable converts the billing config to the model pricing table
func (b BillingConfig) CostTable() models.CostTable {
	return models.CostTable{Image: b.ImageCost, Video: b.VideoCost}
}

// WebhookConfig holds payment webhook handling configuration
type WebhookConfig struct {
	// Secret authenticates deliveries from the payment provider
	Secret string `mapstructure:"secret"`
	// RateLimit is sustained deliveries per second; RateBurst the burst cap
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// AuditorConfig holds background auditor configuration
type AuditorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.path", "./data/rcc-ledger.db")

	// Billing defaults
	v.SetDefault("billing.image_cost", 1)
	v.SetDefault("billing.video_cost", 5)

	// Webhook defaults
	v.SetDefault("webhook.rate_limit", 20.0)
	v.SetDefault("webhook.rate_burst", 40)

	// Auditor defaults
	v.SetDefault("auditor.enabled", true)
	v.SetDefault("auditor.sweep_interval", 5*time.Minute)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Database path
	bindEnv("database.path", "DATABASE_PATH")

	// Server config
	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")

	// Billing
	bindEnv("billing.image_cost", "IMAGE_TASK_COST")
	bindEnv("billing.video_cost", "VIDEO_TASK_COST")

	// Webhook secret comes from the environment, never a config file
	bindEnv("webhook.secret", "WEBHOOK_SECRET")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Billing.ImageCost <= 0 {
		return fmt.Errorf("billing.image_cost must be positive")
	}
	if c.Billing.VideoCost <= 0 {
		return fmt.Errorf("billing.video_cost must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid port number")
	}
	if c.Webhook.RateLimit <= 0 {
		return fmt.Errorf("webhook.rate_limit must be positive")
	}
	return nil
}
