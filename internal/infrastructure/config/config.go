// Package config provides centralized configuration management.
//
// Configuration can be loaded from:
//  1. YAML file (config.yaml)
//  2. Environment variables (fallback)
//
// Example usage:
//
//	cfg := config.LoadOrEnv()
//	dbPath := cfg.Storage.DatabasePath
//	threshold := cfg.Matching.AutoApproveThreshold
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the entire application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Matching      MatchingConfig      `yaml:"matching"`
	Sync          SyncConfig          `yaml:"sync"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Connections   []ConnectionConfig  `yaml:"connections"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP API server settings
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig holds database configuration
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// MatchingConfig holds the tunable knobs of the scoring and decision
// engines. Thresholds are confidence points on the 0-100 scale.
type MatchingConfig struct {
	AutoApproveThreshold int    `yaml:"auto_approve_threshold"`
	MerchantFloor        int    `yaml:"merchant_floor"`
	DateWindowDays       int    `yaml:"date_window_days"`
	AmountTolerance      string `yaml:"amount_tolerance"`
	ReviewTopK           int    `yaml:"review_top_k"`
	RescoreWorkers       int    `yaml:"rescore_workers"`
}

// SyncConfig holds sync orchestration settings
type SyncConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	PageSize      int           `yaml:"page_size"`
}

// IngestConfig holds receipt ingestion settings
type IngestConfig struct {
	ObjectStoreDir string `yaml:"object_store_dir"`
	ImportWatchDir string `yaml:"import_watch_dir"`
}

// ConnectionConfig describes one external source connection
// (bank/card feed or email receipt gateway).
type ConnectionConfig struct {
	ID      string `yaml:"id"`
	Kind    string `yaml:"kind"` // "bank" or "email"
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${BANK_FEED_TOKEN})
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration from environment variables only
func LoadFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("RECON_PORT", 8080),
		},
		Storage: StorageConfig{
			DatabasePath: getEnv("RECON_DB_PATH", "reconcile.db"),
		},
		Ingest: IngestConfig{
			ObjectStoreDir: getEnv("RECON_OBJECT_STORE_DIR", "receipts-store"),
			ImportWatchDir: os.Getenv("RECON_IMPORT_WATCH_DIR"),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "text"),
			},
		},
	}

	if url := os.Getenv("BANK_FEED_URL"); url != "" {
		cfg.Connections = append(cfg.Connections, ConnectionConfig{
			ID:      "bank-feed",
			Kind:    "bank",
			BaseURL: url,
			Token:   os.Getenv("BANK_FEED_TOKEN"),
			Enabled: true,
		})
	}
	if url := os.Getenv("MAIL_GATEWAY_URL"); url != "" {
		cfg.Connections = append(cfg.Connections, ConnectionConfig{
			ID:      "mail-gateway",
			Kind:    "email",
			BaseURL: url,
			Token:   os.Getenv("MAIL_GATEWAY_TOKEN"),
			Enabled: true,
		})
	}

	cfg.applyDefaults()
	return cfg
}

// LoadOrEnv tries to load from config.yaml, falls back to environment variables
func LoadOrEnv() *Config {
	return LoadOrEnvWithPath("config.yaml")
}

// LoadOrEnvWithPath tries to load from specified path, falls back to environment variables
func LoadOrEnvWithPath(path string) *Config {
	if cfg, err := Load(path); err == nil {
		return cfg
	}
	return LoadFromEnv()
}

// applyDefaults fills in zero-valued fields so a partially specified
// config file still produces a working setup.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "reconcile.db"
	}
	if c.Matching.AutoApproveThreshold == 0 {
		c.Matching.AutoApproveThreshold = 90
	}
	if c.Matching.MerchantFloor == 0 {
		c.Matching.MerchantFloor = 80
	}
	if c.Matching.DateWindowDays == 0 {
		c.Matching.DateWindowDays = 3
	}
	if c.Matching.AmountTolerance == "" {
		c.Matching.AmountTolerance = "1.00"
	}
	if c.Matching.ReviewTopK == 0 {
		c.Matching.ReviewTopK = 5
	}
	if c.Matching.RescoreWorkers == 0 {
		c.Matching.RescoreWorkers = 4
	}
	if c.Sync.MaxConcurrent == 0 {
		c.Sync.MaxConcurrent = 3
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 5
	}
	if c.Sync.BackoffBase == 0 {
		c.Sync.BackoffBase = 500 * time.Millisecond
	}
	if c.Sync.BackoffMax == 0 {
		c.Sync.BackoffMax = 30 * time.Second
	}
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 100
	}
	if c.Ingest.ObjectStoreDir == "" {
		c.Ingest.ObjectStoreDir = "receipts-store"
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "text"
	}
}

// Connection returns the connection config with the given ID, or nil.
func (c *Config) Connection(id string) *ConnectionConfig {
	for i := range c.Connections {
		if c.Connections[i].ID == id {
			return &c.Connections[i]
		}
	}
	return nil
}

// getEnv retrieves an environment variable with a fallback default
func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable with a fallback default
func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil {
			return result
		}
	}
	return fallback
}
