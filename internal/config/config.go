package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// List host
	ListHostURL    string
	ListHostAPIKey string

	// Lists
	ListMaxCapacity int // Default capacity for new lists (default: 200)

	// Locking
	LockMaxAttempts int           // Touch attempts before giving up with a conflict (default: 8)
	LockLease       time.Duration // How long a list lease is honoured (default: 120s)

	// Events
	EventWorkers     int // Number of event shards (default: 4)
	EventMaxAttempts int // Handler attempts per event (default: 5)

	// Scheduler
	RetryCron     string
	ReconcileCron string

	// Tracing
	TraceSampleRatio float64
	TraceExporter    string // none or stdout

	// Server
	ServerPort string

	// Paths
	DatabaseFile string // $CONFIG_DIR/sermonsync.db

	// Logging
	LogLevel  string
	LogFormat string // text or json
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// Load .env file if it exists (ignore if not found)
	_ = viper.ReadInConfig()

	viper.SetDefault("LIST_MAX_CAPACITY", 200)
	viper.SetDefault("LOCK_MAX_ATTEMPTS", 8)
	viper.SetDefault("LOCK_LEASE_SECONDS", 120)
	viper.SetDefault("EVENT_WORKERS", 4)
	viper.SetDefault("EVENT_MAX_ATTEMPTS", 5)
	viper.SetDefault("RETRY_CRON", "*/15 * * * *")
	viper.SetDefault("RECONCILE_CRON", "0 * * * *")
	viper.SetDefault("TRACE_SAMPLE_RATIO", 0.1)
	viper.SetDefault("TRACE_EXPORTER", "none")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")

	configDir := viper.GetString("CONFIG_DIR")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config", "sermonsync")
	} else {
		absPath, err := filepath.Abs(configDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for CONFIG_DIR: %w", err)
		}
		configDir = absPath
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	config := &Config{
		ListHostURL:    viper.GetString("LISTHOST_URL"),
		ListHostAPIKey: viper.GetString("LISTHOST_API_KEY"),

		ListMaxCapacity: viper.GetInt("LIST_MAX_CAPACITY"),

		LockMaxAttempts: viper.GetInt("LOCK_MAX_ATTEMPTS"),
		LockLease:       time.Duration(viper.GetInt("LOCK_LEASE_SECONDS")) * time.Second,

		EventWorkers:     viper.GetInt("EVENT_WORKERS"),
		EventMaxAttempts: viper.GetInt("EVENT_MAX_ATTEMPTS"),

		RetryCron:     viper.GetString("RETRY_CRON"),
		ReconcileCron: viper.GetString("RECONCILE_CRON"),

		TraceSampleRatio: viper.GetFloat64("TRACE_SAMPLE_RATIO"),
		TraceExporter:    viper.GetString("TRACE_EXPORTER"),

		ServerPort: viper.GetString("SERVER_PORT"),

		DatabaseFile: filepath.Join(configDir, "sermonsync.db"),

		LogLevel:  viper.GetString("LOG_LEVEL"),
		LogFormat: viper.GetString("LOG_FORMAT"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks required fields and sane bounds
func (c *Config) Validate() error {
	if c.ListHostURL == "" {
		return fmt.Errorf("LISTHOST_URL is required")
	}
	if c.ListHostAPIKey == "" {
		return fmt.Errorf("LISTHOST_API_KEY is required")
	}
	if c.ListMaxCapacity < 2 || c.ListMaxCapacity > 200 {
		return fmt.Errorf("LIST_MAX_CAPACITY must be between 2 and 200, got %d", c.ListMaxCapacity)
	}
	if c.LockMaxAttempts < 1 {
		return fmt.Errorf("LOCK_MAX_ATTEMPTS must be at least 1, got %d", c.LockMaxAttempts)
	}
	if c.EventWorkers < 1 {
		return fmt.Errorf("EVENT_WORKERS must be at least 1, got %d", c.EventWorkers)
	}
	switch c.TraceExporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("TRACE_EXPORTER must be none or stdout, got %q", c.TraceExporter)
	}
	return nil
}
