package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	UpdateModePolling = "polling"
	UpdateModeWebhook = "webhook"
)

// Config holds all configuration for the studybuddy service
type Config struct {
	// Server settings
	Port int

	// Telegram settings
	BotToken      string
	UpdateMode    string // "polling" or "webhook"
	WebhookURL    string
	WebhookSecret string

	// Database settings
	DatabaseDriver string // "sqlite3" or "mysql"
	DatabaseURL    string

	// Admin settings
	Admins         []int64
	AdminAPISecret string

	// Scheduling
	Timezone         string
	Location         *time.Location
	ReminderSchedule string

	// Broadcast settings
	BroadcastBatchSize  int
	BroadcastBatchDelay time.Duration

	// Chat behaviour
	UsersPageSize int
	DialogTTL     time.Duration

	// Dispatcher settings
	DispatcherWorkers           int
	DispatcherQueueSize         int
	DispatcherMaxAttempts       int
	DispatcherRetryInitial      time.Duration
	DispatcherRetryMax          time.Duration
	DispatcherBackoffMultiplier float64

	LogLevel string
}

// fileConfig mirrors the non-secret settings that may come from CONFIG_FILE.
type fileConfig struct {
	Port             int     `yaml:"port"`
	UpdateMode       string  `yaml:"update_mode"`
	WebhookURL       string  `yaml:"webhook_url"`
	DatabaseDriver   string  `yaml:"database_driver"`
	DatabaseURL      string  `yaml:"database_url"`
	Admins           []int64 `yaml:"admins"`
	Timezone         string  `yaml:"timezone"`
	ReminderSchedule string  `yaml:"reminder_schedule"`
	Broadcast        struct {
		BatchSize    int `yaml:"batch_size"`
		BatchDelayMS int `yaml:"batch_delay_ms"`
	} `yaml:"broadcast"`
	UsersPageSize     int    `yaml:"users_page_size"`
	DialogTTLMinutes  int    `yaml:"dialog_ttl_minutes"`
	DispatcherWorkers int    `yaml:"dispatcher_workers"`
	LogLevel          string `yaml:"log_level"`
}

// Load loads configuration from CONFIG_FILE (optional) and environment variables.
// Environment variables take precedence over the file.
func Load() (*Config, error) {
	var file fileConfig
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		file = *loaded
	}

	admins, err := parseAdmins(os.Getenv("ADMINS"))
	if err != nil {
		return nil, err
	}
	if len(admins) == 0 {
		admins = file.Admins
	}

	cfg := &Config{
		Port:                        getEnvInt("PORT", orInt(file.Port, 8000)),
		BotToken:                    strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		UpdateMode:                  strings.ToLower(getEnv("UPDATE_MODE", orString(file.UpdateMode, UpdateModePolling))),
		WebhookURL:                  getEnv("WEBHOOK_URL", file.WebhookURL),
		WebhookSecret:               os.Getenv("WEBHOOK_SECRET"),
		DatabaseDriver:              getEnv("DATABASE_DRIVER", orString(file.DatabaseDriver, "sqlite3")),
		DatabaseURL:                 getEnv("DATABASE_URL", orString(file.DatabaseURL, "studybuddy.db")),
		Admins:                      admins,
		AdminAPISecret:              os.Getenv("ADMIN_API_SECRET"),
		Timezone:                    getEnv("TIMEZONE", orString(file.Timezone, "UTC")),
		ReminderSchedule:            getEnv("REMINDER_SCHEDULE", orString(file.ReminderSchedule, "0 19 * * *")),
		BroadcastBatchSize:          getEnvInt("BROADCAST_BATCH_SIZE", orInt(file.Broadcast.BatchSize, 20)),
		BroadcastBatchDelay:         time.Duration(getEnvInt("BROADCAST_BATCH_DELAY_MS", orInt(file.Broadcast.BatchDelayMS, 1000))) * time.Millisecond,
		UsersPageSize:               getEnvInt("USERS_PAGE_SIZE", orInt(file.UsersPageSize, 20)),
		DialogTTL:                   time.Duration(getEnvInt("DIALOG_TTL_MINUTES", orInt(file.DialogTTLMinutes, 60))) * time.Minute,
		DispatcherWorkers:           getEnvInt("DISPATCHER_WORKERS", orInt(file.DispatcherWorkers, 4)),
		DispatcherQueueSize:         getEnvInt("DISPATCHER_QUEUE_SIZE", 64),
		DispatcherMaxAttempts:       getEnvInt("DISPATCHER_MAX_ATTEMPTS", 3),
		DispatcherRetryInitial:      time.Duration(getEnvInt("DISPATCHER_RETRY_SECONDS", 15)) * time.Second,
		DispatcherRetryMax:          time.Duration(getEnvInt("DISPATCHER_RETRY_MAX_SECONDS", 300)) * time.Second,
		DispatcherBackoffMultiplier: getEnvFloat("DISPATCHER_BACKOFF_MULTIPLIER", 2.0),
		LogLevel:                    strings.ToLower(getEnv("LOG_LEVEL", orString(file.LogLevel, "info"))),
	}

	// Validate required fields
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

// parseAdmins parses a comma separated list of telegram ids. Blank entries are skipped.
func parseAdmins(value string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ADMINS contains invalid id %q: %w", part, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// IsAdmin reports whether the telegram id is listed in ADMINS.
func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.Admins {
		if id == telegramID {
			return true
		}
	}
	return false
}

// validate checks that all required configuration is present
func (c *Config) validate() error {
	if err := c.validateTelegram(); err != nil {
		return err
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	c.Location = loc

	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}

	c.applyDefaults()
	return c.validateDispatcherConfig()
}

func (c *Config) validateTelegram() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	switch c.UpdateMode {
	case UpdateModePolling:
	case UpdateModeWebhook:
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in webhook mode")
		}
	default:
		return fmt.Errorf("invalid UPDATE_MODE: %s (must be 'polling' or 'webhook')", c.UpdateMode)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.DatabaseDriver {
	case "sqlite3", "mysql":
	default:
		return fmt.Errorf("invalid DATABASE_DRIVER: %s (must be 'sqlite3' or 'mysql')", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BroadcastBatchSize <= 0 {
		c.BroadcastBatchSize = 20
	}
	if c.BroadcastBatchDelay < 0 {
		c.BroadcastBatchDelay = time.Second
	}
	if c.UsersPageSize <= 0 {
		c.UsersPageSize = 20
	}
	if c.DialogTTL <= 0 {
		c.DialogTTL = time.Hour
	}
	if c.DispatcherWorkers <= 0 {
		c.DispatcherWorkers = 4
	}
	if c.DispatcherQueueSize <= 0 {
		c.DispatcherQueueSize = 64
	}
	if c.DispatcherMaxAttempts <= 0 {
		c.DispatcherMaxAttempts = 3
	}
	if c.DispatcherRetryInitial <= 0 {
		c.DispatcherRetryInitial = 15 * time.Second
	}
	if c.DispatcherRetryMax <= 0 {
		c.DispatcherRetryMax = 5 * time.Minute
	}
	if c.DispatcherBackoffMultiplier < 1 {
		c.DispatcherBackoffMultiplier = 2
	}
}

func (c *Config) validateDispatcherConfig() error {
	if c.DispatcherRetryMax < c.DispatcherRetryInitial {
		return fmt.Errorf("DISPATCHER_RETRY_MAX_SECONDS must be >= DISPATCHER_RETRY_SECONDS")
	}
	return nil
}

// getEnv gets environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as int with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func orString(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
