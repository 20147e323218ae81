// Package config manages application configuration from config files,
// BABELCHAT_* environment variables and default values.
package config

import "time"

// Config defines the application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Backend     BackendConfig     `mapstructure:"backend"`
	Broadcast   BroadcastConfig   `mapstructure:"broadcast"`
	Translation TranslationConfig `mapstructure:"translation"`
	Session     SessionConfig     `mapstructure:"session"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
}

// LoggerConfig controls log verbosity and format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig holds the local SQLite settings. The local database keeps
// profiles and the translation cache, and messages when the sqlite backend
// is selected.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// BackendConfig selects the remote store gateway.
type BackendConfig struct {
	Driver       string        `mapstructure:"driver"        validate:"required,oneof=sqlite postgres redis"`
	PostgresURL  string        `mapstructure:"postgres_url"  validate:"required_if=Driver postgres"`
	RedisAddr    string        `mapstructure:"redis_addr"    validate:"required_if=Driver redis"`
	RedisDB      int           `mapstructure:"redis_db"      validate:"min=0,max=15"`
	HistoryLimit int           `mapstructure:"history_limit" validate:"min=1,max=50"`
	Timeout      time.Duration `mapstructure:"timeout"       validate:"min=1s,max=5m"`
}

// BroadcastConfig configures an optional dedicated system-event bus.
// When NATSURL is empty, system events use the store gateway.
type BroadcastConfig struct {
	NATSURL string `mapstructure:"nats_url" validate:"omitempty,url"`
	Subject string `mapstructure:"subject"  validate:"required"`
}

// TranslationConfig configures the translation gateway. An empty APIKey
// disables translation rather than failing validation.
type TranslationConfig struct {
	Provider    string        `mapstructure:"provider"     validate:"required,oneof=gemini openai"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"     validate:"omitempty,url"`
	Model       string        `mapstructure:"model"        validate:"required"`
	Temperature float32       `mapstructure:"temperature"  validate:"min=0,max=2"`
	Timeout     time.Duration `mapstructure:"timeout"      validate:"min=1s,max=10m"`
	MaxRetries  int           `mapstructure:"max_retries"  validate:"min=0,max=10"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"  validate:"min=0,max=1m"`
	MaxFailures int           `mapstructure:"max_failures" validate:"min=1,max=100"`
	Cache       CacheConfig   `mapstructure:"cache"`
}

// CacheConfig configures the translation result cache.
type CacheConfig struct {
	Driver string        `mapstructure:"driver" validate:"required,oneof=none sqlite redis"`
	TTL    time.Duration `mapstructure:"ttl"    validate:"min=0"`
}

// SessionConfig holds the identity used by the terminal client.
type SessionConfig struct {
	Username string `mapstructure:"username"`
	Email    string `mapstructure:"email"    validate:"omitempty,email"`
	Language string `mapstructure:"language" validate:"required"`
}

// SchedulerConfig lists scheduled maintenance tasks by name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

// TaskConfig configures one scheduled task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}
