package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrConfiguration wraps every loading and validation failure.
var ErrConfiguration = errors.New("configuration error")

// EnvPrefix is the prefix of environment overrides, e.g. BABELCHAT_LOGGER_LEVEL.
const EnvPrefix = "BABELCHAT"

// Default values for configuration.
const (
	DefaultLogLevel            = "info"
	DefaultDBPath              = "babelchat.db"
	DefaultBackendDriver       = "sqlite"
	DefaultHistoryLimit        = 50
	DefaultBackendTimeout      = 15 * time.Second
	DefaultBroadcastSubject    = "babelchat.system"
	DefaultTranslationProvider = "gemini"
	DefaultGeminiModel         = "gemini-2.0-flash"
	DefaultOpenAIModel         = "gpt-4o-mini"
	DefaultTemperature         = 0.3
	DefaultTranslationTimeout  = 30 * time.Second
	DefaultMaxRetries          = 2
	DefaultRetryDelay          = 500 * time.Millisecond
	DefaultMaxFailures         = 5
	DefaultCacheDriver         = "sqlite"
	DefaultCacheTTL            = 7 * 24 * time.Hour
	DefaultLanguage            = "en"
)

// LoadConfig reads configuration from path (optional), applies defaults and
// BABELCHAT_* environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: failed to read config file %s: %v", ErrConfiguration, path, err)
			}
			slog.Info("Configuration file not found, using defaults", "path", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}

	applyProviderDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	slog.Debug("Configuration loaded",
		"backend_driver", cfg.Backend.Driver,
		"translation_provider", cfg.Translation.Provider,
		"translation_enabled", cfg.Translation.APIKey != "",
		"db_path", cfg.Database.Path)

	return cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", DefaultLogLevel)
	v.SetDefault("logger.json", false)

	v.SetDefault("database.path", DefaultDBPath)

	v.SetDefault("backend.driver", DefaultBackendDriver)
	v.SetDefault("backend.postgres_url", "")
	v.SetDefault("backend.redis_addr", "")
	v.SetDefault("backend.redis_db", 0)
	v.SetDefault("backend.history_limit", DefaultHistoryLimit)
	v.SetDefault("backend.timeout", DefaultBackendTimeout)

	v.SetDefault("broadcast.nats_url", "")
	v.SetDefault("broadcast.subject", DefaultBroadcastSubject)

	v.SetDefault("translation.provider", DefaultTranslationProvider)
	v.SetDefault("translation.api_key", "")
	v.SetDefault("translation.base_url", "")
	v.SetDefault("translation.model", "")
	v.SetDefault("translation.temperature", DefaultTemperature)
	v.SetDefault("translation.timeout", DefaultTranslationTimeout)
	v.SetDefault("translation.max_retries", DefaultMaxRetries)
	v.SetDefault("translation.retry_delay", DefaultRetryDelay)
	v.SetDefault("translation.max_failures", DefaultMaxFailures)
	v.SetDefault("translation.cache.driver", DefaultCacheDriver)
	v.SetDefault("translation.cache.ttl", DefaultCacheTTL)

	v.SetDefault("session.username", "")
	v.SetDefault("session.email", "")
	v.SetDefault("session.language", DefaultLanguage)

	v.SetDefault("scheduler.tasks", map[string]any{
		"sql_maintenance":         map[string]any{"enabled": true, "schedule": "0 0 4 * * *"},
		"translation_cache_prune": map[string]any{"enabled": true, "schedule": "0 30 * * * *"},
	})
}

// applyProviderDefaults fills settings whose default depends on the
// selected provider.
func applyProviderDefaults(cfg *Config) {
	if cfg.Translation.Model == "" {
		switch cfg.Translation.Provider {
		case "openai":
			cfg.Translation.Model = DefaultOpenAIModel
		default:
			cfg.Translation.Model = DefaultGeminiModel
		}
	}
}
