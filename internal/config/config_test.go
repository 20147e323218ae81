package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/babelchat/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "sqlite", cfg.Backend.Driver)
	assert.Equal(t, 50, cfg.Backend.HistoryLimit)
	assert.Equal(t, "gemini", cfg.Translation.Provider)
	assert.Equal(t, config.DefaultGeminiModel, cfg.Translation.Model)
	assert.Empty(t, cfg.Translation.APIKey, "missing credentials are not a validation error")
	assert.Equal(t, 7*24*time.Hour, cfg.Translation.Cache.TTL)
	assert.True(t, cfg.Scheduler.Tasks["sql_maintenance"].Enabled)
	assert.NotEmpty(t, cfg.Scheduler.Tasks["translation_cache_prune"].Schedule)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
  json: true
backend:
  driver: redis
  redis_addr: localhost:6379
  history_limit: 20
translation:
  provider: openai
  api_key: sk-test
  base_url: https://llm.example.com/v1
  timeout: 10s
session:
  username: ana
  email: ana@example.com
  language: es
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Logger.JSON)
	assert.Equal(t, "redis", cfg.Backend.Driver)
	assert.Equal(t, 20, cfg.Backend.HistoryLimit)
	assert.Equal(t, config.DefaultOpenAIModel, cfg.Translation.Model)
	assert.Equal(t, 10*time.Second, cfg.Translation.Timeout)
	assert.Equal(t, "es", cfg.Session.Language)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("BABELCHAT_TRANSLATION_API_KEY", "from-env")
	t.Setenv("BABELCHAT_LOGGER_LEVEL", "warn")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Translation.APIKey)
	assert.Equal(t, "warn", cfg.Logger.Level)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad log level", body: "logger:\n  level: loud\n"},
		{name: "unknown backend", body: "backend:\n  driver: mongo\n"},
		{name: "postgres without url", body: "backend:\n  driver: postgres\n"},
		{name: "history limit above cap", body: "backend:\n  history_limit: 500\n"},
		{name: "bad provider", body: "translation:\n  provider: babelfish\n"},
		{name: "bad session email", body: "session:\n  email: not-an-email\n"},
		{name: "enabled task without schedule", body: "scheduler:\n  tasks:\n    custom:\n      enabled: true\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrConfiguration)
		})
	}
}
