package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/babelchat/internal/logger"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, logger.ParseLevel(in), in)
	}
}

func TestNewJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(&buf, "info", true)
	log.Debug("hidden")
	log.With("component", "pipeline").Info("Admitted message", "room_id", "lobby")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "pipeline", entry["component"])
	assert.Equal(t, "lobby", entry["room_id"])
}

func TestNewText(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger.New(&buf, "debug", false).Debug("visible", "key", "value")
	assert.Contains(t, buf.String(), "key=value")
}

func TestPreview(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a much longer message", 10, "a much ..."},
		{"héllo wörld", 8, "héllo..."},
		{"abc", 2, "..."},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, logger.Preview(tc.in, tc.max), tc.in)
	}
}

func TestGocronLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := logger.NewGocronLogger(logger.New(&buf, "info", false))
	l.Info("gocron: job scheduled", "name", "sql_maintenance")
	l.Debug("gocron: tick")
	l.Warn("gocron: slow job", "name", "sql_maintenance")
	l.Error("gocron: job failed", "error", "boom")

	out := buf.String()
	assert.NotContains(t, out, "job scheduled")
	assert.NotContains(t, out, "tick")
	assert.Contains(t, out, "slow job")
	assert.Contains(t, out, "source=gocron")
	assert.Contains(t, out, "error=boom")
}
