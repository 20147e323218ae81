package translate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/babelchat/internal/config"
	"github.com/edgard/babelchat/internal/database"
	"github.com/edgard/babelchat/internal/errs"
	"github.com/edgard/babelchat/internal/logger"
	"github.com/edgard/babelchat/internal/translate"
)

func testConfig(provider, baseURL string) config.TranslationConfig {
	return config.TranslationConfig{
		Provider:    provider,
		APIKey:      "test-key",
		BaseURL:     baseURL,
		Model:       "test-model",
		Temperature: 0.2,
		Timeout:     5 * time.Second,
		MaxRetries:  1,
		RetryDelay:  time.Millisecond,
		MaxFailures: 5,
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	for _, provider := range []string{"gemini", "openai"} {
		cfg := testConfig(provider, "")
		cfg.APIKey = ""

		tr, err := translate.New(context.Background(), cfg, nil, logger.Discard())
		assert.Nil(t, tr)
		assert.True(t, errs.Is(err, errs.KindConfigurationMissing), provider)
	}
}

func openAIServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}

		var payload struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.Messages) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestOpenAITranslator(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("success is sanitized", func(t *testing.T) {
		t.Parallel()

		srv, _ := openAIServer(t, http.StatusOK, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "\"hello\""}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}
		}`)

		tr, err := translate.New(ctx, testConfig("openai", srv.URL+"/v1"), nil, logger.Discard())
		require.NoError(t, err)

		got, err := tr.Translate(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	})

	t.Run("rate limit is retried then reported", func(t *testing.T) {
		t.Parallel()

		srv, calls := openAIServer(t, http.StatusTooManyRequests,
			`{"error": {"message": "rate limited", "type": "rate_limit_error"}}`)

		tr, err := translate.New(ctx, testConfig("openai", srv.URL+"/v1"), nil, logger.Discard())
		require.NoError(t, err)

		_, err = tr.Translate(ctx, req)
		assert.True(t, errs.Is(err, errs.KindTranslationFailed))
		assert.EqualValues(t, 2, calls.Load())
	})

	t.Run("no choices", func(t *testing.T) {
		t.Parallel()

		srv, _ := openAIServer(t, http.StatusOK, `{"id": "chatcmpl-2", "object": "chat.completion", "choices": []}`)
		tr, err := translate.NewOpenAI(testConfig("openai", srv.URL+"/v1"), logger.Discard())
		require.NoError(t, err)

		_, err = tr.Translate(ctx, req)
		assert.True(t, errs.Is(err, errs.KindTranslationFailed))
	})
}

func geminiServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGeminiTranslator(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		srv := geminiServer(t, http.StatusOK, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "hello\n"}]}, "finishReason": "STOP"}]
		}`)

		tr, err := translate.NewGemini(ctx, testConfig("gemini", srv.URL+"/"), logger.Discard())
		require.NoError(t, err)

		got, err := tr.Translate(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	})

	t.Run("server error is transient", func(t *testing.T) {
		t.Parallel()

		srv := geminiServer(t, http.StatusServiceUnavailable,
			`{"error": {"code": 503, "message": "overloaded", "status": "UNAVAILABLE"}}`)

		tr, err := translate.NewGemini(ctx, testConfig("gemini", srv.URL+"/"), logger.Discard())
		require.NoError(t, err)

		_, err = tr.Translate(ctx, req)
		assert.True(t, errs.Is(err, errs.KindTranslationFailed))
		assert.True(t, translate.IsTransient(err))
	})

	t.Run("empty text is rejected before any request", func(t *testing.T) {
		t.Parallel()

		tr, err := translate.NewGemini(ctx, testConfig("gemini", "http://127.0.0.1:1/"), logger.Discard())
		require.NoError(t, err)

		_, err = tr.Translate(ctx, translate.Request{Text: "  ", TargetLanguage: "en"})
		assert.True(t, errs.Is(err, errs.KindTranslationFailed))
	})
}

func TestStoreCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	store := database.NewStore(db, nil)
	t.Cleanup(func() { _ = store.Close() })

	next := &scripted{results: []result{{text: "hello"}}}
	tr := translate.WithCache(next, translate.NewStoreCache(store), logger.Discard())

	for range 2 {
		got, err := tr.Translate(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	}
	assert.EqualValues(t, 1, next.calls.Load())

	cached, ok, err := store.GetTranslation(ctx, translate.CacheKey(req))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", cached)
}

func TestRedisCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	t.Cleanup(func() { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	cache := translate.NewRedisCache(client, "babelchat-test", time.Minute)
	key := translate.CacheKey(req)
	t.Cleanup(func() { client.Del(ctx, "babelchat-test:"+key) })

	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, key, "hello"))
	text, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", text)

	ttl, err := client.TTL(ctx, "babelchat-test:"+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
