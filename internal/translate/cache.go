package translate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/edgard/babelchat/internal/chat"
)

// Cache stores translations by key.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, text string) error
}

// CacheKey derives the cache key of req from its languages and text.
func CacheKey(req Request) string {
	h := sha256.New()
	h.Write([]byte(chat.NormalizeLanguage(req.SourceLanguage)))
	h.Write([]byte{0})
	h.Write([]byte(chat.NormalizeLanguage(req.TargetLanguage)))
	h.Write([]byte{0})
	h.Write([]byte(req.Text))
	return hex.EncodeToString(h.Sum(nil))
}

type cachedTranslator struct {
	next  Translator
	cache Cache
	group singleflight.Group
	log   *slog.Logger
}

// WithCache serves repeated requests from cache and collapses concurrent
// identical requests into one call to next. Cache failures are logged and
// never fail a translation.
func WithCache(next Translator, cache Cache, log *slog.Logger) Translator {
	return &cachedTranslator{
		next:  next,
		cache: cache,
		log:   log.With("component", "translation_cache"),
	}
}

func (c *cachedTranslator) Translate(ctx context.Context, req Request) (string, error) {
	key := CacheKey(req)

	if text, ok, err := c.cache.Get(ctx, key); err != nil {
		c.log.WarnContext(ctx, "Translation cache read failed", "error", err)
	} else if ok {
		c.log.DebugContext(ctx, "Translation cache hit", "target_language", req.TargetLanguage)
		return text, nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		text, err := c.next.Translate(ctx, req)
		if err != nil {
			return "", err
		}
		if err := c.cache.Set(ctx, key, text); err != nil {
			c.log.WarnContext(ctx, "Translation cache write failed", "error", err)
		}
		return text, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		c.log.DebugContext(ctx, "Translation shared with concurrent request")
	}

	return v.(string), nil
}

// TranslationStore is the persistent cache table of the local database.
type TranslationStore interface {
	GetTranslation(ctx context.Context, key string) (string, bool, error)
	SaveTranslation(ctx context.Context, key, text string) error
}

type storeCache struct {
	store TranslationStore
}

// NewStoreCache adapts a TranslationStore to Cache. Expiry is handled by the
// scheduled prune task.
func NewStoreCache(store TranslationStore) Cache {
	return &storeCache{store: store}
}

func (s *storeCache) Get(ctx context.Context, key string) (string, bool, error) {
	return s.store.GetTranslation(ctx, key)
}

func (s *storeCache) Set(ctx context.Context, key, text string) error {
	return s.store.SaveTranslation(ctx, key, text)
}

// RedisCache keeps translations in Redis with a TTL.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache. A zero ttl keeps entries forever.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "babelchat:translation:"
	} else if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	text, err := r.client.Get(ctx, r.prefix+key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return text, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key, text string) error {
	return r.client.Set(ctx, r.prefix+key, text, r.ttl).Err()
}
