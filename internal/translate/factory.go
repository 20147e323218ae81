package translate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/edgard/babelchat/internal/config"
	"github.com/edgard/babelchat/internal/errs"
)

// New builds the configured translator: provider client, resilience and,
// when cache is non-nil, result caching. A missing API key yields a
// ConfigurationMissing error and no request is ever made.
func New(ctx context.Context, cfg config.TranslationConfig, cache Cache, log *slog.Logger) (Translator, error) {
	if cfg.APIKey == "" {
		return nil, errs.ConfigurationMissing("translation API key is not set", nil)
	}

	var (
		provider Translator
		err      error
	)
	switch cfg.Provider {
	case "gemini", "":
		provider, err = NewGemini(ctx, cfg, log)
	case "openai":
		provider, err = NewOpenAI(cfg, log)
	default:
		return nil, errs.ConfigurationMissing(fmt.Sprintf("unknown translation provider %q", cfg.Provider), nil)
	}
	if err != nil {
		return nil, err
	}

	t := WithResilience(provider, ResilienceConfig{
		Name:        cfg.Provider,
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
		MaxFailures: cfg.MaxFailures,
	}, log)

	if cache != nil {
		t = WithCache(t, cache, log)
	}

	return t, nil
}
