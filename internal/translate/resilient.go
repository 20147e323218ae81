package translate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sony/gobreaker"

	"github.com/edgard/babelchat/internal/errs"
)

// ResilienceConfig tunes retries and the circuit breaker.
type ResilienceConfig struct {
	Name        string
	Timeout     time.Duration // per attempt
	MaxRetries  int
	RetryDelay  time.Duration
	MaxFailures int           // consecutive failures before the circuit opens
	OpenTimeout time.Duration // how long the circuit stays open
}

func (c *ResilienceConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "translator"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = time.Minute
	}
}

type resilientTranslator struct {
	next Translator
	cfg  ResilienceConfig
	cb   *gobreaker.CircuitBreaker
	log  *slog.Logger
}

// WithResilience wraps next with a circuit breaker and bounded retries of
// transient failures. While the circuit is open requests fail immediately.
func WithResilience(next Translator, cfg ResilienceConfig, log *slog.Logger) Translator {
	cfg.setDefaults()
	logger := log.With("component", "translator_resilience")

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures) //nolint:gosec // bounded by config validation
		},
		IsSuccessful: func(err error) bool {
			// caller cancellation says nothing about the endpoint
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &resilientTranslator{
		next: next,
		cfg:  cfg,
		cb:   gobreaker.NewCircuitBreaker(settings),
		log:  logger,
	}
}

func (r *resilientTranslator) Translate(ctx context.Context, req Request) (string, error) {
	text, err := retry.DoWithData(
		func() (string, error) {
			out, err := r.cb.Execute(func() (interface{}, error) {
				attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
				defer cancel()
				return r.next.Translate(attemptCtx, req)
			})
			if err != nil {
				if !IsTransient(err) {
					return "", retry.Unrecoverable(err)
				}
				return "", err
			}
			return out.(string), nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(r.cfg.MaxRetries+1)), //nolint:gosec // non-negative after setDefaults
		retry.Delay(r.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.log.DebugContext(ctx, "Retrying translation", "attempt", n+1, "max_attempts", r.cfg.MaxRetries+1, "error", err)
		}),
	)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.log.WarnContext(ctx, "Translation skipped, circuit open", "target_language", req.TargetLanguage)
		}
		return "", errs.Ensure(err, errs.KindTranslationFailed, "translation failed")
	}

	return text, nil
}
