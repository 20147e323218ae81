package translate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/edgard/babelchat/internal/config"
	"github.com/edgard/babelchat/internal/errs"
)

type openaiTranslator struct {
	client      *openai.Client
	log         *slog.Logger
	model       string
	temperature float32
	sanitizer   *Sanitizer
}

// NewOpenAI creates a translator for any OpenAI-compatible chat completion
// endpoint.
func NewOpenAI(cfg config.TranslationConfig, log *slog.Logger) (Translator, error) {
	if cfg.APIKey == "" {
		return nil, errs.ConfigurationMissing("openai API key is required", nil)
	}

	aiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		aiCfg.BaseURL = cfg.BaseURL
	}

	logger := log.With("component", "openai_translator")
	logger.Info("OpenAI translator initialized successfully", "model", cfg.Model, "base_url", aiCfg.BaseURL)

	return &openaiTranslator{
		client:      openai.NewClientWithConfig(aiCfg),
		log:         logger,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		sanitizer:   NewSanitizer(),
	}, nil
}

func (o *openaiTranslator) Translate(ctx context.Context, req Request) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", errs.TranslationFailed("invalid translation request", err)
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemInstruction(req)},
			{Role: openai.ChatMessageRoleUser, Content: req.Text},
		},
		Temperature: o.temperature,
	})
	if err != nil {
		o.log.WarnContext(ctx, "Chat completion failed", "target_language", req.TargetLanguage, "error", err)
		return "", errs.TranslationFailed("chat completion failed", classifyOpenAIError(err))
	}

	if len(resp.Choices) == 0 {
		return "", errs.TranslationFailed("no response choices returned", nil)
	}

	text := o.sanitizer.Clean(resp.Choices[0].Message.Content, req.Text)
	if text == "" {
		return "", errs.TranslationFailed("empty translation returned", nil)
	}

	o.log.DebugContext(ctx, "Translated message",
		"target_language", req.TargetLanguage,
		"total_tokens", resp.Usage.TotalTokens)
	return text, nil
}

func classifyOpenAIError(err error) error {
	status := 0

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(err)
	}

	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return Transient(err)
	}
	return err
}
