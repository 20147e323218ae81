package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"google.golang.org/genai"

	"github.com/edgard/babelchat/internal/config"
	"github.com/edgard/babelchat/internal/errs"
)

type geminiTranslator struct {
	client        *genai.Client
	log           *slog.Logger
	contentConfig *genai.GenerateContentConfig
	model         string
	sanitizer     *Sanitizer
}

// NewGemini creates a translator backed by the Gemini API.
func NewGemini(ctx context.Context, cfg config.TranslationConfig, log *slog.Logger) (Translator, error) {
	if cfg.APIKey == "" {
		return nil, errs.ConfigurationMissing("gemini API key is required", nil)
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	gi, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	temperature := cfg.Temperature
	logger := log.With("component", "gemini_translator")
	logger.Info("Gemini translator initialized successfully", "model", cfg.Model)

	return &geminiTranslator{
		client:        gi,
		log:           logger,
		contentConfig: &genai.GenerateContentConfig{Temperature: &temperature},
		model:         cfg.Model,
		sanitizer:     NewSanitizer(),
	}, nil
}

func (g *geminiTranslator) Translate(ctx context.Context, req Request) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", errs.TranslationFailed("invalid translation request", err)
	}

	cfg := *g.contentConfig
	cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: SystemInstruction(req)}}}
	contents := []*genai.Content{genai.NewContentFromText(req.Text, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &cfg)
	if err != nil {
		g.log.WarnContext(ctx, "Gemini API call failed", "target_language", req.TargetLanguage, "error", err)
		return "", errs.TranslationFailed("gemini API call failed", classifyGeminiError(err))
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified && resp.PromptFeedback.BlockReason != "" {
		reason := string(resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reason = resp.PromptFeedback.BlockReasonMessage
		}
		g.log.WarnContext(ctx, "Gemini request blocked", "reason", reason)
		return "", errs.TranslationFailed("translation blocked by safety filter: "+reason, nil)
	}

	text := g.sanitizer.Clean(resp.Text(), req.Text)
	if text == "" {
		return "", errs.TranslationFailed("gemini returned empty content", nil)
	}

	g.log.DebugContext(ctx, "Translated message", "target_language", req.TargetLanguage, "chars", len(text))
	return text, nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError {
			return Transient(err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	return err
}
