// Package translate implements the translation gateway: LLM-backed
// translators for Gemini and OpenAI-compatible endpoints, plus decorators for
// retries, circuit breaking and result caching.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/edgard/babelchat/internal/chat"
)

// Request asks for Text to be translated into TargetLanguage. Languages are
// IETF codes; SourceLanguage is optional.
type Request struct {
	Text           string
	TargetLanguage string
	SourceLanguage string
}

// Translator translates a single message.
type Translator interface {
	Translate(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to Translator.
type Func func(ctx context.Context, req Request) (string, error)

// Translate implements Translator.
func (f Func) Translate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// transientError marks a failure worth retrying: rate limits, server errors
// and timeouts.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err, or an error it wraps, is retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

const systemInstruction = `You are the translation engine of a chat application.
Translate the user's message into %s.%s
Preserve the tone, slang, emoji and line breaks of the original.
If the message is already written in %s, return it unchanged.
Reply with the translated text only: no quotes, labels, notes or explanations.`

// SystemInstruction builds the instruction sent alongside the message text.
func SystemInstruction(req Request) string {
	target := chat.LanguageName(req.TargetLanguage)

	var source string
	if req.SourceLanguage != "" {
		source = fmt.Sprintf("\nThe message was written in %s.", chat.LanguageName(req.SourceLanguage))
	}

	return fmt.Sprintf(systemInstruction, target, source, target)
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.Text) == "" {
		return errors.New("text cannot be empty")
	}
	if strings.TrimSpace(req.TargetLanguage) == "" {
		return errors.New("target language cannot be empty")
	}
	return nil
}
