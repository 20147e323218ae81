// Package errs defines the error kinds shared by the sync, translation and
// pipeline layers, and helpers to classify wrapped errors.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure the UI layer can react to.
type Kind string

// Error kinds.
const (
	KindUnknown              Kind = "UNKNOWN"
	KindBackendUnavailable   Kind = "BACKEND_UNAVAILABLE"
	KindSchemaMissing        Kind = "SCHEMA_MISSING"
	KindWriteRejected        Kind = "WRITE_REJECTED"
	KindTranslationFailed    Kind = "TRANSLATION_FAILED"
	KindConfigurationMissing Kind = "CONFIGURATION_MISSING"
)

// Error is a classified application error.
type Error struct {
	kind    Kind
	message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}

	return e.message
}

// Kind returns the error kind.
func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Unwrap() error {
	return e.err
}

// Message returns the human readable message without the cause.
func (e *Error) Message() string {
	return e.message
}

// New creates an error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{kind: kind, message: message, err: cause}
}

// BackendUnavailable reports an unreachable or misconfigured store.
func BackendUnavailable(message string, cause error) error {
	return New(KindBackendUnavailable, message, cause)
}

// SchemaMissing reports that the expected storage structure is absent.
func SchemaMissing(message string, cause error) error {
	return New(KindSchemaMissing, message, cause)
}

// WriteRejected reports a failed persist or send.
func WriteRejected(message string, cause error) error {
	return New(KindWriteRejected, message, cause)
}

// TranslationFailed reports a translation gateway error or timeout.
func TranslationFailed(message string, cause error) error {
	return New(KindTranslationFailed, message, cause)
}

// ConfigurationMissing reports absent credentials or settings.
func ConfigurationMissing(message string, cause error) error {
	return New(KindConfigurationMissing, message, cause)
}

// KindOf returns the kind of the first *Error in err's chain,
// or KindUnknown if there is none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind()
	}

	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Ensure wraps err with kind unless it is already classified.
func Ensure(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}

	return New(kind, message, err)
}
