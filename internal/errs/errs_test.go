package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/edgard/babelchat/internal/errs"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")

	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{name: "nil", err: nil, want: errs.KindUnknown},
		{name: "plain error", err: cause, want: errs.KindUnknown},
		{name: "backend unavailable", err: errs.BackendUnavailable("query failed", cause), want: errs.KindBackendUnavailable},
		{name: "schema missing", err: errs.SchemaMissing("no messages table", nil), want: errs.KindSchemaMissing},
		{name: "write rejected", err: errs.WriteRejected("insert failed", cause), want: errs.KindWriteRejected},
		{name: "translation failed", err: errs.TranslationFailed("gateway timeout", cause), want: errs.KindTranslationFailed},
		{name: "configuration missing", err: errs.ConfigurationMissing("no api key", nil), want: errs.KindConfigurationMissing},
		{
			name: "wrapped with fmt",
			err:  fmt.Errorf("join room: %w", errs.SchemaMissing("no messages table", nil)),
			want: errs.KindSchemaMissing,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := errs.KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := errs.WriteRejected("failed to persist message", cause)

	if got, want := err.Error(), "failed to persist message: disk full"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}

	bare := errs.ConfigurationMissing("translation api key is not set", nil)
	if got, want := bare.Error(), "translation api key is not set"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestEnsure(t *testing.T) {
	t.Parallel()

	if errs.Ensure(nil, errs.KindWriteRejected, "x") != nil {
		t.Fatal("Ensure(nil) should return nil")
	}

	plain := errors.New("boom")
	wrapped := errs.Ensure(plain, errs.KindWriteRejected, "send failed")
	if !errs.Is(wrapped, errs.KindWriteRejected) {
		t.Errorf("expected WriteRejected, got %q", errs.KindOf(wrapped))
	}

	classified := errs.SchemaMissing("no table", nil)
	if got := errs.Ensure(classified, errs.KindWriteRejected, "send failed"); got != classified {
		t.Error("Ensure should keep an already classified error")
	}
}
