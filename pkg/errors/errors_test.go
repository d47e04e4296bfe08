package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	err := NewError(ErrCodeNotExist, "file not found")

	if err.Code != ErrCodeNotExist {
		t.Errorf("expected code %s, got %s", ErrCodeNotExist, err.Code)
	}
	if err.Message != "file not found" {
		t.Errorf("expected message %q, got %q", "file not found", err.Message)
	}
	if err.Category != CategoryFilesystem {
		t.Errorf("expected category %s, got %s", CategoryFilesystem, err.Category)
	}
	if err.Details == nil {
		t.Error("expected Details to be initialized")
	}
	if err.Context == nil {
		t.Error("expected Context to be initialized")
	}
	if err.Timestamp.IsZero() {
		t.Error("expected Timestamp to be set")
	}

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if err.Retryable {
			t.Error("ErrCodeNotExist should not be retryable by default")
		}

		retryable := NewError(ErrCodeNetworkError, "connection refused")
		if !retryable.Retryable {
			t.Error("ErrCodeNetworkError should be retryable by default")
		}
	})

	t.Run("never marks digest or signature failures retryable", func(t *testing.T) {
		if NewError(ErrCodeDigestMismatch, "bad hash").Retryable {
			t.Error("ErrCodeDigestMismatch must never be retryable")
		}
		if NewError(ErrCodeSignatureFailed, "bad signature").Retryable {
			t.Error("ErrCodeSignatureFailed must never be retryable")
		}
	})

	t.Run("sets correct user facing defaults", func(t *testing.T) {
		if !err.UserFacing {
			t.Error("ErrCodeNotExist should be user facing by default")
		}

		internal := NewError(ErrCodeInternal, "panic recovered")
		if internal.UserFacing {
			t.Error("ErrCodeInternal should not be user facing by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	cases := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeFetchFailed, CategoryFetch},
		{ErrCodeDigestMismatch, CategoryFetch},
		{ErrCodeCatalogIO, CategoryCatalog},
		{ErrCodeSiteUnknown, CategoryCatalog},
		{ErrCodeNotExist, CategoryFilesystem},
		{ErrCodeResourceExhausted, CategoryResource},
		{ErrCodeInternal, CategoryInternal},
	}

	for _, c := range cases {
		if got := GetCategory(c.code); got != c.expected {
			t.Errorf("GetCategory(%s) = %s, want %s", c.code, got, c.expected)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := NewError(ErrCodeFetchFailed, "could not reach site").
		WithComponent("fetcher").
		WithOperation("GetBlob")

	got := err.Error()
	if !strings.Contains(got, "fetcher") || !strings.Contains(got, "GetBlob") || !strings.Contains(got, "could not reach site") {
		t.Errorf("Error() missing expected fields: %s", got)
	}
}

func TestWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(ErrCodeNetworkError, "fetch failed").WithCause(cause)

	if err.Unwrap() != cause {
		t.Error("Unwrap() did not return the wrapped cause")
	}
	if !errors.Is(err, err) {
		t.Error("errors.Is should match an error against itself")
	}

	other := NewError(ErrCodeNetworkError, "different message")
	if !err.Is(other) {
		t.Error("Is should match on Code regardless of message")
	}

	different := NewError(ErrCodeCatalogIO, "different code")
	if err.Is(different) {
		t.Error("Is should not match a different Code")
	}
}

func TestBuilders(t *testing.T) {
	err := NewError(ErrCodeCatalogIO, "write failed").
		WithContext("site", "example.com").
		WithDetail("attempt", 3).
		WithStack()

	if err.Context["site"] != "example.com" {
		t.Errorf("expected context site=example.com, got %v", err.Context)
	}
	if err.Details["attempt"] != 3 {
		t.Errorf("expected detail attempt=3, got %v", err.Details)
	}
	if err.Stack == "" {
		t.Error("expected WithStack to populate Stack")
	}
}

func TestJSON(t *testing.T) {
	err := NewError(ErrCodeNotExist, "missing")
	js := err.JSON()
	if !strings.Contains(js, `"code":"NOT_EXIST"`) {
		t.Errorf("expected JSON to contain code field, got %s", js)
	}
}

func TestUserFacingMessage(t *testing.T) {
	internal := NewError(ErrCodeInternal, "stack overflow in resolver")
	if internal.UserFacingMessage() != "an internal error occurred" {
		t.Errorf("expected generic message for non-user-facing error, got %q", internal.UserFacingMessage())
	}

	userFacing := NewError(ErrCodeNotExist, "no such file")
	if userFacing.UserFacingMessage() != "no such file" {
		t.Errorf("expected original message for user-facing error, got %q", userFacing.UserFacingMessage())
	}
}

func TestGetDefaultHTTPStatus(t *testing.T) {
	if GetDefaultHTTPStatus(ErrCodeNotExist) != 404 {
		t.Errorf("expected 404 for ErrCodeNotExist")
	}
	if GetDefaultHTTPStatus(ErrCodeAlreadyMounted) != 409 {
		t.Errorf("expected 409 for ErrCodeAlreadyMounted")
	}
}
