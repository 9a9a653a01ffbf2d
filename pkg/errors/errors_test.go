package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should see the cause through Unwrap")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	if err.Context["field"] != "value" {
		t.Errorf("Context[field] = %v, want 'value'", err.Context["field"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestTaxonomyConstructors(t *testing.T) {
	cause := errors.New("boom")
	cases := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"connection", NewConnectionError("connect timed out", cause), ErrCodeConnection, http.StatusServiceUnavailable},
		{"media", NewMediaError("no microphone", cause), ErrCodeMedia, http.StatusInternalServerError},
		{"negotiation", NewNegotiationError("bad answer", cause), ErrCodeNegotiation, http.StatusInternalServerError},
		{"relay", NewRelayError("unknown event"), ErrCodeRelay, http.StatusBadRequest},
		{"not found", NewNotFoundError("room"), ErrCodeNotFound, http.StatusNotFound},
		{"rate limit", NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Code != tc.code {
				t.Errorf("Code = %v, want %v", tc.err.Code, tc.code)
			}
			if tc.err.HTTPStatus != tc.status {
				t.Errorf("HTTPStatus = %v, want %v", tc.err.HTTPStatus, tc.status)
			}
		})
	}
}

func TestIsAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)
	regularErr := errors.New("regular error")

	if !IsAppError(appErr) {
		t.Error("IsAppError() should return true for AppError")
	}
	if IsAppError(regularErr) {
		t.Error("IsAppError() should return false for regular error")
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)

	if result := GetAppError(appErr); result != appErr {
		t.Errorf("GetAppError() = %v, want %v", result, appErr)
	}

	wrapped := fmt.Errorf("bootstrap: %w", NewConnectionError("timeout", nil))
	result := GetAppError(wrapped)
	if result == nil || result.Code != ErrCodeConnection {
		t.Errorf("GetAppError() should extract AppError from fmt-wrapped error, got %v", result)
	}

	if result := GetAppError(errors.New("regular error")); result != nil {
		t.Error("GetAppError() should return nil for regular error")
	}
	if result := GetAppError(nil); result != nil {
		t.Error("GetAppError(nil) should return nil")
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("link: %w", NewNegotiationError("apply answer", errors.New("sdp")))
	if !HasCode(err, ErrCodeNegotiation) {
		t.Error("HasCode should match negotiation code")
	}
	if HasCode(err, ErrCodeMedia) {
		t.Error("HasCode should not match media code")
	}
	if HasCode(errors.New("plain"), ErrCodeNegotiation) {
		t.Error("HasCode should be false for plain errors")
	}
}
