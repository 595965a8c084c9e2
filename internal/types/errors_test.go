package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeValidationInvalidTier,
		Message: `unknown subscription tier "platinum"`,
	}

	expected := `validation_invalid_tier: unknown subscription tier "platinum"`
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("connection reset by peer")
	appErr := NewAppError(ErrCodeUpstreamStripe, "billing status query failed", underlying)

	if appErr.Unwrap() != underlying {
		t.Errorf("Unwrap() = %v, want %v", appErr.Unwrap(), underlying)
	}
	if !errors.Is(appErr, underlying) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestAppErrorErrorsAs(t *testing.T) {
	appErr := NewAppError(ErrCodePermissionAdminRequired, "preview requires admin", nil)
	wrapped := fmt.Errorf("start preview: %w", appErr)

	var target *AppError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should extract *AppError from the chain")
	}
	if target.Code != ErrCodePermissionAdminRequired {
		t.Errorf("Code = %q, want %q", target.Code, ErrCodePermissionAdminRequired)
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidTier, http.StatusBadRequest},
		{ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{ErrCodeAuthTokenMissing, http.StatusUnauthorized},
		{ErrCodeAuthTokenExpired, http.StatusUnauthorized},
		{ErrCodePermissionAdminRequired, http.StatusForbidden},
		{ErrCodeRateLimit, http.StatusTooManyRequests},
		{ErrCodeNotFoundFeature, http.StatusNotFound},
		{ErrCodeUpstreamStripe, http.StatusBadGateway},
		{ErrCodeUpstreamTimeout, http.StatusGatewayTimeout},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAppErrorWithDetailsDoesNotMutateOriginal(t *testing.T) {
	orig := NewAppErrorWithDetails(ErrCodeNotFoundFeature, "feature not found", nil, map[string]any{"feature": "x"})
	copied := orig.WithDetails(map[string]any{"tier": "pro"})

	if len(orig.Details) != 1 {
		t.Errorf("original details mutated: %v", orig.Details)
	}
	if copied.Details["feature"] != "x" || copied.Details["tier"] != "pro" {
		t.Errorf("merged details = %v", copied.Details)
	}
}
