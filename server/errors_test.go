package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with description",
			err:  &Error{Code: "invalid_grant", Description: "code expired"},
			want: "invalid_grant: code expired",
		},
		{
			name: "without description",
			err:  &Error{Code: "invalid_grant"},
			want: "invalid_grant",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAsError(t *testing.T) {
	direct := NewInvalidGrant("bad code")
	if got := AsError(direct); got != direct {
		t.Errorf("AsError() = %v, want the original error", got)
	}

	wrapped := fmt.Errorf("token endpoint: %w", direct)
	if got := AsError(wrapped); got != direct {
		t.Errorf("AsError() on wrapped = %v, want the inner protocol error", got)
	}

	if got := AsError(errors.New("plain error")); got != nil {
		t.Errorf("AsError() on plain error = %v, want nil", got)
	}
	if got := AsError(nil); got != nil {
		t.Errorf("AsError(nil) = %v, want nil", got)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *Error
		wantCode   string
		wantStatus int
	}{
		{name: "invalid_request", err: NewInvalidRequest("x"), wantCode: ErrorCodeInvalidRequest, wantStatus: http.StatusBadRequest},
		{name: "invalid_client token endpoint", err: NewInvalidClient("x"), wantCode: ErrorCodeInvalidClient, wantStatus: http.StatusUnauthorized},
		{name: "invalid_client authorization endpoint", err: NewUnknownClient("x"), wantCode: ErrorCodeInvalidClient, wantStatus: http.StatusBadRequest},
		{name: "invalid_grant", err: NewInvalidGrant("x"), wantCode: ErrorCodeInvalidGrant, wantStatus: http.StatusBadRequest},
		{name: "invalid_redirect_uri", err: NewInvalidRedirectURI("x"), wantCode: ErrorCodeInvalidRedirectURI, wantStatus: http.StatusBadRequest},
		{name: "invalid_token", err: NewInvalidToken("x"), wantCode: ErrorCodeInvalidToken, wantStatus: http.StatusUnauthorized},
		{name: "unsupported_grant_type", err: NewUnsupportedGrantType("x"), wantCode: ErrorCodeUnsupportedGrantType, wantStatus: http.StatusBadRequest},
		{name: "unsupported_response_type", err: NewUnsupportedResponseType("x"), wantCode: ErrorCodeUnsupportedResponseType, wantStatus: http.StatusBadRequest},
		{name: "rate_limit_exceeded", err: NewRateLimitExceeded("x"), wantCode: ErrorCodeRateLimitExceeded, wantStatus: http.StatusTooManyRequests},
		{name: "server_error", err: NewServerError("x"), wantCode: ErrorCodeServerError, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
			if tt.err.Description != "x" {
				t.Errorf("Description = %q, want %q", tt.err.Description, "x")
			}
		})
	}
}
