package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes (RFC 6749 Section 5.2, RFC 6750 Section 3.1).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
	ErrorCodeServerError             = "server_error"
)

// Error is a structured OAuth protocol error. Code and Description map
// directly onto the JSON error body; Status is the HTTP status the
// transport layer should use when the error is returned directly.
type Error struct {
	Code        string
	Description string
	Status      int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// AsError extracts a protocol *Error from an error chain.
// Returns nil if err does not wrap one.
func AsError(err error) *Error {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return nil
}

// NewInvalidRequest creates an invalid_request error (400)
func NewInvalidRequest(description string) *Error {
	return &Error{Code: ErrorCodeInvalidRequest, Description: description, Status: http.StatusBadRequest}
}

// NewInvalidClient creates an invalid_client error for failed client
// authentication at the token endpoint (401, RFC 6749 Section 5.2)
func NewInvalidClient(description string) *Error {
	return &Error{Code: ErrorCodeInvalidClient, Description: description, Status: http.StatusUnauthorized}
}

// NewUnknownClient creates an invalid_client error for an unrecognized
// client_id at the authorization endpoint (400, returned in the direct
// response body since no redirect URI has been validated yet)
func NewUnknownClient(description string) *Error {
	return &Error{Code: ErrorCodeInvalidClient, Description: description, Status: http.StatusBadRequest}
}

// NewInvalidGrant creates an invalid_grant error (400)
func NewInvalidGrant(description string) *Error {
	return &Error{Code: ErrorCodeInvalidGrant, Description: description, Status: http.StatusBadRequest}
}

// NewInvalidRedirectURI creates an invalid_redirect_uri error (400).
// Used when the redirect URI is not registered for the client; the error
// must be returned directly, never via redirect to the unverified URI.
func NewInvalidRedirectURI(description string) *Error {
	return &Error{Code: ErrorCodeInvalidRedirectURI, Description: description, Status: http.StatusBadRequest}
}

// NewInvalidToken creates an invalid_token error (401, RFC 6750)
func NewInvalidToken(description string) *Error {
	return &Error{Code: ErrorCodeInvalidToken, Description: description, Status: http.StatusUnauthorized}
}

// NewUnsupportedGrantType creates an unsupported_grant_type error (400)
func NewUnsupportedGrantType(description string) *Error {
	return &Error{Code: ErrorCodeUnsupportedGrantType, Description: description, Status: http.StatusBadRequest}
}

// NewUnsupportedResponseType creates an unsupported_response_type error (400)
func NewUnsupportedResponseType(description string) *Error {
	return &Error{Code: ErrorCodeUnsupportedResponseType, Description: description, Status: http.StatusBadRequest}
}

// NewRateLimitExceeded creates a rate_limit_exceeded error (429)
func NewRateLimitExceeded(description string) *Error {
	return &Error{Code: ErrorCodeRateLimitExceeded, Description: description, Status: http.StatusTooManyRequests}
}

// NewServerError creates a server_error error (500)
func NewServerError(description string) *Error {
	return &Error{Code: ErrorCodeServerError, Description: description, Status: http.StatusInternalServerError}
}
