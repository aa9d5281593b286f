package oauth

import (
	"github.com/mcpauth/mcpauth/server"
)

// OAuth error codes, re-exported for callers of the HTTP layer.
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
	ErrorCodeServerError             = server.ErrorCodeServerError
)

// Error is the structured OAuth protocol error returned by the flow logic.
type Error = server.Error

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = server.NewInvalidRequest

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = server.NewInvalidClient

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = server.NewInvalidGrant

	// ErrInvalidRedirectURI indicates the redirect URI is not registered for the client
	ErrInvalidRedirectURI = server.NewInvalidRedirectURI

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = server.NewInvalidToken

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = server.NewUnsupportedGrantType

	// ErrUnsupportedResponseType indicates the response type is not supported
	ErrUnsupportedResponseType = server.NewUnsupportedResponseType

	// ErrServerError indicates an internal server error occurred
	ErrServerError = server.NewServerError
)
