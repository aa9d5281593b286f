package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mcpauth/mcpauth/storage"
)

// AuthorizationRequest carries the query parameters of an authorization
// endpoint request.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
	ClientIP            string
}

// TokenExchangeRequest carries the form parameters of an
// authorization_code token request.
type TokenExchangeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string
	Resource     string // RFC 8707; used when the stored code carries none
	ClientIP     string
}

// TokenResult is the outcome of a successful token grant.
type TokenResult struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string // empty for the refresh grant (no rotation)
	Scope        string
	Resource     string
}

// IntrospectionResult describes an active access token.
type IntrospectionResult struct {
	Active    bool
	ClientID  string
	Scope     string
	Resource  string
	ExpiresAt int64 // unix seconds
}

// Authorize runs the authorization endpoint logic. On success it returns the
// client redirect URL carrying the freshly minted authorization code (and the
// echoed state, when the client sent one).
//
// Failures split two ways, per OAuth 2.0 Section 4.1.2.1:
//   - Unknown client or unregistered redirect URI: returned as an error for a
//     direct response. The server never redirects to an unverified URI, and
//     these paths leave no stored state behind.
//   - Unsupported response type: the redirect URI is already validated, so an
//     error redirect URL is returned instead of an error.
func (s *Server) Authorize(ctx context.Context, req *AuthorizationRequest) (string, error) {
	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "unknown_client")
		}
		return "", NewUnknownClient("unknown client")
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogInvalidRedirect(req.ClientID, req.ClientIP, req.RedirectURI)
		}
		return "", NewInvalidRedirectURI(err.Error())
	}

	// The redirect URI is verified from here on; protocol errors go back to
	// the client as error redirects.
	if req.ResponseType != ResponseTypeCode {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP,
				fmt.Sprintf("unsupported_response_type: %s", req.ResponseType))
		}
		return buildErrorRedirect(req.RedirectURI, ErrorCodeUnsupportedResponseType,
			"Only 'code' response type is supported", req.State)
	}

	code := generateRandomToken()
	authCode := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Resource:            req.Resource,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
		Used:                false,
	}
	if err := s.store.SaveAuthorizationCode(ctx, authCode); err != nil {
		s.Logger.Error("Failed to save authorization code", "error", err, "client_id", req.ClientID)
		return "", NewServerError("failed to save authorization code")
	}

	if s.Auditor != nil {
		s.Auditor.LogAuthorizationCodeIssued(req.ClientID, req.ClientIP, req.Scope)
	}
	if s.metrics != nil {
		s.metrics.RecordAuthorizationStarted(ctx, req.ClientID)
	}

	return buildCodeRedirect(req.RedirectURI, code, req.State)
}

// buildCodeRedirect appends code (and optional state) to the redirect URI,
// preserving any query parameters the client registered.
func buildCodeRedirect(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", NewServerError("failed to build redirect URL")
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildErrorRedirect appends an error code, its description, and the
// optional state to the redirect URI.
func buildErrorRedirect(redirectURI, errorCode, description, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", NewServerError("failed to build redirect URL")
	}
	q := u.Query()
	q.Set("error", errorCode)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExchangeAuthorizationCode exchanges an authorization code for an access
// token and a refresh token (grant_type=authorization_code).
//
// The code is validated first and consumed last: a code that fails client
// authentication, redirect URI, or PKCE checks is left unconsumed and can be
// retried. Consumption itself is an atomic check-and-set on the used flag,
// so two concurrent exchanges of one code cannot both succeed.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req *TokenExchangeRequest) (*TokenResult, error) {
	authCode, err := s.store.GetAuthorizationCode(ctx, req.Code)
	if err != nil {
		// Not found or expired. Log detail internally, return a generic
		// error to the client per RFC 6749.
		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", req.ClientID,
			"code_prefix", safeTruncate(req.Code, tokenIDLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "invalid_authorization_code")
		}
		return nil, NewInvalidGrant("invalid grant")
	}

	if authCode.Used {
		s.logCodeReuse(ctx, authCode.ClientID, req.Code, req.ClientIP)
		return nil, NewInvalidGrant("invalid grant")
	}

	if authCode.ClientID != req.ClientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", req.ClientID,
			"code_prefix", safeTruncate(req.Code, tokenIDLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "client_id_mismatch")
		}
		return nil, NewInvalidGrant("invalid grant")
	}

	if _, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP); err != nil {
		return nil, err
	}

	if authCode.RedirectURI != req.RedirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", req.ClientID,
			"code_prefix", safeTruncate(req.Code, tokenIDLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "redirect_uri_mismatch")
		}
		return nil, NewInvalidGrant("invalid grant")
	}

	pkceUsed := authCode.CodeChallenge != ""
	if pkceUsed {
		if req.CodeVerifier == "" {
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "missing_code_verifier")
			}
			return nil, NewInvalidRequest("code_verifier is required")
		}
		if err := verifyPKCEChallenge(authCode.CodeChallenge, req.CodeVerifier); err != nil {
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "pkce_validation_failed")
			}
			if s.metrics != nil {
				s.metrics.RecordPKCEValidationFailed(ctx)
			}
			return nil, NewInvalidGrant("invalid grant")
		}
	}

	// All checks passed: consume the code. The atomic check-and-set is what
	// keeps a concurrent exchange of the same code from also succeeding.
	if _, err := s.store.AtomicCheckAndMarkAuthCodeUsed(ctx, req.Code); err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) {
			s.logCodeReuse(ctx, authCode.ClientID, req.Code, req.ClientIP)
		} else {
			s.Logger.Debug("Authorization code consumption failed",
				"reason", err.Error(),
				"client_id", req.ClientID,
				"code_prefix", safeTruncate(req.Code, tokenIDLogLength))
		}
		return nil, NewInvalidGrant("invalid grant")
	}

	resource := authCode.Resource
	if resource == "" {
		resource = req.Resource
	}

	result, err := s.issueTokens(ctx, req.ClientID, authCode.Scope, resource, true)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(req.ClientID, req.ClientIP, authCode.Scope)
	}
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, req.ClientID, pkceUsed)
	}

	return result, nil
}

// logCodeReuse records an attempted exchange of an already-consumed code,
// which indicates a replayed or stolen code. Logging is rate limited per
// client to prevent DoS via log flooding.
func (s *Server) logCodeReuse(ctx context.Context, clientID, code, clientIP string) {
	if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(clientID) {
		s.Logger.Error("Authorization code reuse detected",
			"client_id", clientID,
			"code_prefix", safeTruncate(code, tokenIDLogLength))
	}
	if s.Auditor != nil {
		s.Auditor.LogCodeReuseDetected(clientID, clientIP)
	}
	if s.metrics != nil {
		s.metrics.RecordCodeReuseDetected(ctx)
	}
}

// RefreshAccessToken mints a new access token from a refresh token
// (grant_type=refresh_token). The refresh token is not rotated: it stays
// valid until its own expiry, and the response carries no new refresh token.
//
// The grant is looked up and matched against the presented client_id before
// client credentials are verified, so an invalid token reports invalid_grant
// even when the credentials are also wrong.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientSecret, clientIP string) (*TokenResult, error) {
	grant, err := s.store.GetRefreshGrant(ctx, refreshToken)
	if err != nil {
		s.Logger.Debug("Refresh token validation failed",
			"reason", err.Error(),
			"client_id", clientID,
			"token_prefix", safeTruncate(refreshToken, tokenIDLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, clientIP, "invalid_refresh_token")
		}
		return nil, NewInvalidGrant("invalid grant")
	}

	if grant.ClientID != clientID {
		s.Logger.Debug("Refresh token validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", grant.ClientID,
			"provided_client_id", clientID,
			"token_prefix", safeTruncate(refreshToken, tokenIDLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, clientIP, "refresh_token_client_mismatch")
		}
		return nil, NewInvalidGrant("invalid grant")
	}

	if _, err := s.AuthenticateClient(ctx, clientID, clientSecret, clientIP); err != nil {
		return nil, err
	}

	result, err := s.issueTokens(ctx, clientID, grant.Scope, grant.Resource, false)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(clientID, clientIP)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, clientID)
	}

	return result, nil
}

// issueTokens mints a signed access token, stores the access grant, and --
// when withRefresh is set -- mints and stores a companion refresh grant.
func (s *Server) issueTokens(ctx context.Context, clientID, scope, resource string, withRefresh bool) (*TokenResult, error) {
	audience := resource
	if audience == "" {
		audience = s.Config.DefaultAudience
	}

	accessTTL := time.Duration(s.Config.AccessTokenTTL) * time.Second
	accessToken, expiresAt, err := s.keys.SignAccessToken(clientID, scope, audience, accessTTL)
	if err != nil {
		s.Logger.Error("Failed to sign access token", "error", err, "client_id", clientID)
		return nil, NewServerError("failed to issue access token")
	}

	now := time.Now()
	accessGrant := &storage.AccessGrant{
		Token:     accessToken,
		ClientID:  clientID,
		Scope:     scope,
		Resource:  resource,
		TokenType: "Bearer",
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := s.store.SaveAccessGrant(ctx, accessGrant); err != nil {
		s.Logger.Error("Failed to save access grant", "error", err, "client_id", clientID)
		return nil, NewServerError("failed to store access token")
	}

	result := &TokenResult{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   s.Config.AccessTokenTTL,
		Scope:       scope,
		Resource:    resource,
	}

	if withRefresh {
		refreshToken := generateRandomToken()
		refreshGrant := &storage.RefreshGrant{
			Token:     refreshToken,
			ClientID:  clientID,
			Scope:     scope,
			Resource:  resource,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
		}
		if err := s.store.SaveRefreshGrant(ctx, refreshGrant); err != nil {
			s.Logger.Error("Failed to save refresh grant", "error", err, "client_id", clientID)
			return nil, NewServerError("failed to store refresh token")
		}
		result.RefreshToken = refreshToken
	}

	return result, nil
}

// Introspect validates a bearer access token against the grant store.
// The store is the source of truth: a token present and unexpired is active,
// without re-verifying the JWT signature.
func (s *Server) Introspect(ctx context.Context, token, clientIP string) (*IntrospectionResult, error) {
	grant, err := s.store.GetAccessGrant(ctx, token)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogIntrospectionFailure(token, clientIP, err.Error())
		}
		if s.metrics != nil {
			s.metrics.RecordTokenIntrospection(ctx, false)
		}
		return nil, NewInvalidToken("token is invalid or expired")
	}

	if s.metrics != nil {
		s.metrics.RecordTokenIntrospection(ctx, true)
	}

	return &IntrospectionResult{
		Active:    true,
		ClientID:  grant.ClientID,
		Scope:     grant.Scope,
		Resource:  grant.Resource,
		ExpiresAt: grant.ExpiresAt.Unix(),
	}, nil
}
