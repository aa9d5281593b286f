package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcpauth/mcpauth/instrumentation"
	"github.com/mcpauth/mcpauth/security"
	"github.com/mcpauth/mcpauth/server"
)

const tokenTypeBearer = "Bearer"

// SupportedTokenAuthMethods lists the token endpoint auth methods advertised
// in server metadata.
var SupportedTokenAuthMethods = []string{
	server.TokenEndpointAuthMethodBasic,
	server.TokenEndpointAuthMethodPost,
}

// Handler provides the HTTP layer over the OAuth server logic.
type Handler struct {
	server *server.Server
	inst   *instrumentation.Instrumentation
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, inst *instrumentation.Instrumentation, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		inst:   inst,
		logger: logger,
	}

	if inst != nil {
		h.tracer = inst.Tracer("http")
	}

	return h
}

// RegisterRoutes registers all OAuth endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(server.RegistrationPath, h.ServeClientRegistration)
	mux.HandleFunc(server.AuthorizationPath, h.ServeAuthorization)
	mux.HandleFunc(server.TokenPath, h.ServeToken)
	mux.HandleFunc(server.IntrospectionPath, h.ServeTokenValidation)
	mux.HandleFunc(server.MetadataPath, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(server.JWKSPath, h.ServeJWKS)
}

// ServeClientRegistration handles the RFC 7591 dynamic client registration endpoint
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.client_registration")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("register", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if h.checkIPRateLimit(w, r, clientIP, "register") {
		h.recordHTTPMetrics("register", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "invalid JSON")
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.TokenEndpointAuthMethod != "" && !isValidAuthMethod(req.TokenEndpointAuthMethod) {
		h.logger.Warn("Unsupported token_endpoint_auth_method requested",
			"method", req.TokenEndpointAuthMethod, "ip", clientIP)
		h.recordHTTPMetrics("register", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "unsupported auth method")
		h.writeError(w, ErrorCodeInvalidRequest,
			fmt.Sprintf("Unsupported token_endpoint_auth_method: %s", req.TokenEndpointAuthMethod),
			http.StatusBadRequest)
		return
	}

	client, clientSecret, err := h.server.RegisterClient(ctx, &server.ClientRegistration{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scope:                   req.Scope,
	}, clientIP)
	if err != nil {
		h.logger.Warn("Failed to register client", "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "registration failed")
		status := h.writeOAuthError(w, err, ErrorCodeServerError, "Failed to register client")
		h.recordHTTPMetrics("register", r.Method, status, startTime)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("register", r.Method, http.StatusOK, startTime)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   client.SecretExpiresAt,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   client.Scope,
	})
}

// ServeAuthorization handles the OAuth authorization endpoint
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorization")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if h.checkIPRateLimit(w, r, clientIP, "authorization") {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	q := r.URL.Query()
	req := &server.AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"), // optional
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q.Get("resource"), // RFC 8707
		ClientIP:            clientIP,
	}

	if req.ClientID == "" {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "client_id missing")
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.Bool(instrumentation.AttrPKCEPresent, req.CodeChallenge != ""),
	)

	redirectURL, err := h.server.Authorize(ctx, req)
	if err != nil {
		// Unknown client or unregistered redirect URI: respond directly,
		// never redirect to an unverified URI.
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "authorization rejected")
		status := h.writeOAuthError(w, err, ErrorCodeServerError, "Authorization failed")
		h.recordHTTPMetrics("authorization", r.Method, status, startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("authorization", r.Method, http.StatusTemporaryRedirect, startTime)

	http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP, "token") {
		return
	}

	grantType := r.FormValue("grant_type")

	switch grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r, clientIP)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r, clientIP)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %q not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	code := r.FormValue("code")
	clientID, clientSecret := h.clientCredentials(r)

	if code == "" {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
	)

	// Client authentication happens inside the exchange, after the code and
	// its bound client_id are checked.
	result, err := h.server.ExchangeAuthorizationCode(ctx, &server.TokenExchangeRequest{
		Code:         code,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  r.FormValue("redirect_uri"),
		CodeVerifier: r.FormValue("code_verifier"),
		Resource:     r.FormValue("resource"), // RFC 8707
		ClientIP:     clientIP,
	})
	if err != nil {
		h.logger.Warn("Failed to exchange authorization code", "client_id", clientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code exchange failed")
		// Audit logging is done in ExchangeAuthorizationCode
		status := h.writeOAuthError(w, err, ErrorCodeInvalidGrant, "Authorization code is invalid or expired")
		h.recordHTTPMetrics("token", r.Method, status, startTime)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", clientID, "ip", clientIP)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)

	h.writeTokenResponse(w, result)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_refresh")
		defer span.End()
	}

	refreshToken := r.FormValue("refresh_token")
	clientID, clientSecret := h.clientCredentials(r)

	if refreshToken == "" {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	// The grant is looked up before client credentials are verified.
	result, err := h.server.RefreshAccessToken(ctx, refreshToken, clientID, clientSecret, clientIP)
	if err != nil {
		h.logger.Warn("Failed to refresh token", "client_id", clientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token refresh failed")
		// Audit logging is done in RefreshAccessToken
		status := h.writeOAuthError(w, err, ErrorCodeInvalidGrant, "Refresh token is invalid or expired")
		h.recordHTTPMetrics("token", r.Method, status, startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)

	h.writeTokenResponse(w, result)
}

// ServeTokenValidation handles bearer token validation.
// Resource servers call this with the access token in the Authorization
// header; the response mirrors RFC 7662 introspection for active tokens.
func (h *Handler) ServeTokenValidation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_validation")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("validate", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	token, ok := h.extractBearerToken(r)
	if !ok {
		h.logger.Debug("Token validation rejected: missing bearer credentials", "ip", clientIP)
		h.recordHTTPMetrics("validate", r.Method, http.StatusForbidden, startTime)
		instrumentation.SetSpanError(span, "missing bearer token")
		h.writeError(w, ErrorCodeInvalidRequest, "Missing or malformed Authorization header", http.StatusForbidden)
		return
	}

	result, err := h.server.Introspect(ctx, token, clientIP)
	if err != nil {
		h.recordHTTPMetrics("validate", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token inactive")
		h.writeOAuthError(w, err, ErrorCodeInvalidToken, "Token is invalid or expired")
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, result.ClientID))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("validate", r.Method, http.StatusOK, startTime)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(IntrospectionResponse{
		Active:   result.Active,
		ClientID: result.ClientID,
		Scope:    result.Scope,
		Resource: result.Resource,
		Exp:      result.ExpiresAt,
	})
}

// ServeAuthorizationServerMetadata handles the RFC 8414 metadata endpoint
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	cfg := h.server.Config
	metadata := AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.AuthorizationEndpoint(),
		TokenEndpoint:                     cfg.TokenEndpoint(),
		RegistrationEndpoint:              cfg.RegistrationEndpoint(),
		IntrospectionEndpoint:             cfg.IntrospectionEndpoint(),
		JWKSURI:                           cfg.JWKSEndpoint(),
		ScopesSupported:                   cfg.SupportedScopes,
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
		ResourceParameterSupported:        true,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeJWKS handles the JSON Web Key Set endpoint
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.server.Keys().JWKS())
}

// Helper methods

// clientCredentials extracts client credentials from HTTP Basic auth with a
// fallback to form parameters (client_secret_post).
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	clientID = r.FormValue("client_id")
	clientSecret = r.FormValue("client_secret")

	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID = basicID
		clientSecret = basicSecret
	}

	return clientID, clientSecret
}

// extractBearerToken extracts the bearer token from the Authorization header.
func (h *Handler) extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) || parts[1] == "" {
		return "", false
	}

	return parts[1], true
}

// checkIPRateLimit enforces the per-IP rate limit.
// Returns true if the request was rejected and a response written.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)

	if h.inst != nil {
		h.inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	}

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, result *server.TokenResult) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  result.AccessToken,
		TokenType:    result.TokenType,
		ExpiresIn:    result.ExpiresIn,
		RefreshToken: result.RefreshToken,
		Scope:        result.Scope,
		Resource:     result.Resource,
	})
}

// writeOAuthError writes a protocol error, preserving the code and status of
// a structured *Error when err wraps one and falling back otherwise.
// Returns the HTTP status written.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error, fallbackCode, fallbackDesc string) int {
	if oauthErr := server.AsError(err); oauthErr != nil {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return oauthErr.Status
	}
	status := http.StatusInternalServerError
	if fallbackCode != ErrorCodeServerError {
		status = http.StatusBadRequest
	}
	h.writeError(w, fallbackCode, fallbackDesc, status)
	return status
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	// RFC 6750: 401 responses carry a WWW-Authenticate challenge
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750
// Section 3, escaping quoted-string values per RFC 7230.
func formatWWWAuthenticate(errCode, errorDesc string) string {
	var params []string

	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		// Escape backslashes first, then quotes (order matters)
		escapedDesc := strings.ReplaceAll(errorDesc, `\`, `\\`)
		escapedDesc = strings.ReplaceAll(escapedDesc, `"`, `\"`)
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapedDesc))
	}

	if len(params) == 0 {
		return tokenTypeBearer
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

func isValidAuthMethod(method string) bool {
	switch method {
	case server.TokenEndpointAuthMethodNone,
		server.TokenEndpointAuthMethodBasic,
		server.TokenEndpointAuthMethodPost:
		return true
	}
	return false
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.inst == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // milliseconds
	h.inst.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
