package server

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/mcpauth/mcpauth/instrumentation"
	"github.com/mcpauth/mcpauth/internal/util"
	"github.com/mcpauth/mcpauth/keys"
	"github.com/mcpauth/mcpauth/security"
	"github.com/mcpauth/mcpauth/storage"
)

// tokenIDLogLength is how many characters of a token or code are logged.
const tokenIDLogLength = 8

// Server implements the OAuth 2.1 authorization server logic.
// It coordinates the authorization code flow, token issuance, and client
// registration using a storage backend and a signing key manager.
type Server struct {
	store                    storage.Store
	keys                     *keys.Manager
	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter // IP-based rate limiter
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Logger                   *slog.Logger
	Config                   *Config

	metrics *instrumentation.Metrics
}

// New creates a new OAuth server
func New(
	store storage.Store,
	keyManager *keys.Manager,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if keyManager == nil {
		return nil, fmt.Errorf("key manager is required")
	}
	if config == nil {
		config = &Config{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	srv := &Server{
		store:  store,
		keys:   keyManager,
		Config: config,
		Logger: logger,
	}

	// Validate HTTPS enforcement (OAuth 2.1 security requirement)
	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	// Backends that check expiry themselves adopt the configured grace.
	if cs, ok := store.(clockSkewConfigurable); ok {
		cs.SetClockSkewGracePeriod(time.Duration(config.ClockSkewGracePeriod) * time.Second)
	}

	return srv, nil
}

// clockSkewConfigurable is implemented by storage backends whose expiry
// checks honor a configurable clock skew grace period.
type clockSkewConfigurable interface {
	SetClockSkewGracePeriod(time.Duration)
}

// Store returns the configured storage backend.
func (s *Server) Store() storage.Store {
	return s.store
}

// Keys returns the signing key manager.
func (s *Server) Keys() *keys.Manager {
	return s.keys
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation wires OpenTelemetry metrics into the flow logic.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.metrics = inst.Metrics()
	}
}

// safeTruncate truncates a string for logging without panicking.
func safeTruncate(s string, maxLen int) string {
	return util.SafeTruncate(s, maxLen)
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes, tokens, and client IDs.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
