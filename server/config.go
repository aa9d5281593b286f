package server

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/mcpauth/mcpauth/internal/util"
)

// Endpoint paths, fixed relative to the issuer.
const (
	AuthorizationPath = "/oauth/authorize"
	TokenPath         = "/oauth/token"
	RegistrationPath  = "/oauth/register"
	IntrospectionPath = "/oauth/validate"
	MetadataPath      = "/.well-known/oauth-authorization-server"
	JWKSPath          = "/.well-known/jwks.json"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL).
	// All endpoint URLs in metadata are derived from it.
	Issuer string

	// DefaultAudience is the audience claim used for access tokens when the
	// client did not request a specific resource (RFC 8707).
	// Defaults to Issuer.
	DefaultAudience string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid.
	// Refresh tokens are not rotated; one token serves for its full lifetime.
	RefreshTokenTTL int64 // seconds, default: 86400 (24 hours)

	// ClockSkewGracePeriod is the grace period for token expiration checks (in seconds)
	// This prevents false expiration errors due to time synchronization issues
	// Default: 5 seconds
	ClockSkewGracePeriod int64 // seconds, default: 5

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// When false, uses direct connection IP (secure by default)
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Used with TrustProxy to correctly extract client IP from X-Forwarded-For
	// Example: If you have 2 proxies (CloudFlare + nginx), set this to 2
	// Default: 1
	TrustedProxyCount int // default: 1

	// SupportedScopes lists the scopes advertised in server metadata.
	// Scope strings on grants are passed through verbatim; this list is
	// advisory for clients, not an enforcement boundary.
	// Default: ["read", "write", "admin"]
	SupportedScopes []string

	// AllowInsecureHTTP permits a non-localhost http:// issuer.
	// WARNING: OAuth over HTTP exposes tokens and credentials to interception.
	// Default: false
	AllowInsecureHTTP bool // default: false
}

// AuthorizationEndpoint returns the absolute authorization endpoint URL.
func (c *Config) AuthorizationEndpoint() string {
	return util.NormalizeURL(c.Issuer) + AuthorizationPath
}

// TokenEndpoint returns the absolute token endpoint URL.
func (c *Config) TokenEndpoint() string {
	return util.NormalizeURL(c.Issuer) + TokenPath
}

// RegistrationEndpoint returns the absolute client registration endpoint URL.
func (c *Config) RegistrationEndpoint() string {
	return util.NormalizeURL(c.Issuer) + RegistrationPath
}

// IntrospectionEndpoint returns the absolute token introspection endpoint URL.
func (c *Config) IntrospectionEndpoint() string {
	return util.NormalizeURL(c.Issuer) + IntrospectionPath
}

// JWKSEndpoint returns the absolute JWKS endpoint URL.
func (c *Config) JWKSEndpoint() string {
	return util.NormalizeURL(c.Issuer) + JWKSPath
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	issuerURL, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if issuerURL.Scheme != "http" && issuerURL.Scheme != "https" {
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
	return nil
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	if config.DefaultAudience == "" {
		config.DefaultAudience = config.Issuer
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = []string{"read", "write", "admin"}
	}

	logSecurityWarnings(config, logger)

	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 86400 // 24 hours
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("⚠️  SECURITY WARNING: Insecure HTTP issuer is ALLOWED",
			"risk", "Tokens and credentials exposed to network interception",
			"recommendation", "Use HTTPS for all non-localhost deployments")
	}
}
