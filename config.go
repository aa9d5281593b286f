package oauth

import (
	"log/slog"
	"time"

	"github.com/mcpauth/mcpauth/server"
)

// Config holds the top-level authorization server configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Issuer is the server's issuer identifier (base URL, required).
	// All endpoint URLs in server metadata are derived from it.
	Issuer string

	// DefaultAudience is the audience claim for access tokens when the
	// client did not request a specific resource (RFC 8707).
	// Defaults to Issuer.
	DefaultAudience string

	// SupportedScopes lists the scopes advertised in server metadata.
	// Default: ["read", "write", "admin"]
	SupportedScopes []string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Default: 10 minutes
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid.
	// Default: 1 hour
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid.
	// Refresh tokens are not rotated; one token serves for its full lifetime.
	// Default: 24 hours
	RefreshTokenTTL time.Duration

	// ClockSkewGracePeriod is how far past their expiry codes and tokens are
	// still accepted, to tolerate clock drift between servers.
	// Default: 5 seconds
	ClockSkewGracePeriod time.Duration

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// CleanupInterval is how often the default in-memory store sweeps
	// expired codes and grants.
	// Default: 1 minute
	CleanupInterval time.Duration

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries caps the number of per-IP limiters kept in memory.
	// Zero uses the default cap.
	MaxEntries int
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server. Used with TrustProxy to extract the real client IP.
	// Default: 1
	TrustedProxyCount int

	// AllowInsecureHTTP permits a non-localhost http:// issuer.
	// WARNING: OAuth over HTTP exposes tokens and credentials to interception.
	AllowInsecureHTTP bool

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

// serverConfig translates the top-level configuration into the flow-layer
// configuration. Zero durations are left at zero so the flow layer applies
// its own defaults.
func (c *Config) serverConfig() *server.Config {
	return &server.Config{
		Issuer:               c.Issuer,
		DefaultAudience:      c.DefaultAudience,
		AuthorizationCodeTTL: int64(c.AuthorizationCodeTTL / time.Second),
		AccessTokenTTL:       int64(c.AccessTokenTTL / time.Second),
		RefreshTokenTTL:      int64(c.RefreshTokenTTL / time.Second),
		ClockSkewGracePeriod: int64(c.ClockSkewGracePeriod / time.Second),
		TrustProxy:           c.Security.TrustProxy,
		TrustedProxyCount:    c.Security.TrustedProxyCount,
		SupportedScopes:      c.SupportedScopes,
		AllowInsecureHTTP:    c.Security.AllowInsecureHTTP,
	}
}
