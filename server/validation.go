package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"

	"github.com/mcpauth/mcpauth/storage"
)

// PKCE constants (RFC 7636)
const (
	PKCEMethodS256 = "S256"
)

// ResponseTypeCode is the only supported authorization response type.
const ResponseTypeCode = "code"

const oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"

// validateHTTPSEnforcement ensures that the OAuth server is running over HTTPS
// in production environments. OAuth over HTTP exposes all tokens,
// authorization codes, and client credentials to network interception.
//
// The validation logic:
// - HTTPS URLs: Always allowed (secure)
// - HTTP on localhost: Allowed with warning (development)
// - HTTP on non-localhost: Blocked unless AllowInsecureHTTP=true (production)
func (s *Server) validateHTTPSEnforcement() error {
	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if issuerURL.Scheme == "https" {
		return nil
	}

	hostname := issuerURL.Hostname()

	// Allow localhost for development (with warning)
	if isLocalhostHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"risk", "Credentials exposed on local network",
				"recommendation", "Use HTTPS even in development for production-like testing",
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", oauth21SecurityBestPracticesURL)
		}
		return nil
	}

	// Non-localhost HTTP is blocked unless explicitly allowed
	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"OAuth over HTTP exposes tokens and credentials to interception. "+
				"To run on localhost for development, set AllowInsecureHTTP=true. "+
				"For production, use HTTPS",
			issuerURL.Scheme,
			hostname,
		)
	}

	s.Logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"action_required", "Switch to HTTPS immediately",
		"compliance", "OAuth 2.1 requires HTTPS for all production endpoints",
		"learn_more", oauth21SecurityBestPracticesURL)

	return nil
}

// isLocalhostHostname checks if a hostname refers to the local machine.
// This includes IPv4 loopback (entire 127.0.0.0/8 range per RFC 1122),
// IPv6 loopback (::1), localhost hostname, and 0.0.0.0 (bind-all in dev).
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	// Strip brackets from IPv6 addresses for parsing.
	// net.ParseIP doesn't handle brackets, but url.Hostname() may include them.
	cleanHostname := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleanHostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}

	return false
}

// validateRedirectURI validates that a redirect URI is registered for the
// client. Matching is exact string comparison; no prefix or pattern matching
// is performed, per OAuth 2.1 requirements.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect URI not registered for client")
}

// verifyPKCEChallenge verifies a PKCE code verifier against the stored
// challenge: base64url(SHA256(verifier)) must equal the challenge, compared
// in constant time. Every stored challenge is treated as S256 regardless of
// the method string the client sent at authorization time; "plain" is never
// honored.
func verifyPKCEChallenge(challenge, verifier string) error {
	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	// Constant-time comparison to prevent timing side channels
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}
