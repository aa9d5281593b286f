// Package server implements the core OAuth 2.1 authorization server logic.
//
// This package provides the self-contained authorization server: the
// authorization code flow with mandatory PKCE, token issuance and refresh,
// bearer token introspection, and dynamic client registration (RFC 7591).
// It coordinates between the signing key manager, storage backends, and
// security features while remaining transport-agnostic; the root package
// provides the HTTP layer on top.
//
// The Server type delegates to specialized modules:
//   - JWT signing and JWKS export (keys package)
//   - Client, code, and grant storage (storage package)
//   - Security features (security package)
//
// Key Features:
//   - OAuth 2.1 authorization code flow with PKCE (S256)
//   - Refresh grants valid until expiry (no rotation)
//   - Dynamic client registration (RFC 7591)
//   - Comprehensive security auditing
//   - Rate limiting (IP-based)
//
// Example usage:
//
//	store := memory.New()
//	keyManager, _ := keys.New("https://auth.example.com")
//
//	config := &server.Config{
//	    Issuer: "https://auth.example.com",
//	}
//
//	srv, err := server.New(store, keyManager, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
