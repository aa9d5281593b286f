package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcpauth/mcpauth/storage"
)

// Client type constants
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// clientIDPrefix is prepended to every generated client identifier.
const clientIDPrefix = "mcp_client_"

// ClientRegistration carries the fields of an RFC 7591 registration request
// after JSON decoding. Zero values select the server defaults.
type ClientRegistration struct {
	ClientName              string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	Scope                   string
}

// RegisterClient registers a new OAuth client (RFC 7591).
// The server generates the client_id; a client_secret is issued unless the
// token endpoint auth method is "none". Returns the stored client and the
// plaintext secret (empty for public clients).
func (s *Server) RegisterClient(ctx context.Context, reg *ClientRegistration, clientIP string) (*storage.Client, string, error) {
	if len(reg.RedirectURIs) == 0 {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientIP, "registration_missing_redirect_uris")
		}
		return nil, "", NewInvalidRequest("redirect_uris is required")
	}

	authMethod := reg.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = TokenEndpointAuthMethodBasic
	}
	clientType := ClientTypeConfidential
	if authMethod == TokenEndpointAuthMethodNone {
		clientType = ClientTypePublic
	}

	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", NewServerError("failed to generate client credentials")
	}

	grantTypes := reg.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code"}
	}
	responseTypes := reg.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}

	client := &storage.Client{
		ClientID:                clientIDPrefix + generateRandomToken(),
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            reg.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              reg.ClientName,
		Scope:                   reg.Scope,
		CreatedAt:               time.Now(),
		SecretExpiresAt:         0, // secrets do not expire
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		// Collisions on a fresh random ID are practically impossible but the
		// store still refuses to overwrite an existing registration.
		if errors.Is(err, storage.ErrClientExists) {
			return nil, "", NewServerError("client ID collision")
		}
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	}
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, client.ClientType)
	}

	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)

	return client, clientSecret, nil
}

// generateClientSecret generates a secret for confidential clients.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// GetClient retrieves a client by ID (for use by the HTTP layer)
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.store.GetClient(ctx, clientID)
}

// AuthenticateClient authenticates a client at the token endpoint.
// The secret is verified only for clients registered with
// client_secret_basic; other auth methods are identified by client_id alone.
// Returns invalid_client (401) for unknown clients or secret mismatches.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	if clientID == "" {
		return nil, NewInvalidClient("client_id is required")
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		s.Logger.Debug("Client authentication failed",
			"reason", "client_not_found",
			"client_id", clientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, clientIP, "unknown_client")
		}
		return nil, NewInvalidClient("unknown client")
	}

	if client.TokenEndpointAuthMethod == TokenEndpointAuthMethodBasic {
		if err := s.store.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
			s.Logger.Debug("Client authentication failed",
				"reason", "secret_mismatch",
				"client_id", clientID)
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure(clientID, clientIP, "invalid_client_secret")
			}
			return nil, NewInvalidClient("invalid client credentials")
		}
	}

	return client, nil
}
