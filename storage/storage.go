package storage

import (
	"context"
	"time"
)

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client. Fails with ErrClientExists if the
	// client ID is already taken.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore defines the interface for managing authorization codes.
// All methods accept context.Context for tracing and cancellation.
type FlowStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
	// This prevents race conditions in authorization code reuse detection.
	// Returns the auth code if successful, or an error if:
	// - Code not found
	// - Code expired
	// - Code already used (reuse detected)
	// SECURITY: This operation MUST be atomic to prevent concurrent code exchange attacks.
	AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// GrantStore defines the interface for storing issued refresh and access grants.
// Access grants are keyed by the serialized token itself; the store is the
// source of truth for introspection.
// All methods accept context.Context for tracing and cancellation.
type GrantStore interface {
	// SaveRefreshGrant saves a refresh grant keyed by its token string
	SaveRefreshGrant(ctx context.Context, grant *RefreshGrant) error

	// GetRefreshGrant retrieves a refresh grant by token string.
	// Returns ErrTokenNotFound if absent, ErrTokenExpired if past expiry.
	// Refresh grants are not rotated: a successful lookup leaves the grant in place.
	GetRefreshGrant(ctx context.Context, token string) (*RefreshGrant, error)

	// SaveAccessGrant saves an access grant keyed by its token string
	SaveAccessGrant(ctx context.Context, grant *AccessGrant) error

	// GetAccessGrant retrieves an access grant by token string.
	// Returns ErrTokenNotFound if absent, ErrTokenExpired if past expiry.
	GetAccessGrant(ctx context.Context, token string) (*AccessGrant, error)
}

// Store combines all storage interfaces implemented by a complete backend.
type Store interface {
	ClientStore
	FlowStore
	GrantStore
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scope                   string // space-delimited
	CreatedAt               time.Time
	SecretExpiresAt         int64 // unix seconds, 0 = never
}

// AuthorizationCode represents an issued single-use authorization code.
// Once Used flips to true it never reverts.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// RefreshGrant represents an issued refresh token. Immutable after creation;
// reusable until expiry (no rotation on use).
type RefreshGrant struct {
	Token     string
	ClientID  string
	Scope     string
	Resource  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// AccessGrant represents an issued access token, keyed by the serialized JWT.
type AccessGrant struct {
	Token     string
	ClientID  string
	Scope     string
	Resource  string
	TokenType string
	CreatedAt time.Time
	ExpiresAt time.Time
}
