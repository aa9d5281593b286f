package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/mcpauth/mcpauth/security"
	"github.com/mcpauth/mcpauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mcpauth:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the maximum allowed length for opaque token strings.
	// Access grants are keyed by the serialized JWT and get a larger cap.
	MaxTokenLength = 512

	// MaxJWTLength is the maximum allowed length for serialized JWTs (8KB)
	MaxJWTLength = 8 * 1024

	// MaxIDLength is the maximum allowed length for identifiers (clientID)
	MaxIDLength = 256
)

// errInvalidCredentials is generic to prevent client enumeration
var errInvalidCredentials = fmt.Errorf("invalid client credentials")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mcpauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
// It implements ClientStore, FlowStore, and GrantStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	// encryptor provides optional grant encryption at rest
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.GrantStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the grant encryptor for encryption at rest.
// When set, serialized refresh and access grants are encrypted before
// storing in Valkey and decrypted when retrieved.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Grant encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// sealValue encrypts a serialized grant when encryption at rest is enabled.
func (s *Store) sealValue(plaintext string) (string, error) {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return plaintext, nil
	}
	return enc.Encrypt(plaintext)
}

// openValue decrypts a stored grant when encryption at rest is enabled.
func (s *Store) openValue(stored string) (string, error) {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return stored, nil
	}
	return enc.Decrypt(stored)
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// refreshGrantKey returns the key for a refresh grant: {prefix}refresh:{token}
func (s *Store) refreshGrantKey(token string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, token)
}

// accessGrantKey returns the key for an access grant: {prefix}access:{token}
func (s *Store) accessGrantKey(token string) string {
	return fmt.Sprintf("%saccess:%s", s.prefix, token)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaAtomicCheckAndMarkCodeUsed atomically checks if an authorization code is
// unused and marks it as used. This prevents authorization code replay where
// an attacker tries to exchange a code multiple times.
//
// Security: only ONE concurrent request can succeed. Any concurrent attempt
// to use the same code receives "ALREADY_USED".
//
// KEYS[1] = code key (e.g., "mcpauth:code:abc123")
// ARGV[1] = current Unix timestamp in seconds (for expiry check)
//
// Returns:
//   - Original JSON data if code was unused and successfully marked as used
//   - "NOT_FOUND" if the key doesn't exist in Valkey
//   - "EXPIRED" if the code has expired (ARGV[1] > code.expires_at)
//   - "ALREADY_USED:<json>" if code was already used (returns original data for forensics)
const luaAtomicCheckAndMarkCodeUsed = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

-- Check if expired
local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

-- Check if already used
if code.used then
    return 'ALREADY_USED:' .. data
end

-- Mark as used and save
code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// ============================================================
// JSON Serialization Helpers
// ============================================================

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Resource            string `json:"resource,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Resource:            code.Resource,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Resource:            j.Resource,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
}

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	CreatedAt               int64    `json:"created_at"`
	SecretExpiresAt         int64    `json:"secret_expires_at,omitempty"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                client.ClientID,
		ClientSecretHash:        client.ClientSecretHash,
		ClientType:              client.ClientType,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   client.Scope,
		CreatedAt:               client.CreatedAt.Unix(),
		SecretExpiresAt:         client.SecretExpiresAt,
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		RedirectURIs:            j.RedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		ClientName:              j.ClientName,
		Scope:                   j.Scope,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
		SecretExpiresAt:         j.SecretExpiresAt,
	}
}

// refreshGrantJSON is the JSON representation of a refresh grant
type refreshGrantJSON struct {
	Token     string `json:"token"`
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope,omitempty"`
	Resource  string `json:"resource,omitempty"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toRefreshGrantJSON(grant *storage.RefreshGrant) *refreshGrantJSON {
	return &refreshGrantJSON{
		Token:     grant.Token,
		ClientID:  grant.ClientID,
		Scope:     grant.Scope,
		Resource:  grant.Resource,
		CreatedAt: grant.CreatedAt.Unix(),
		ExpiresAt: grant.ExpiresAt.Unix(),
	}
}

func fromRefreshGrantJSON(j *refreshGrantJSON) *storage.RefreshGrant {
	if j == nil {
		return nil
	}
	return &storage.RefreshGrant{
		Token:     j.Token,
		ClientID:  j.ClientID,
		Scope:     j.Scope,
		Resource:  j.Resource,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}

// accessGrantJSON is the JSON representation of an access grant
type accessGrantJSON struct {
	Token     string `json:"token"`
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope,omitempty"`
	Resource  string `json:"resource,omitempty"`
	TokenType string `json:"token_type"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toAccessGrantJSON(grant *storage.AccessGrant) *accessGrantJSON {
	return &accessGrantJSON{
		Token:     grant.Token,
		ClientID:  grant.ClientID,
		Scope:     grant.Scope,
		Resource:  grant.Resource,
		TokenType: grant.TokenType,
		CreatedAt: grant.CreatedAt.Unix(),
		ExpiresAt: grant.ExpiresAt.Unix(),
	}
}

func fromAccessGrantJSON(j *accessGrantJSON) *storage.AccessGrant {
	if j == nil {
		return nil
	}
	return &storage.AccessGrant{
		Token:     j.Token,
		ClientID:  j.ClientID,
		Scope:     j.Scope,
		Resource:  j.Resource,
		TokenType: j.TokenType,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal is a generic helper for fetching a key from Valkey,
// unmarshalling the JSON data, and converting to the target type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// isNilError reports whether err is the Valkey nil reply (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}
