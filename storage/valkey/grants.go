package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcpauth/mcpauth/storage"
)

// ============================================================
// GrantStore Implementation
// ============================================================

// SaveRefreshGrant saves a refresh grant keyed by its token string with a TTL
// matching its expiry. When an encryptor is configured, the serialized grant
// is encrypted at rest.
func (s *Store) SaveRefreshGrant(ctx context.Context, grant *storage.RefreshGrant) error {
	if grant == nil || grant.Token == "" {
		return fmt.Errorf("invalid refresh grant")
	}
	if err := validateStringLength(grant.Token, MaxTokenLength, "refreshToken"); err != nil {
		return err
	}
	if err := validateStringLength(grant.ClientID, MaxIDLength, "clientID"); err != nil {
		return err
	}

	data, err := json.Marshal(toRefreshGrantJSON(grant))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh grant: %w", err)
	}

	value, err := s.sealValue(string(data))
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh grant: %w", err)
	}

	ttl := calculateTTL(grant.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh grant already expired")
	}

	key := s.refreshGrantKey(grant.Token)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(value).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save refresh grant: %w", err)
	}

	s.logger.Debug("Saved refresh grant",
		"client_id", grant.ClientID,
		"token_prefix", safeTruncate(grant.Token, tokenIDLogLength),
		"expires_at", grant.ExpiresAt)
	return nil
}

// GetRefreshGrant retrieves a refresh grant by token string.
// The grant stays in the store: refresh tokens are reusable until expiry.
func (s *Store) GetRefreshGrant(ctx context.Context, token string) (*storage.RefreshGrant, error) {
	key := s.refreshGrantKey(token)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: refresh token", storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("failed to get refresh grant: %w", err)
	}

	plaintext, err := s.openValue(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh grant: %w", err)
	}

	var j refreshGrantJSON
	if err := json.Unmarshal([]byte(plaintext), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh grant: %w", err)
	}

	grant := fromRefreshGrantJSON(&j)

	// TTL should handle this, but double-check
	if time.Now().After(grant.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	return grant, nil
}

// SaveAccessGrant saves an access grant keyed by its serialized token with a
// TTL matching its expiry.
func (s *Store) SaveAccessGrant(ctx context.Context, grant *storage.AccessGrant) error {
	if grant == nil || grant.Token == "" {
		return fmt.Errorf("invalid access grant")
	}
	if err := validateStringLength(grant.Token, MaxJWTLength, "accessToken"); err != nil {
		return err
	}
	if err := validateStringLength(grant.ClientID, MaxIDLength, "clientID"); err != nil {
		return err
	}

	data, err := json.Marshal(toAccessGrantJSON(grant))
	if err != nil {
		return fmt.Errorf("failed to marshal access grant: %w", err)
	}

	value, err := s.sealValue(string(data))
	if err != nil {
		return fmt.Errorf("failed to encrypt access grant: %w", err)
	}

	ttl := calculateTTL(grant.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access grant already expired")
	}

	key := s.accessGrantKey(grant.Token)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(value).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save access grant: %w", err)
	}

	s.logger.Debug("Saved access grant",
		"client_id", grant.ClientID,
		"token_prefix", safeTruncate(grant.Token, tokenIDLogLength),
		"expires_at", grant.ExpiresAt)
	return nil
}

// GetAccessGrant retrieves an access grant by token string
func (s *Store) GetAccessGrant(ctx context.Context, token string) (*storage.AccessGrant, error) {
	key := s.accessGrantKey(token)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: access token", storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("failed to get access grant: %w", err)
	}

	plaintext, err := s.openValue(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access grant: %w", err)
	}

	var j accessGrantJSON
	if err := json.Unmarshal([]byte(plaintext), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access grant: %w", err)
	}

	grant := fromAccessGrantJSON(&j)

	// TTL should handle this, but double-check
	if time.Now().After(grant.ExpiresAt) {
		return nil, fmt.Errorf("%w: access token expired", storage.ErrTokenExpired)
	}

	return grant, nil
}
