package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mcpauth/mcpauth/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code with a TTL
// matching its expiry.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateStringLength(code.Code, MaxTokenLength, "code"); err != nil {
		return err
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(code.Code)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
// NOTE: For actual code exchange, use AtomicCheckAndMarkAuthCodeUsed instead
// to prevent race conditions.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	authCode := fromAuthorizationCodeJSON(&j)

	// Check if expired (TTL should handle this, but double-check)
	if time.Now().After(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}

	return authCode, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
// This prevents race conditions in authorization code reuse detection.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
//
// IMPORTANT: The authCode is ONLY returned on reuse errors (Used=true) to enable
// detection and audit logging. For other errors (not found, expired), nil is
// returned to prevent information leakage.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicCheckAndMarkCodeUsed).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code check: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	case strings.HasPrefix(result, "ALREADY_USED:"):
		// Parse the code data to return for reuse detection
		codeData := strings.TrimPrefix(result, "ALREADY_USED:")
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(codeData), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrAuthorizationCodeUsed)
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrAuthorizationCodeUsed
	}

	// Success - parse the code data (from before marking as used)
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	authCode := fromAuthorizationCodeJSON(&j)
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", safeTruncate(code, tokenIDLogLength))

	return authCode, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	key := s.codeKey(code)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}
