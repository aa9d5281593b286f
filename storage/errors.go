package storage

import "errors"

// Sentinel errors returned by storage backends. Callers distinguish them
// with errors.Is so that wrapped variants still match.
var (
	// ErrClientNotFound indicates the client ID is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrClientExists indicates a client ID collision on registration
	ErrClientExists = errors.New("client already exists")

	// ErrInvalidClientSecret indicates the presented secret does not match
	ErrInvalidClientSecret = errors.New("invalid client credentials")

	// ErrTokenNotFound indicates the token or grant is not in the store
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token or grant is past its expiry
	ErrTokenExpired = errors.New("token expired")

	// ErrAuthorizationCodeNotFound indicates the code is not in the store
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeUsed indicates the code was already exchanged (reuse detected)
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")
)

// IsNotFoundError reports whether err is one of the not-found sentinels.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrAuthorizationCodeNotFound)
}
