package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for token
	// expiration checks. It prevents false expiration errors caused by time
	// synchronization differences between systems. 5 seconds covers typical
	// NTP drift while keeping the effective lifetime extension negligible.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsTokenExpired checks if a token is expired with the default clock skew grace period
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks if a token is expired with a custom grace period
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false // no expiration
	}

	return time.Now().After(expiresAt.Add(gracePeriod))
}
