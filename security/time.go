package security

import "time"

// DefaultClockSkewGracePeriod is the default grace period for expiry checks.
// Tokens and codes are only treated as expired once they are past their
// expiry by more than this amount.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks if a token is expired with the default grace period
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks if a token is expired with a custom grace period.
// A zero expiresAt never expires.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	return IsExpiredAt(expiresAt, time.Now(), gracePeriod)
}

// IsExpiredAt reports whether expiresAt lies more than gracePeriod before now.
func IsExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
