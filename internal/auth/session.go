package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// SessionDuration is the default absolute session lifetime (10 hours)
	SessionDuration = 10 * time.Hour

	// TokenLength is the length of generated session tokens in bytes
	TokenLength = 32
)

// GenerateSessionToken generates a cryptographically secure random session token.
// Returns: token (hex string, sent to the client), token hash (SHA256 hex, stored), error
func GenerateSessionToken() (string, string, error) {
	tokenBytes := make([]byte, TokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", fmt.Errorf("generate random token: %w", err)
	}

	token := hex.EncodeToString(tokenBytes)
	return token, HashToken(token), nil
}

// HashToken returns the SHA256 hex hash used to store and look up opaque tokens.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// SessionState is the subset of a stored session needed to decide validity.
type SessionState struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// ValidateSession returns ErrSessionExpired when the session is revoked or
// now is at or past its expiry.
func ValidateSession(s SessionState, now time.Time) error {
	if s.Revoked {
		return fmt.Errorf("%w: revoked", ErrSessionExpired)
	}
	if !now.Before(s.ExpiresAt) {
		return fmt.Errorf("%w: expired at %s", ErrSessionExpired, s.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// SlideExpiry returns the renewed expiry for a sliding session. The session is
// renewed once more than half of its lifetime has elapsed; otherwise the
// current expiry is kept and renewed is false.
func SlideExpiry(s SessionState, lifetime time.Duration, now time.Time) (expiresAt time.Time, renewed bool) {
	remaining := s.ExpiresAt.Sub(now)
	if remaining > lifetime/2 {
		return s.ExpiresAt, false
	}
	return now.Add(lifetime), true
}
