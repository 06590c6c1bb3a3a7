// Package csrf manages the anti-forgery token attached to state-changing
// backend requests, using the double-submit pattern: a primary copy in the
// session-scoped store and a mirrored copy in a strict cookie.
package csrf

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// Lifetime is how long a token stays valid after issuance.
	Lifetime = time.Hour
	// RefreshInterval is the unconditional reissue period and the foreground
	// idle threshold.
	RefreshInterval = 30 * time.Minute
	// DefaultHeader is the request header carrying the token.
	DefaultHeader = "X-CSRF-Token"
	// FormField is the hidden form field carrying the token.
	FormField = "csrf_token"

	tokenBytes = 32
)

// State is the token manager lifecycle state.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateActive        State = "ACTIVE"
	StateExpired       State = "EXPIRED"
)

// Token is an issued anti-forgery token.
type Token struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}

// IsStale reports whether the token has outlived lifetime at now.
func (t Token) IsStale(now time.Time, lifetime time.Duration) bool {
	return now.Sub(t.IssuedAt) > lifetime
}

// Age returns how long ago the token was issued.
func (t Token) Age(now time.Time) time.Duration {
	return now.Sub(t.IssuedAt)
}

// generateValue returns 32 random bytes, hex encoded.
func generateValue() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Store is the session-scoped key/value store holding the primary copy.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// MirrorStore holds the mirrored copy compared during validation.
type MirrorStore interface {
	// Read returns the mirrored value if present and not expired.
	Read() (string, bool)
	// Write stores value until expires.
	Write(value string, expires time.Time) error
	// Remove deletes the mirrored value. Removing twice is not an error.
	Remove() error
}
