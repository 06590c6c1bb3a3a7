package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Digest returns a short, non-cryptographic fingerprint of the serialized
// session. It detects in-place tampering of the stored session object; it is
// not a security boundary.
func Digest(s *Session) (string, error) {
	if s == nil {
		return "", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}

// Claims are the application claims carried in the backend access token.
type Claims struct {
	Email   string `json:"email"`
	Role    string `json:"role"`
	StoreID string `json:"store_id"`
	jwt.RegisteredClaims
}

// FromAccessToken builds a Session from the claims of a backend access token.
// The signature is NOT verified: the client has no key and the backend
// re-checks every request. Claims are only used for local scoping decisions.
func FromAccessToken(token string) (*Session, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}

	role := Role(strings.ToLower(claims.Role))
	if !role.IsValid() {
		role = RoleWorker
	}

	s := &Session{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Role:        role,
		StoreID:     claims.StoreID,
		AccessToken: token,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return s, nil
}
