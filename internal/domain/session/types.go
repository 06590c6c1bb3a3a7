// Package session models the authenticated POS session, the per-browser
// session identifier, and the set of sessions flagged as suspicious.
package session

import (
	"time"
)

// Role is the caller's role within the retail organisation.
type Role string

const (
	// RoleAdmin has access to every store.
	RoleAdmin Role = "admin"
	// RoleManager manages one or more stores.
	RoleManager Role = "manager"
	// RoleWorker is scoped to a single assigned store.
	RoleWorker Role = "worker"
)

// IsValid returns true if the role is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleWorker:
		return true
	default:
		return false
	}
}

// Session is the authenticated session handed out by the backend.
// Field order matters: the integrity digest is computed over its JSON form.
type Session struct {
	// UserID is the backend user identifier.
	UserID string `json:"user_id"`
	// Email is the login email.
	Email string `json:"email"`
	// Role is the caller's role.
	Role Role `json:"role"`
	// StoreID is the store a worker is assigned to. Empty for unrestricted roles.
	StoreID string `json:"store_id,omitempty"`
	// AccessToken is the bearer token presented to the backend.
	AccessToken string `json:"access_token"`
	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired checks whether the access token has expired at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Accessor exposes the current authenticated session.
type Accessor interface {
	// Current returns the active session, or false when signed out.
	Current() (*Session, bool)
	// Clear signs the session out locally.
	Clear()
}

// KV is a session-scoped string store (the browser's sessionStorage analogue).
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}
