package memory

import (
	"net/http"
	"sync"
	"time"

	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
	"github.com/Sentinel-Gate/posguard/internal/domain/csrf"
)

// DefaultCookieName is the name of the mirrored anti-forgery cookie.
const DefaultCookieName = "posguard_csrf"

// CookieMirror keeps the mirrored anti-forgery token as a strict, secure
// cookie. The cookie is held in memory and handed to whoever needs to
// send or set it.
type CookieMirror struct {
	mu     sync.Mutex
	cookie *http.Cookie
	name   string
	path   string
	domain string
	clock  clock.Clock
}

// CookieOption configures a CookieMirror.
type CookieOption func(*CookieMirror)

// WithCookieName overrides the cookie name.
func WithCookieName(name string) CookieOption {
	return func(m *CookieMirror) {
		if name != "" {
			m.name = name
		}
	}
}

// WithCookieDomain sets the cookie domain.
func WithCookieDomain(domain string) CookieOption {
	return func(m *CookieMirror) { m.domain = domain }
}

// NewCookieMirror creates an empty CookieMirror.
func NewCookieMirror(clk clock.Clock, opts ...CookieOption) *CookieMirror {
	if clk == nil {
		clk = clock.System{}
	}
	m := &CookieMirror{name: DefaultCookieName, path: "/", clock: clk}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Read returns the mirrored value when present and not expired.
func (m *CookieMirror) Read() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cookie == nil {
		return "", false
	}
	if !m.clock.Now().Before(m.cookie.Expires) {
		m.cookie = nil
		return "", false
	}
	return m.cookie.Value, true
}

// Write stores value until expires.
func (m *CookieMirror) Write(value string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cookie = &http.Cookie{
		Name:     m.name,
		Value:    value,
		Path:     m.path,
		Domain:   m.domain,
		Expires:  expires,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
	return nil
}

// Remove deletes the mirrored value.
func (m *CookieMirror) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cookie = nil
	return nil
}

// Cookie returns a copy of the current cookie. When nothing is mirrored it
// returns an expiring cookie that clears any copy the browser still holds.
func (m *CookieMirror) Cookie() *http.Cookie {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cookie != nil && m.clock.Now().Before(m.cookie.Expires) {
		c := *m.cookie
		return &c
	}
	return &http.Cookie{
		Name:     m.name,
		Path:     m.path,
		Domain:   m.domain,
		MaxAge:   -1,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}

var _ csrf.MirrorStore = (*CookieMirror)(nil)
