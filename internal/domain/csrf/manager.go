package csrf

import (
	"context"
	"crypto/hmac"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
)

const (
	keyValue    = "posguard.csrf_token"
	keyIssuedAt = "posguard.csrf_issued_at"
)

// Manager issues, rotates and validates the anti-forgery token.
// It is safe for concurrent use.
type Manager struct {
	mu              sync.Mutex
	store           Store
	mirror          MirrorStore
	clock           clock.Clock
	logger          *slog.Logger
	lifetime        time.Duration
	refreshInterval time.Duration

	stopChan chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLifetime overrides the token lifetime.
func WithLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lifetime = d
		}
	}
}

// WithRefreshInterval overrides the background refresh period.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshInterval = d
		}
	}
}

// NewManager creates a Manager over the given stores.
func NewManager(store Store, mirror MirrorStore, clk clock.Clock, logger *slog.Logger, opts ...Option) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:           store,
		mirror:          mirror,
		clock:           clk,
		logger:          logger,
		lifetime:        Lifetime,
		refreshInterval: RefreshInterval,
		stopChan:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue creates a new token and writes it to both stores.
func (m *Manager) Issue() (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issueLocked()
}

func (m *Manager) issueLocked() (Token, error) {
	value, err := generateValue()
	if err != nil {
		return Token{}, err
	}
	tok := Token{Value: value, IssuedAt: m.clock.Now()}

	if err := m.store.Set(keyValue, tok.Value); err != nil {
		return Token{}, err
	}
	if err := m.store.Set(keyIssuedAt, strconv.FormatInt(tok.IssuedAt.UnixMilli(), 10)); err != nil {
		return Token{}, err
	}
	// A token is stale only past the lifetime, so the mirror must still be
	// readable at exactly IssuedAt+lifetime.
	if err := m.mirror.Write(tok.Value, tok.IssuedAt.Add(m.lifetime+time.Millisecond)); err != nil {
		return Token{}, err
	}
	m.logger.Debug("csrf token issued", "issued_at", tok.IssuedAt)
	return tok, nil
}

// loadLocked reads the primary copy.
func (m *Manager) loadLocked() (Token, bool) {
	value, ok := m.store.Get(keyValue)
	if !ok || value == "" {
		return Token{}, false
	}
	raw, ok := m.store.Get(keyIssuedAt)
	if !ok {
		return Token{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Token{}, false
	}
	return Token{Value: value, IssuedAt: time.UnixMilli(ms)}, true
}

// Current returns the active token, reissuing it when absent or stale.
func (m *Manager) Current() (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.loadLocked()
	if ok && !tok.IsStale(m.clock.Now(), m.lifetime) {
		return tok, nil
	}
	return m.issueLocked()
}

// Validate reports whether candidate matches the stored token, the stored
// token is fresh, and candidate matches the mirrored copy.
func (m *Manager) Validate(candidate string) bool {
	if candidate == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.loadLocked()
	if !ok || tok.IsStale(m.clock.Now(), m.lifetime) {
		return false
	}
	if !hmac.Equal([]byte(candidate), []byte(tok.Value)) {
		return false
	}
	mirrored, ok := m.mirror.Read()
	if !ok {
		return false
	}
	return hmac.Equal([]byte(candidate), []byte(mirrored))
}

// Clear removes both copies. Calling Clear repeatedly is safe.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(keyValue); err != nil {
		m.logger.Warn("failed to delete csrf token", "error", err)
	}
	if err := m.store.Delete(keyIssuedAt); err != nil {
		m.logger.Warn("failed to delete csrf issuance time", "error", err)
	}
	if err := m.mirror.Remove(); err != nil {
		m.logger.Warn("failed to remove csrf mirror", "error", err)
	}
}

// State returns the lifecycle state of the stored token.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.loadLocked()
	switch {
	case !ok:
		return StateUninitialized
	case tok.IsStale(m.clock.Now(), m.lifetime):
		return StateExpired
	default:
		return StateActive
	}
}

// OnForeground reissues the token if it is older than the refresh interval.
// It returns true when a new token was issued.
func (m *Manager) OnForeground() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.loadLocked()
	if ok && tok.Age(m.clock.Now()) <= m.refreshInterval {
		return false, nil
	}
	if _, err := m.issueLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// StartRefresh reissues the token every refresh interval until ctx is
// cancelled or Stop is called.
func (m *Manager) StartRefresh(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-ticker.C:
				if _, err := m.Issue(); err != nil {
					m.logger.Error("csrf token refresh failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the refresh goroutine and waits for it to exit.
func (m *Manager) Stop() {
	m.once.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}
