package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
	"github.com/Sentinel-Gate/posguard/internal/domain/session"
)

// DefaultCleanupInterval is how often an expired session is dropped.
const DefaultCleanupInterval = 1 * time.Minute

// SessionHolder keeps the one authenticated session of this client.
// Thread-safe. A background cleanup goroutine drops the session once its
// access token has expired.
type SessionHolder struct {
	mu              sync.RWMutex
	sess            *session.Session
	clock           clock.Clock
	stopChan        chan struct{}
	wg              sync.WaitGroup
	cleanupInterval time.Duration
	once            sync.Once
}

// NewSessionHolder creates an empty holder with the default cleanup interval.
func NewSessionHolder(clk clock.Clock) *SessionHolder {
	return NewSessionHolderWithConfig(clk, DefaultCleanupInterval)
}

// NewSessionHolderWithConfig creates an empty holder with a custom cleanup interval.
func NewSessionHolderWithConfig(clk clock.Clock, cleanupInterval time.Duration) *SessionHolder {
	if clk == nil {
		clk = clock.System{}
	}
	return &SessionHolder{
		clock:           clk,
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
}

// StartCleanup starts the background cleanup goroutine.
// Call Stop() to stop it gracefully.
func (h *SessionHolder) StartCleanup(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopChan:
				return
			case <-ticker.C:
				h.cleanup()
			}
		}
	}()
}

func (h *SessionHolder) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess != nil && h.sess.IsExpired(h.clock.Now()) {
		slog.Debug("dropped expired session", "user_id", h.sess.UserID)
		h.sess = nil
	}
}

// Stop stops the background cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (h *SessionHolder) Stop() {
	h.once.Do(func() {
		close(h.stopChan)
	})
	h.wg.Wait()
}

// Set replaces the current session.
func (h *SessionHolder) Set(sess *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess == nil {
		h.sess = nil
		return
	}
	cp := *sess
	h.sess = &cp
}

// Current returns a copy of the session. An expired session is reported
// as absent but only removed by cleanup.
func (h *SessionHolder) Current() (*session.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.sess == nil || h.sess.IsExpired(h.clock.Now()) {
		return nil, false
	}
	cp := *h.sess
	return &cp, true
}

// Clear removes the session.
func (h *SessionHolder) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sess = nil
}

// Compile-time interface verification.
var _ session.Accessor = (*SessionHolder)(nil)
