package session

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
)

// Keys used in the session-scoped store.
const (
	KeyID           = "posguard.session_id"
	KeyDigest       = "posguard.session_digest"
	KeyLastActivity = "posguard.last_activity"
)

// Tracker owns the per-browser-session identifier, the last-activity mark and
// the stored integrity digest. The identifier is generated once and reused
// until Reissue.
type Tracker struct {
	mu     sync.Mutex
	kv     KV
	clock  clock.Clock
	logger *slog.Logger
}

// NewTracker creates a Tracker backed by kv.
func NewTracker(kv KV, clk clock.Clock, logger *slog.Logger) *Tracker {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{kv: kv, clock: clk, logger: logger}
}

// ID returns the current identifier, generating one on first use.
func (t *Tracker) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.kv.Get(KeyID); ok && id != "" {
		return id
	}
	return t.issueLocked()
}

// Reissue replaces the identifier with a new one and returns it.
func (t *Tracker) Reissue() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.issueLocked()
}

func (t *Tracker) issueLocked() string {
	now := t.clock.Now()
	id, err := NewID(now)
	if err != nil {
		// crypto/rand failure: fall back to a time-only identifier, which
		// still parses and ages out normally.
		t.logger.Error("session id generation failed", "error", err)
		id = idPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "_000000000"
	}
	if err := t.kv.Set(KeyID, id); err != nil {
		t.logger.Warn("failed to persist session id", "error", err)
	}
	t.setActivityLocked(now)
	return id
}

// MarkActivity records now as the last activity time.
func (t *Tracker) MarkActivity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setActivityLocked(t.clock.Now())
}

func (t *Tracker) setActivityLocked(now time.Time) {
	if err := t.kv.Set(KeyLastActivity, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		t.logger.Warn("failed to persist activity mark", "error", err)
	}
}

// LastActivity returns the last activity time, or the zero time if none.
func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, ok := t.kv.Get(KeyLastActivity)
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Digest returns the stored integrity digest.
func (t *Tracker) Digest() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kv.Get(KeyDigest)
}

// SetDigest stores the integrity digest.
func (t *Tracker) SetDigest(d string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.kv.Set(KeyDigest, d); err != nil {
		t.logger.Warn("failed to persist session digest", "error", err)
	}
}

// ClearDigest removes the stored digest.
func (t *Tracker) ClearDigest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.kv.Delete(KeyDigest); err != nil {
		t.logger.Warn("failed to clear session digest", "error", err)
	}
}
