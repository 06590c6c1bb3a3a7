package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
	"github.com/Sentinel-Gate/posguard/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
	"github.com/Sentinel-Gate/posguard/internal/domain/session"
)

// Monitor thresholds and intervals.
const (
	SecurityInterval = 5 * time.Second
	TimeoutInterval  = 60 * time.Second

	VolumeWindow    = 60 * time.Second
	VolumeThreshold = 100

	BruteForceWindow    = 5 * time.Minute
	BruteForceThreshold = 5
	BruteForceBlock     = 15 * time.Minute

	InactivityTimeout = 30 * time.Minute
)

// Logout reasons passed to the OnLogout callback.
const (
	LogoutUser        = "user"
	LogoutTimeout     = "timeout"
	LogoutCompromised = "session_compromise"
)

// MonitorLog is the part of the security logger the monitor reads and writes.
type MonitorLog interface {
	Record(ctx context.Context, typ securitylog.EntryType, message string, metadata map[string]any) securitylog.LogEntry
	RecordThreat(ctx context.Context, in securitylog.ThreatInput) securitylog.ThreatEntry
	RecentCalls(window time.Duration) []securitylog.LogEntry
	FailedAuthAttempts(window time.Duration) []securitylog.FailedAuthAttempt
}

// MonitorLimiter is the part of the rate limiter the monitor drives.
type MonitorLimiter interface {
	DetectBurstPatterns() ratelimit.BurstReport
	Status() []ratelimit.Status
	ForceBlock(category ratelimit.Category, d time.Duration, reason string)
	Penalty(category ratelimit.Category) *ratelimit.Penalty
	Prune()
}

// SessionState is the session-scoped identity and bookkeeping the monitor owns.
type SessionState interface {
	ID() string
	Reissue() string
	LastActivity() time.Time
	MarkActivity()
	Digest() (string, bool)
	SetDigest(d string)
	ClearDigest()
}

// TokenClearer drops the anti-forgery token on logout.
type TokenClearer interface {
	Clear()
}

// SessionDeflagger removes a session from the suspicious set.
type SessionDeflagger interface {
	Remove(id string)
}

// Pruner drops expired state. It runs on the security tick.
type Pruner interface {
	Prune(now time.Time)
}

// MonitorDeps are the collaborators a Monitor needs.
type MonitorDeps struct {
	Log        MonitorLog
	Limiter    MonitorLimiter
	Sessions   session.Accessor
	State      SessionState
	Tokens     TokenClearer
	Suspicious SessionDeflagger
	Clock      clock.Clock
}

// Monitor runs the periodic security and inactivity checks for the current
// session.
type Monitor struct {
	deps   MonitorDeps
	logger *slog.Logger

	securityInterval time.Duration
	timeoutInterval  time.Duration
	inactivity       time.Duration
	alertCooldown    time.Duration
	onLogout         func(reason string)
	pruners          []Pruner

	ticks   metric.Int64Counter
	logouts metric.Int64Counter
	threats metric.Int64Counter

	mu          sync.Mutex
	status      []ratelimit.Status
	lastBurst   ratelimit.BurstReport
	lastAlerted map[string]time.Time

	stopChan chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithSecurityInterval overrides the security tick interval.
func WithSecurityInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.securityInterval = d
		}
	}
}

// WithTimeoutInterval overrides the inactivity tick interval.
func WithTimeoutInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.timeoutInterval = d
		}
	}
}

// WithInactivityTimeout overrides how long a session may stay idle.
func WithInactivityTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.inactivity = d
		}
	}
}

// WithAlertCooldown sets the minimum gap between repeated volume and burst
// alerts. Zero alerts on every tick.
func WithAlertCooldown(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.alertCooldown = d }
}

// WithOnLogout registers a callback invoked after every logout.
func WithOnLogout(fn func(reason string)) MonitorOption {
	return func(m *Monitor) { m.onLogout = fn }
}

// WithPruners adds state that is pruned on every security tick.
func WithPruners(p ...Pruner) MonitorOption {
	return func(m *Monitor) { m.pruners = append(m.pruners, p...) }
}

// WithMeter sets the OpenTelemetry meter used for monitor counters.
func WithMeter(meter metric.Meter) MonitorOption {
	return func(m *Monitor) { m.initInstruments(meter) }
}

// NewMonitor creates a Monitor. Start must be called to launch the loops.
func NewMonitor(deps MonitorDeps, logger *slog.Logger, opts ...MonitorOption) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	m := &Monitor{
		deps:             deps,
		logger:           logger,
		securityInterval: SecurityInterval,
		timeoutInterval:  TimeoutInterval,
		inactivity:       InactivityTimeout,
		alertCooldown:    VolumeWindow,
		lastAlerted:      make(map[string]time.Time),
		stopChan:         make(chan struct{}),
	}
	m.initInstruments(otel.Meter("github.com/Sentinel-Gate/posguard/monitor"))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) initInstruments(meter metric.Meter) {
	var err error
	if m.ticks, err = meter.Int64Counter("posguard.monitor.ticks",
		metric.WithDescription("Monitor loop iterations by loop.")); err != nil {
		m.logger.Warn("monitor tick counter unavailable", "error", err)
	}
	if m.logouts, err = meter.Int64Counter("posguard.monitor.logouts",
		metric.WithDescription("Forced and voluntary logouts by reason.")); err != nil {
		m.logger.Warn("monitor logout counter unavailable", "error", err)
	}
	if m.threats, err = meter.Int64Counter("posguard.monitor.threats",
		metric.WithDescription("Threats raised by the monitor by type.")); err != nil {
		m.logger.Warn("monitor threat counter unavailable", "error", err)
	}
}

func (m *Monitor) count(ctx context.Context, c metric.Int64Counter, key, value string) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String(key, value)))
}

// Start launches the security and inactivity loops. They stop when ctx is
// cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.loop(ctx, "security", m.securityInterval, m.SecurityTick)
	go m.loop(ctx, "timeout", m.timeoutInterval, m.TimeoutTick)
}

func (m *Monitor) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.count(ctx, m.ticks, "loop", name)
			tick(ctx)
		}
	}
}

// Stop halts both loops and waits for them to exit. It is idempotent.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}

// SecurityTick runs one pass of the volume, brute force, burst and integrity
// checks and refreshes the cached rate limit status.
func (m *Monitor) SecurityTick(ctx context.Context) {
	now := m.deps.Clock.Now()

	m.checkVolume(ctx, now)
	m.checkBruteForce(ctx)
	m.checkBursts(ctx, now)

	m.deps.Limiter.Prune()
	for _, p := range m.pruners {
		p.Prune(now)
	}

	status := m.deps.Limiter.Status()
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()

	m.checkIntegrity(ctx)
}

func (m *Monitor) checkVolume(ctx context.Context, now time.Time) {
	calls := 0
	for _, e := range m.deps.Log.RecentCalls(VolumeWindow) {
		if e.Type == securitylog.TypeAPICall || e.Type == securitylog.TypeAPIError {
			calls++
		}
	}
	if calls <= VolumeThreshold || !m.claimAlert("volume", now) {
		return
	}
	m.raise(ctx, securitylog.ThreatInput{
		Type:     securitylog.ThreatHighFrequency,
		Severity: securitylog.SeverityHigh,
		Details: map[string]any{
			"calls":     calls,
			"window":    VolumeWindow.String(),
			"threshold": VolumeThreshold,
		},
	})
}

func (m *Monitor) checkBruteForce(ctx context.Context) {
	failed := len(m.deps.Log.FailedAuthAttempts(BruteForceWindow))
	if failed <= BruteForceThreshold {
		return
	}
	// Already blocked by an earlier tick.
	if p := m.deps.Limiter.Penalty(ratelimit.CategoryAuth); p != nil && p.Forced {
		return
	}
	m.raise(ctx, securitylog.ThreatInput{
		Type:     securitylog.ThreatBruteForce,
		Severity: securitylog.SeverityCritical,
		Details: map[string]any{
			"failed_attempts": failed,
			"window":          BruteForceWindow.String(),
			"blocked_for":     BruteForceBlock.String(),
		},
	})
	m.deps.Log.Record(ctx, securitylog.TypeBruteForce,
		fmt.Sprintf("%d failed sign-ins in %s, auth blocked for %s", failed, BruteForceWindow, BruteForceBlock),
		map[string]any{"failed_attempts": failed})
	m.deps.Limiter.ForceBlock(ratelimit.CategoryAuth, BruteForceBlock, "brute force protection")
	m.logger.Warn("brute force detected, auth blocked", "failed_attempts", failed, "block", BruteForceBlock)
}

func (m *Monitor) checkBursts(ctx context.Context, now time.Time) {
	report := m.deps.Limiter.DetectBurstPatterns()
	m.mu.Lock()
	m.lastBurst = report
	m.mu.Unlock()

	if !report.Detected() || !m.claimAlert("burst", now) {
		return
	}
	categories := make(map[string]any, len(report.Categories))
	for c, n := range report.Categories {
		categories[string(c)] = n
	}
	m.deps.Log.Record(ctx, securitylog.TypeBurstPattern, "burst traffic pattern detected", map[string]any{
		"categories":     categories,
		"system_flagged": report.SystemFlagged,
		"system_count":   report.SystemCount,
	})
}

func (m *Monitor) checkIntegrity(ctx context.Context) {
	sess, ok := m.deps.Sessions.Current()
	if !ok || sess == nil {
		return
	}
	digest, err := session.Digest(sess)
	if err != nil {
		m.logger.Error("session digest failed", "error", err)
		return
	}
	stored, ok := m.deps.State.Digest()
	if !ok {
		m.deps.State.SetDigest(digest)
		return
	}
	if stored == digest {
		return
	}

	m.raise(ctx, securitylog.ThreatInput{
		Type:     securitylog.ThreatSessionCompromise,
		Severity: securitylog.SeverityCritical,
		Details: map[string]any{
			"user_id":  sess.UserID,
			"store_id": sess.StoreID,
		},
	})
	m.deps.Log.Record(ctx, securitylog.TypeSessionCompromise, "session data changed outside sign-in", map[string]any{
		"user_id": sess.UserID,
	})
	m.Logout(ctx, LogoutCompromised)
}

// TimeoutTick logs the session out when it has been idle longer than the
// inactivity timeout.
func (m *Monitor) TimeoutTick(ctx context.Context) {
	if _, ok := m.deps.Sessions.Current(); !ok {
		return
	}
	last := m.deps.State.LastActivity()
	if last.IsZero() {
		m.deps.State.MarkActivity()
		return
	}
	idle := m.deps.Clock.Now().Sub(last)
	if idle <= m.inactivity {
		return
	}
	m.deps.Log.Record(ctx, securitylog.TypeSessionTimeout, "session timed out after inactivity", map[string]any{
		"idle": idle.Round(time.Second).String(),
	})
	m.Logout(ctx, LogoutTimeout)
}

// Bind records the integrity digest for a freshly signed-in session.
func (m *Monitor) Bind(sess *session.Session) error {
	digest, err := session.Digest(sess)
	if err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	m.deps.State.SetDigest(digest)
	m.deps.State.MarkActivity()
	return nil
}

// Logout clears the token, the session and its digest, removes the session
// from the suspicious set and issues a fresh session id.
func (m *Monitor) Logout(ctx context.Context, reason string) {
	oldID := m.deps.State.ID()

	m.deps.Log.Record(ctx, securitylog.TypeLogout, "session ended: "+reason, map[string]any{
		"reason": reason,
	})

	if m.deps.Tokens != nil {
		m.deps.Tokens.Clear()
	}
	m.deps.Sessions.Clear()
	m.deps.State.ClearDigest()
	if m.deps.Suspicious != nil {
		m.deps.Suspicious.Remove(oldID)
	}
	newID := m.deps.State.Reissue()

	m.count(ctx, m.logouts, "reason", reason)
	m.logger.Info("session logged out", "reason", reason, "old_session", oldID, "new_session", newID)

	if m.onLogout != nil {
		m.onLogout(reason)
	}
}

// RateLimitStatus returns the status cached by the last security tick.
func (m *Monitor) RateLimitStatus() []ratelimit.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ratelimit.Status, len(m.status))
	copy(out, m.status)
	return out
}

// BurstReport returns the report produced by the last security tick.
func (m *Monitor) BurstReport() ratelimit.BurstReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBurst
}

func (m *Monitor) raise(ctx context.Context, in securitylog.ThreatInput) {
	m.deps.Log.RecordThreat(ctx, in)
	m.count(ctx, m.threats, "type", string(in.Type))
}

// claimAlert reports whether an alert of kind may fire at now, and if so
// starts its cooldown.
func (m *Monitor) claimAlert(kind string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastAlerted[kind]; ok && now.Sub(last) < m.alertCooldown {
		return false
	}
	m.lastAlerted[kind] = now
	return true
}
