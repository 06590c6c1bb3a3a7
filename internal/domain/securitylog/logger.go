package securitylog

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Sentinel-Gate/posguard/internal/ctxkey"
	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
)

const (
	// DefaultLogCap is the maximum number of log entries retained.
	DefaultLogCap = 1000
	// DefaultThreatCap is the maximum number of threats retained.
	DefaultThreatCap = 100
	// DefaultFailedAuthCap is the maximum number of failed auth attempts retained.
	DefaultFailedAuthCap = 200
	// FailedAuthWindow is how long failed auth attempts are retained.
	FailedAuthWindow = 24 * time.Hour

	unknownCaller = "unknown"
)

// Logger is the security event log. It is safe for concurrent use.
type Logger struct {
	mu      sync.Mutex
	logs    []LogEntry
	threats []ThreatEntry
	failed  []FailedAuthAttempt
	entropy *ulid.MonotonicEntropy

	storage   Storage
	forwarder Forwarder
	identity  Identity
	originURL string
	clock     clock.Clock
	logger    *slog.Logger

	logCap    int
	threatCap int
	failedCap int
}

// Option configures a Logger.
type Option func(*Logger)

// WithStorage sets the durable storage. Without it nothing is persisted.
func WithStorage(s Storage) Option {
	return func(l *Logger) { l.storage = s }
}

// WithForwarder sets where critical events are forwarded.
func WithForwarder(f Forwarder) Option {
	return func(l *Logger) { l.forwarder = f }
}

// WithIdentity sets the session identifier source.
func WithIdentity(id Identity) Option {
	return func(l *Logger) { l.identity = id }
}

// WithOriginURL sets the origin URL stamped on every entry.
func WithOriginURL(u string) Option {
	return func(l *Logger) { l.originURL = u }
}

// WithCapacities overrides the retention caps. Non-positive values keep the default.
func WithCapacities(logs, threats, failedAuth int) Option {
	return func(l *Logger) {
		if logs > 0 {
			l.logCap = logs
		}
		if threats > 0 {
			l.threatCap = threats
		}
		if failedAuth > 0 {
			l.failedCap = failedAuth
		}
	}
}

// NewLogger creates an empty Logger. Call Load to restore persisted state.
func NewLogger(clk clock.Clock, logger *slog.Logger, opts ...Option) *Logger {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		entropy:   ulid.Monotonic(rand.Reader, 0),
		clock:     clk,
		logger:    logger,
		logCap:    DefaultLogCap,
		threatCap: DefaultThreatCap,
		failedCap: DefaultFailedAuthCap,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends a log entry, persists the log and forwards critical types.
func (l *Logger) Record(ctx context.Context, typ EntryType, message string, metadata map[string]any) LogEntry {
	l.mu.Lock()
	entry := l.appendLogLocked(ctx, typ, message, metadata)
	l.persistLocked(ctx)
	l.mu.Unlock()

	if typ.IsCritical() {
		l.forward(Event{Log: &entry})
	}
	return entry
}

// RecordThreat stores a threat, mirrors it as a THREAT_DETECTED log entry and
// always forwards it. The mirrored log entry is not forwarded separately.
func (l *Logger) RecordThreat(ctx context.Context, in ThreatInput) ThreatEntry {
	if in.Severity == "" {
		in.Severity = SeverityMedium
	}

	l.mu.Lock()
	now := l.clock.Now()
	threat := ThreatEntry{
		ID:        l.newIDLocked(now),
		Timestamp: now,
		Type:      in.Type,
		Severity:  in.Severity,
		Details:   copyMap(in.Details),
		SessionID: l.sessionID(),
	}
	l.threats = appendCapped(l.threats, threat, l.threatCap)

	meta := copyMap(in.Details)
	meta["threat_id"] = threat.ID
	meta["threat_type"] = string(threat.Type)
	meta["severity"] = string(threat.Severity)
	l.appendLogLocked(ctx, TypeThreatDetected, string(threat.Type), meta)
	l.persistLocked(ctx)
	l.mu.Unlock()

	l.forward(Event{Threat: &threat})
	return threat
}

// RecordFailedAuth stores a failed login with the credential masked and logs a
// LOGIN_FAILED entry.
func (l *Logger) RecordFailedAuth(ctx context.Context, credential, storeContext, errMsg string) FailedAuthAttempt {
	l.mu.Lock()
	now := l.clock.Now()
	attempt := FailedAuthAttempt{
		ID:               l.newIDLocked(now),
		Timestamp:        now,
		MaskedCredential: MaskCredential(credential),
		StoreContext:     storeContext,
		Error:            errMsg,
		SessionID:        l.sessionID(),
	}
	l.failed = pruneBefore(l.failed, now.Add(-FailedAuthWindow), func(a FailedAuthAttempt) time.Time { return a.Timestamp })
	l.failed = appendCapped(l.failed, attempt, l.failedCap)

	entry := l.appendLogLocked(ctx, TypeLoginFailed, "authentication failed", map[string]any{
		"credential":    attempt.MaskedCredential,
		"store_context": storeContext,
		"error":         errMsg,
	})
	l.persistLocked(ctx)
	l.mu.Unlock()

	l.forward(Event{Log: &entry})
	return attempt
}

// Clear wipes logs, threats and failed auth attempts and persists the empty state.
func (l *Logger) Clear(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logs = nil
	l.threats = nil
	l.failed = nil
	l.persistLocked(ctx)
	l.logger.Info("security log cleared")
}

// Load restores state from storage. A missing snapshot is not an error.
func (l *Logger) Load(ctx context.Context) error {
	if l.storage == nil {
		return nil
	}
	snap, err := l.storage.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = keepLast(snap.Logs, l.logCap)
	l.threats = keepLast(snap.Threats, l.threatCap)
	cutoff := l.clock.Now().Add(-FailedAuthWindow)
	l.failed = keepLast(pruneBefore(snap.FailedAuth, cutoff, func(a FailedAuthAttempt) time.Time { return a.Timestamp }), l.failedCap)
	l.logger.Debug("security log loaded",
		"logs", len(l.logs),
		"threats", len(l.threats),
		"failed_auth", len(l.failed),
	)
	return nil
}

// Snapshot returns a copy of the current state.
func (l *Logger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Logger) snapshotLocked() Snapshot {
	return Snapshot{
		Logs:       append([]LogEntry(nil), l.logs...),
		Threats:    append([]ThreatEntry(nil), l.threats...),
		FailedAuth: append([]FailedAuthAttempt(nil), l.failed...),
	}
}

func (l *Logger) appendLogLocked(ctx context.Context, typ EntryType, message string, metadata map[string]any) LogEntry {
	now := l.clock.Now()
	meta := copyMap(metadata)
	meta[MetaSessionID] = l.sessionID()
	meta[MetaOriginURL] = l.originURL
	if caller, ok := ctx.Value(ctxkey.CallerKey{}).(string); ok && caller != "" {
		meta[MetaCaller] = caller
	} else if _, ok := meta[MetaCaller]; !ok {
		meta[MetaCaller] = unknownCaller
	}

	entry := LogEntry{
		ID:        l.newIDLocked(now),
		Timestamp: now,
		Type:      typ,
		Message:   message,
		Metadata:  meta,
	}
	l.logs = appendCapped(l.logs, entry, l.logCap)
	return entry
}

// persistLocked saves the snapshot. On failure every list is cut to its most
// recent half and the save is retried once.
func (l *Logger) persistLocked(ctx context.Context) {
	if l.storage == nil {
		return
	}
	err := l.storage.Save(ctx, l.snapshotLocked())
	if err == nil {
		return
	}
	l.logger.Warn("security log persist failed, shrinking", "error", err, "logs", len(l.logs))

	l.logs = keepLast(l.logs, len(l.logs)/2)
	l.threats = keepLast(l.threats, len(l.threats)/2)
	l.failed = keepLast(l.failed, len(l.failed)/2)
	if err := l.storage.Save(ctx, l.snapshotLocked()); err != nil {
		l.logger.Warn("security log persist retry failed", "error", err, "logs", len(l.logs))
	}
}

func (l *Logger) forward(ev Event) {
	if l.forwarder == nil {
		return
	}
	l.forwarder.Forward(ev)
}

func (l *Logger) sessionID() string {
	if l.identity == nil {
		return ""
	}
	return l.identity.ID()
}

func (l *Logger) newIDLocked(t time.Time) string {
	id, err := ulid.New(ulid.Timestamp(t), l.entropy)
	if err != nil {
		// Monotonic entropy overflows only after 2^80 ids in one millisecond.
		// Reset the source and try again.
		l.entropy = ulid.Monotonic(rand.Reader, 0)
		id = ulid.MustNew(ulid.Timestamp(t), l.entropy)
	}
	return id.String()
}

// appendCapped appends v and drops the oldest entries beyond max.
func appendCapped[T any](s []T, v T, max int) []T {
	if len(s) >= max {
		copy(s, s[len(s)-max+1:])
		s = s[:max-1]
	}
	return append(s, v)
}

// keepLast returns the last n elements of s.
func keepLast[T any](s []T, n int) []T {
	if n < 0 {
		n = 0
	}
	if len(s) <= n {
		return s
	}
	out := make([]T, n)
	copy(out, s[len(s)-n:])
	return out
}

// pruneBefore drops leading elements whose time is before cutoff. s must be
// ordered by time.
func pruneBefore[T any](s []T, cutoff time.Time, at func(T) time.Time) []T {
	i := 0
	for i < len(s) && at(s[i]).Before(cutoff) {
		i++
	}
	if i == 0 {
		return s
	}
	return append(s[:0], s[i:]...)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+3)
	for k, v := range m {
		out[k] = v
	}
	return out
}
