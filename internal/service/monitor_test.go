package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
	"github.com/Sentinel-Gate/posguard/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
	"github.com/Sentinel-Gate/posguard/internal/domain/session"
)

type mapKV struct {
	mu sync.Mutex
	m  map[string]string
}

func newMapKV() *mapKV {
	return &mapKV{m: make(map[string]string)}
}

func (k *mapKV) Get(key string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return v, ok
}

func (k *mapKV) Set(key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

func (k *mapKV) Delete(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

type holder struct {
	mu   sync.Mutex
	sess *session.Session
}

func (h *holder) Current() (*session.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess, h.sess != nil
}

func (h *holder) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sess = nil
}

func (h *holder) set(s *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sess = s
}

type countingTokens struct {
	cleared int
}

func (c *countingTokens) Clear() {
	c.cleared++
}

type monitorHarness struct {
	clock      *clock.Fake
	log        *securitylog.Logger
	limiter    *ratelimit.SlidingWindowLimiter
	tracker    *session.Tracker
	sessions   *holder
	tokens     *countingTokens
	suspicious *session.SuspiciousSet
	monitor    *Monitor
	logouts    []string
}

func newMonitorHarness(t *testing.T, opts ...MonitorOption) *monitorHarness {
	t.Helper()
	h := &monitorHarness{
		clock:      clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		sessions:   &holder{},
		tokens:     &countingTokens{},
		suspicious: session.NewSuspiciousSet(),
	}
	h.tracker = session.NewTracker(newMapKV(), h.clock, discardLogger())
	h.log = securitylog.NewLogger(h.clock, discardLogger(), securitylog.WithIdentity(h.tracker))
	h.limiter = ratelimit.NewSlidingWindowLimiter(nil, h.clock)

	opts = append([]MonitorOption{WithOnLogout(func(reason string) {
		h.logouts = append(h.logouts, reason)
	})}, opts...)
	h.monitor = NewMonitor(MonitorDeps{
		Log:        h.log,
		Limiter:    h.limiter,
		Sessions:   h.sessions,
		State:      h.tracker,
		Tokens:     h.tokens,
		Suspicious: h.suspicious,
		Clock:      h.clock,
	}, discardLogger(), opts...)
	return h
}

func (h *monitorHarness) countLogs(typ securitylog.EntryType) int {
	n := 0
	for _, e := range h.log.Snapshot().Logs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (h *monitorHarness) threatsOf(typ securitylog.ThreatType) []securitylog.ThreatEntry {
	var out []securitylog.ThreatEntry
	for _, th := range h.log.Snapshot().Threats {
		if th.Type == typ {
			out = append(out, th)
		}
	}
	return out
}

func testSession() *session.Session {
	return &session.Session{
		UserID:      "u-1",
		Email:       "cashier@example.com",
		Role:        session.RoleWorker,
		StoreID:     "store-1",
		AccessToken: "token",
	}
}

func TestMonitor_HighVolume(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		calls int
		want  int
	}{
		{"at threshold", VolumeThreshold, 0},
		{"above threshold", VolumeThreshold + 1, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newMonitorHarness(t)
			ctx := context.Background()
			for i := 0; i < tt.calls; i++ {
				h.log.Record(ctx, securitylog.TypeAPICall, "sales.select", nil)
			}
			h.monitor.SecurityTick(ctx)

			threats := h.threatsOf(securitylog.ThreatHighFrequency)
			if len(threats) != tt.want {
				t.Fatalf("high frequency threats = %d, want %d", len(threats), tt.want)
			}
			if tt.want == 1 && threats[0].Severity != securitylog.SeverityHigh {
				t.Errorf("severity = %s, want high", threats[0].Severity)
			}
		})
	}
}

func TestMonitor_HighVolumeCooldown(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	ctx := context.Background()
	for i := 0; i <= VolumeThreshold; i++ {
		h.log.Record(ctx, securitylog.TypeAPICall, "sales.select", nil)
	}

	h.monitor.SecurityTick(ctx)
	h.clock.Advance(SecurityInterval)
	h.monitor.SecurityTick(ctx)
	if got := len(h.threatsOf(securitylog.ThreatHighFrequency)); got != 1 {
		t.Errorf("threats within cooldown = %d, want 1", got)
	}
}

func TestMonitor_BruteForce(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	ctx := context.Background()
	for i := 0; i < BruteForceThreshold+1; i++ {
		h.log.RecordFailedAuth(ctx, "cashier@example.com", "store-1", "invalid credentials")
	}

	h.monitor.SecurityTick(ctx)

	threats := h.threatsOf(securitylog.ThreatBruteForce)
	if len(threats) != 1 || threats[0].Severity != securitylog.SeverityCritical {
		t.Fatalf("brute force threats = %+v", threats)
	}
	if h.countLogs(securitylog.TypeBruteForce) != 1 {
		t.Error("missing BRUTE_FORCE_ATTEMPT log entry")
	}
	p := h.limiter.Penalty(ratelimit.CategoryAuth)
	if p == nil || !p.Forced {
		t.Fatalf("auth penalty = %+v, want forced block", p)
	}
	if got := p.BlockedUntil.Sub(h.clock.Now()); got != BruteForceBlock {
		t.Errorf("block duration = %v, want %v", got, BruteForceBlock)
	}

	// A second tick while blocked does not raise again.
	h.clock.Advance(SecurityInterval)
	h.monitor.SecurityTick(ctx)
	if got := len(h.threatsOf(securitylog.ThreatBruteForce)); got != 1 {
		t.Errorf("threats after second tick = %d, want 1", got)
	}
}

func TestMonitor_BruteForceBelowThreshold(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	ctx := context.Background()
	for i := 0; i < BruteForceThreshold; i++ {
		h.log.RecordFailedAuth(ctx, "cashier@example.com", "store-1", "invalid credentials")
	}
	h.monitor.SecurityTick(ctx)

	if p := h.limiter.Penalty(ratelimit.CategoryAuth); p != nil {
		t.Errorf("unexpected auth penalty %+v", p)
	}
}

func TestMonitor_BurstAndStatus(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	ctx := context.Background()
	for i := 0; i < ratelimit.BurstThreshold+1; i++ {
		h.limiter.Allow(ratelimit.CategorySearch)
	}

	h.monitor.SecurityTick(ctx)

	if h.countLogs(securitylog.TypeBurstPattern) != 1 {
		t.Error("missing BURST_PATTERN_DETECTED entry")
	}
	if got := h.monitor.BurstReport().Categories[ratelimit.CategorySearch]; got != ratelimit.BurstThreshold+1 {
		t.Errorf("burst count = %d", got)
	}
	if len(h.threatsOf(securitylog.ThreatHighFrequency)) != 0 {
		t.Error("burst must stay advisory")
	}

	var search *ratelimit.Status
	for _, s := range h.monitor.RateLimitStatus() {
		if s.Category == ratelimit.CategorySearch {
			s := s
			search = &s
		}
	}
	if search == nil || search.Count != ratelimit.BurstThreshold+1 {
		t.Errorf("cached status for search = %+v", search)
	}
}

func TestMonitor_IntegrityMismatchLogsOut(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	ctx := context.Background()
	sess := testSession()
	h.sessions.set(sess)
	if err := h.monitor.Bind(sess); err != nil {
		t.Fatal(err)
	}
	oldID := h.tracker.ID()
	h.suspicious.Add(oldID, "test", h.clock.Now())

	h.monitor.SecurityTick(ctx)
	if len(h.logouts) != 0 {
		t.Fatal("untampered session logged out")
	}

	h.sessions.set(&session.Session{
		UserID:      "u-1",
		Email:       "cashier@example.com",
		Role:        session.RoleAdmin,
		StoreID:     "store-1",
		AccessToken: "token",
	})
	h.monitor.SecurityTick(ctx)

	if len(h.threatsOf(securitylog.ThreatSessionCompromise)) != 1 {
		t.Error("missing SESSION_COMPROMISE threat")
	}
	if h.countLogs(securitylog.TypeSessionCompromise) != 1 {
		t.Error("missing SESSION_COMPROMISE log entry")
	}
	if len(h.logouts) != 1 || h.logouts[0] != LogoutCompromised {
		t.Fatalf("logouts = %v", h.logouts)
	}
	if _, ok := h.sessions.Current(); ok {
		t.Error("session not cleared")
	}
	if _, ok := h.tracker.Digest(); ok {
		t.Error("digest not cleared")
	}
	if h.tracker.ID() == oldID {
		t.Error("session id not reissued")
	}
	if h.suspicious.Contains(oldID) {
		t.Error("old session still flagged")
	}
	if h.tokens.cleared != 1 {
		t.Errorf("token cleared %d times", h.tokens.cleared)
	}
}

func TestMonitor_IntegrityBaselineWithoutBind(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	h.sessions.set(testSession())
	h.monitor.SecurityTick(context.Background())

	if _, ok := h.tracker.Digest(); !ok {
		t.Error("first tick should store a baseline digest")
	}
	if len(h.logouts) != 0 {
		t.Error("baseline tick logged out")
	}
}

func TestMonitor_InactivityTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		idle       time.Duration
		wantLogout bool
	}{
		{"active", 29 * time.Minute, false},
		{"exactly at limit", InactivityTimeout, false},
		{"idle", 31 * time.Minute, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newMonitorHarness(t)
			sess := testSession()
			h.sessions.set(sess)
			if err := h.monitor.Bind(sess); err != nil {
				t.Fatal(err)
			}

			h.clock.Advance(tt.idle)
			h.monitor.TimeoutTick(context.Background())

			if got := len(h.logouts) == 1; got != tt.wantLogout {
				t.Fatalf("logged out = %v, want %v", got, tt.wantLogout)
			}
			if tt.wantLogout {
				if h.logouts[0] != LogoutTimeout {
					t.Errorf("reason = %s", h.logouts[0])
				}
				if h.countLogs(securitylog.TypeSessionTimeout) != 1 || h.countLogs(securitylog.TypeLogout) != 1 {
					t.Error("missing SESSION_TIMEOUT or LOGOUT entry")
				}
			}
		})
	}
}

func TestMonitor_TimeoutSignedOutIsNoop(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	h.clock.Advance(time.Hour)
	h.monitor.TimeoutTick(context.Background())
	if len(h.logouts) != 0 || len(h.log.Snapshot().Logs) != 0 {
		t.Error("signed-out session should not be timed out")
	}
}

type recordingPruner struct {
	mu    sync.Mutex
	calls int
}

func (p *recordingPruner) Prune(time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
}

func (p *recordingPruner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestMonitor_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	pruner := &recordingPruner{}
	h := newMonitorHarness(t,
		WithSecurityInterval(5*time.Millisecond),
		WithTimeoutInterval(5*time.Millisecond),
		WithPruners(pruner),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.monitor.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for pruner.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.monitor.Stop()
	h.monitor.Stop()

	if pruner.count() == 0 {
		t.Error("security loop never ticked")
	}
}

func TestMonitor_ContextCancelStopsLoops(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newMonitorHarness(t, WithSecurityInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	h.monitor.Start(ctx)
	cancel()
	h.monitor.Stop()
}
