package securitylog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/posguard/internal/ctxkey"
	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
)

var epoch = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

type staticIdentity string

func (s staticIdentity) ID() string { return string(s) }

type recordingForwarder struct {
	mu     sync.Mutex
	events []Event
}

func (f *recordingForwarder) Forward(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *recordingForwarder) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

// memStorage fails the next failures Save calls.
type memStorage struct {
	mu       sync.Mutex
	snap     Snapshot
	saved    bool
	saves    int
	failures int
}

func (m *memStorage) Load(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.saved {
		return Snapshot{}, ErrNotFound
	}
	return m.snap, nil
}

func (m *memStorage) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failures > 0 {
		m.failures--
		return ErrQuotaExceeded
	}
	m.snap = snap
	m.saved = true
	return nil
}

func newTestLogger(opts ...Option) (*Logger, *clock.Fake, *recordingForwarder) {
	clk := clock.NewFake(epoch)
	fwd := &recordingForwarder{}
	base := []Option{
		WithIdentity(staticIdentity("session_1_abcdefghi")),
		WithOriginURL("https://pos.example.com"),
		WithForwarder(fwd),
	}
	return NewLogger(clk, nil, append(base, opts...)...), clk, fwd
}

func TestLogger_RecordMetadata(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLogger()
	ctx := context.WithValue(context.Background(), ctxkey.CallerKey{}, "InventoryScreen")

	e := l.Record(ctx, TypeAPICall, "ok", map[string]any{MetaOperation: "products.select"})
	if e.ID == "" {
		t.Error("entry has empty ID")
	}
	if got := e.Metadata[MetaSessionID]; got != "session_1_abcdefghi" {
		t.Errorf("session_id = %v", got)
	}
	if got := e.Metadata[MetaOriginURL]; got != "https://pos.example.com" {
		t.Errorf("origin_url = %v", got)
	}
	if got := e.Metadata[MetaCaller]; got != "InventoryScreen" {
		t.Errorf("caller = %v", got)
	}

	e = l.Record(context.Background(), TypeAPICall, "ok", nil)
	if got := e.Metadata[MetaCaller]; got != unknownCaller {
		t.Errorf("caller without context = %v, want %q", got, unknownCaller)
	}
}

func TestLogger_CapEvictsOldest(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLogger()
	ctx := context.Background()
	for i := 0; i < DefaultLogCap+1; i++ {
		l.Record(ctx, TypeAPICall, fmt.Sprintf("call-%d", i), nil)
	}

	logs := l.Snapshot().Logs
	if len(logs) != DefaultLogCap {
		t.Fatalf("len(logs) = %d, want %d", len(logs), DefaultLogCap)
	}
	if logs[0].Message != "call-1" {
		t.Errorf("oldest retained = %q, want call-1", logs[0].Message)
	}
	for i, e := range logs {
		if want := fmt.Sprintf("call-%d", i+1); e.Message != want {
			t.Fatalf("logs[%d] = %q, want %q", i, e.Message, want)
		}
	}
}

func TestLogger_ForwardsCriticalOnly(t *testing.T) {
	t.Parallel()

	l, _, fwd := newTestLogger()
	ctx := context.Background()

	l.Record(ctx, TypeAPICall, "ok", nil)
	l.Record(ctx, TypeSlowOperation, "slow", nil)
	l.Record(ctx, TypeRateLimitExceeded, "limited", nil)
	l.Record(ctx, TypeInvalidInput, "bad", nil)

	events := fwd.Events()
	if len(events) != 2 {
		t.Fatalf("forwarded %d events, want 2", len(events))
	}
	if events[0].Log.Type != TypeRateLimitExceeded || events[1].Log.Type != TypeInvalidInput {
		t.Errorf("forwarded wrong types: %v, %v", events[0].Log.Type, events[1].Log.Type)
	}
}

func TestLogger_RecordThreat(t *testing.T) {
	t.Parallel()

	l, _, fwd := newTestLogger()
	th := l.RecordThreat(context.Background(), ThreatInput{
		Type:     ThreatHighFrequency,
		Severity: SeverityLow,
		Details:  map[string]any{"operation": "products.select"},
	})

	if th.SessionID != "session_1_abcdefghi" {
		t.Errorf("threat session = %q", th.SessionID)
	}
	threats := l.RecentThreats(time.Minute)
	if len(threats) != 1 || threats[0].ID != th.ID {
		t.Fatalf("RecentThreats() = %+v", threats)
	}
	logs := l.RecentCalls(time.Minute)
	if len(logs) != 1 || logs[0].Type != TypeThreatDetected || logs[0].Metadata["threat_id"] != th.ID {
		t.Fatalf("threat not mirrored as log entry: %+v", logs)
	}

	events := fwd.Events()
	if len(events) != 1 || events[0].Kind() != "threat" {
		t.Fatalf("forwarded %+v, want exactly one threat event", events)
	}
}

func TestLogger_ThreatCap(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLogger()
	for i := 0; i < DefaultThreatCap+5; i++ {
		l.RecordThreat(context.Background(), ThreatInput{Type: ThreatSuspiciousActivity, Details: map[string]any{"n": i}})
	}
	threats := l.Snapshot().Threats
	if len(threats) != DefaultThreatCap {
		t.Fatalf("len(threats) = %d, want %d", len(threats), DefaultThreatCap)
	}
	if threats[0].Details["n"] != 5 {
		t.Errorf("oldest threat n = %v, want 5", threats[0].Details["n"])
	}
	if threats[0].Severity != SeverityMedium {
		t.Errorf("default severity = %q, want medium", threats[0].Severity)
	}
}

func TestLogger_FailedAuth(t *testing.T) {
	t.Parallel()

	l, clk, fwd := newTestLogger()
	ctx := context.Background()

	a := l.RecordFailedAuth(ctx, "maria@example.com", "store-3", "invalid credentials")
	if a.MaskedCredential != "ma***************" {
		t.Errorf("masked = %q", a.MaskedCredential)
	}
	if len(fwd.Events()) != 1 || fwd.Events()[0].Log.Type != TypeLoginFailed {
		t.Error("failed auth not forwarded as LOGIN_FAILED")
	}

	clk.Advance(FailedAuthWindow + time.Second)
	l.RecordFailedAuth(ctx, "jo", "store-3", "invalid credentials")
	all := l.Snapshot().FailedAuth
	if len(all) != 1 || all[0].MaskedCredential != "jo" {
		t.Fatalf("24h window not applied: %+v", all)
	}

	for i := 0; i < DefaultFailedAuthCap+10; i++ {
		l.RecordFailedAuth(ctx, "user", "", "x")
	}
	if got := len(l.Snapshot().FailedAuth); got != DefaultFailedAuthCap {
		t.Errorf("len(failed) = %d, want %d", got, DefaultFailedAuthCap)
	}
}

func TestLogger_RecentWindows(t *testing.T) {
	t.Parallel()

	l, clk, _ := newTestLogger()
	ctx := context.Background()
	l.Record(ctx, TypeAPICall, "old", nil)
	clk.Advance(2 * time.Minute)
	l.Record(ctx, TypeAPIError, "new", nil)

	if got := len(l.RecentCalls(time.Minute)); got != 1 {
		t.Errorf("RecentCalls(1m) = %d, want 1", got)
	}
	if got := len(l.RecentCalls(2 * time.Minute)); got != 2 {
		t.Errorf("RecentCalls(2m) = %d, want 2 (boundary inclusive)", got)
	}
	if got := l.CountErrors(time.Minute); got != 1 {
		t.Errorf("CountErrors(1m) = %d, want 1", got)
	}
}

func TestLogger_PersistShrinksAndRetries(t *testing.T) {
	t.Parallel()

	store := &memStorage{}
	l, _, _ := newTestLogger(WithStorage(store))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		l.Record(ctx, TypeAPICall, fmt.Sprintf("call-%d", i), nil)
	}

	store.mu.Lock()
	store.failures = 1
	store.mu.Unlock()
	l.Record(ctx, TypeAPICall, "call-10", nil)

	logs := l.Snapshot().Logs
	if len(logs) != 5 {
		t.Fatalf("after shrink len(logs) = %d, want 5", len(logs))
	}
	if logs[len(logs)-1].Message != "call-10" {
		t.Errorf("newest entry lost in shrink: %q", logs[len(logs)-1].Message)
	}
	if len(store.snap.Logs) != 5 {
		t.Errorf("persisted %d logs after retry, want 5", len(store.snap.Logs))
	}

	store.mu.Lock()
	store.failures = 2
	store.mu.Unlock()
	l.Record(ctx, TypeAPICall, "call-11", nil)
	if got := len(l.Snapshot().Logs); got != 3 {
		t.Errorf("after failed retry len(logs) = %d, want 3", got)
	}
}

func TestLogger_LoadAndClear(t *testing.T) {
	t.Parallel()

	store := &memStorage{}
	first, _, _ := newTestLogger(WithStorage(store))
	ctx := context.Background()
	first.Record(ctx, TypeAPICall, "persisted", nil)
	first.RecordThreat(ctx, ThreatInput{Type: ThreatBruteForce, Severity: SeverityCritical})

	second, _, _ := newTestLogger(WithStorage(store))
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	snap := second.Snapshot()
	if len(snap.Logs) != 2 || len(snap.Threats) != 1 {
		t.Fatalf("loaded %d logs, %d threats; want 2, 1", len(snap.Logs), len(snap.Threats))
	}

	second.Clear(ctx)
	if len(store.snap.Logs) != 0 || len(second.Snapshot().Threats) != 0 {
		t.Error("Clear() did not wipe persisted state")
	}

	empty, _, _ := newTestLogger(WithStorage(&memStorage{}))
	if err := empty.Load(ctx); err != nil {
		t.Errorf("Load() on empty storage error = %v", err)
	}
}

func TestLogger_LoadError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("disk gone")
	l := NewLogger(clock.NewFake(epoch), nil, WithStorage(failingLoad{err: wantErr}))
	if err := l.Load(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("Load() error = %v, want %v", err, wantErr)
	}
}

type failingLoad struct{ err error }

func (f failingLoad) Load(context.Context) (Snapshot, error) {
	return Snapshot{}, f.err
}

func (f failingLoad) Save(context.Context, Snapshot) error {
	return nil
}

func TestMaskCredential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"a", "a"},
		{"ab", "ab"},
		{"abc", "ab*"},
		{"jose@tienda.mx", "jo************"},
		{"ñandú", "ña***"},
	}
	for _, tt := range tests {
		if got := MaskCredential(tt.in); got != tt.want {
			t.Errorf("MaskCredential(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
