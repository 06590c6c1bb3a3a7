package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "posguard.db"), opts...)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations() error: %v", err)
	}
	return s
}

func snapshot() securitylog.Snapshot {
	at := time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC)
	return securitylog.Snapshot{
		Logs: []securitylog.LogEntry{
			{ID: "01A", Timestamp: at, Type: securitylog.TypeAPICall, Message: "sales.select",
				Metadata: map[string]any{"operation": "sales.select", "duration_ms": float64(12)}},
			{ID: "01B", Timestamp: at.Add(time.Second), Type: securitylog.TypeAPIError, Message: "boom"},
		},
		Threats: []securitylog.ThreatEntry{
			{ID: "01C", Timestamp: at, Type: securitylog.ThreatSQLInjection, Severity: securitylog.SeverityCritical,
				Details: map[string]any{"operation": "sales.select"}, SessionID: "session_1_abcdefghi"},
		},
		FailedAuth: []securitylog.FailedAuthAttempt{
			{ID: "01D", Timestamp: at, MaskedCredential: "ca*****", StoreContext: "store-1", Error: "bad password"},
		},
	}
}

func TestStore_LoadEmpty(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if _, err := s.Load(context.Background()); !errors.Is(err, securitylog.ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	want := snapshot()
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got.Logs) != 2 || got.Logs[0].ID != "01A" || got.Logs[1].Type != securitylog.TypeAPIError {
		t.Errorf("logs = %+v", got.Logs)
	}
	if !got.Logs[0].Timestamp.Equal(want.Logs[0].Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Logs[0].Timestamp, want.Logs[0].Timestamp)
	}
	if got.Logs[0].Metadata["duration_ms"] != float64(12) {
		t.Errorf("metadata = %v", got.Logs[0].Metadata)
	}
	if got.Logs[1].Metadata != nil {
		t.Errorf("empty metadata = %v, want nil", got.Logs[1].Metadata)
	}
	if len(got.Threats) != 1 || got.Threats[0].SessionID != "session_1_abcdefghi" || got.Threats[0].Details["operation"] != "sales.select" {
		t.Errorf("threats = %+v", got.Threats)
	}
	if len(got.FailedAuth) != 1 || got.FailedAuth[0].StoreContext != "store-1" {
		t.Errorf("failed auth = %+v", got.FailedAuth)
	}
}

func TestStore_SaveReplaces(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, snapshot()); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, securitylog.Snapshot{}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() after empty save: %v", err)
	}
	if len(got.Logs)+len(got.Threats)+len(got.FailedAuth) != 0 {
		t.Errorf("snapshot not replaced: %+v", got)
	}
}

func TestStore_Quota(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, WithMaxRows(3))
	err := s.Save(context.Background(), snapshot())
	if !errors.Is(err, securitylog.ErrQuotaExceeded) {
		t.Errorf("Save() error = %v, want ErrQuotaExceeded", err)
	}
}

func TestStore_MigrationsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if err := s.ApplyMigrations(); err != nil {
		t.Errorf("second ApplyMigrations() error: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}
