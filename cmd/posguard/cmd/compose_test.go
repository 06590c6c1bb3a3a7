package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Sentinel-Gate/posguard/internal/config"
	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
	"github.com/Sentinel-Gate/posguard/internal/domain/csrf"
	"github.com/Sentinel-Gate/posguard/internal/domain/pipeline"
	"github.com/Sentinel-Gate/posguard/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
	"github.com/Sentinel-Gate/posguard/internal/domain/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, backendURL, storage string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Backend: config.BackendConfig{URL: backendURL, AnonKey: "anon"},
		Logger:  config.SecurityLogConfig{Storage: storage},
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

// fakeBackend serves the token, logout and rest endpoints.
type fakeBackend struct {
	*httptest.Server

	mu      sync.Mutex
	headers []http.Header
}

func newFakeBackend(t *testing.T, role, store string) *fakeBackend {
	t.Helper()
	claims := session.Claims{
		Email:   "cashier@example.com",
		Role:    role,
		StoreID: store,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	f := &fakeBackend{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.headers = append(f.headers, r.Header.Clone())
		f.mu.Unlock()

		switch {
		case r.URL.Path == "/auth/v1/token":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": token,
				"expires_in":   3600,
				"user":         map[string]string{"id": "user-1", "email": "cashier@example.com"},
			})
		case r.URL.Path == "/auth/v1/logout":
			w.WriteHeader(http.StatusNoContent)
		case strings.HasPrefix(r.URL.Path, "/rest/v1/"):
			_ = json.NewEncoder(w).Encode([]map[string]any{{"id": 1, "store_id": store}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeBackend) lastHeader() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.headers) == 0 {
		return nil
	}
	return f.headers[len(f.headers)-1]
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(cfg, discardLogger(), clock.System{})
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.start(ctx); err != nil {
		cancel()
		t.Fatalf("start() error: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		if err := a.stop(); err != nil {
			t.Errorf("stop() error: %v", err)
		}
	})
	return a
}

func TestApp_GuardedCallsEndToEnd(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t, "worker", "store-1")
	a := newTestApp(t, testConfig(t, fb.URL, "memory"))
	ctx := context.Background()

	sess, err := a.signIn(ctx, "cashier@example.com", "hunter2")
	if err != nil {
		t.Fatalf("signIn() error: %v", err)
	}
	if sess.Role != session.RoleWorker || sess.StoreID != "store-1" {
		t.Fatalf("session = %+v", sess)
	}
	if _, ok := a.tracker.Digest(); !ok {
		t.Error("sign in should bind the integrity digest")
	}

	rows, err := a.data.Select(ctx, "sales", pipeline.Eq("store_id", "store-1"))
	if err != nil {
		t.Fatalf("Select(own store) error: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("rows = %v", rows)
	}

	_, err = a.data.Select(ctx, "sales", pipeline.Eq("store_id", "store-2"))
	if !errors.Is(err, pipeline.ErrUnauthorizedStoreAccess) {
		t.Fatalf("Select(other store) error = %v, want ErrUnauthorizedStoreAccess", err)
	}

	summary := a.seclog.Summary()
	if summary.TotalCalls == 0 {
		t.Error("guarded calls should be logged")
	}
	if summary.TotalThreats == 0 {
		t.Error("cross-store access should raise a threat")
	}

	if err := a.auth.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() error: %v", err)
	}
	if _, ok := a.sessions.Current(); ok {
		t.Error("session should be cleared after sign out")
	}
}

func TestApp_SignOutRunsLogoutLifecycle(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t, "worker", "store-1")
	a := newTestApp(t, testConfig(t, fb.URL, "memory"))
	ctx := context.Background()

	if _, err := a.signIn(ctx, "cashier@example.com", "hunter2"); err != nil {
		t.Fatalf("signIn() error: %v", err)
	}
	oldID := a.tracker.ID()
	if got := a.tokens.State(); got != csrf.StateActive {
		t.Fatalf("csrf state before sign out = %v, want ACTIVE", got)
	}

	if err := a.signOut(ctx); err != nil {
		t.Fatalf("signOut() error: %v", err)
	}
	if got := a.tokens.State(); got != csrf.StateUninitialized {
		t.Errorf("csrf state after sign out = %v, want UNINITIALIZED", got)
	}
	if a.tracker.ID() == oldID {
		t.Error("session id should be reissued on sign out")
	}
	if _, ok := a.tracker.Digest(); ok {
		t.Error("integrity digest should be cleared on sign out")
	}
	if _, ok := a.sessions.Current(); ok {
		t.Error("session should be cleared after sign out")
	}
}

func TestApp_WritesCarryCSRFToken(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t, "admin", "")
	a := newTestApp(t, testConfig(t, fb.URL, "memory"))
	ctx := context.Background()

	if _, err := a.signIn(ctx, "cashier@example.com", "hunter2"); err != nil {
		t.Fatalf("signIn() error: %v", err)
	}
	if _, err := a.data.Insert(ctx, "sales", pipeline.Row{"total": 12.5}); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	got := fb.lastHeader().Get(csrf.DefaultHeader)
	if got == "" {
		t.Fatal("write request without csrf header")
	}
	if !a.tokens.Validate(got) {
		t.Error("csrf header does not match the current token")
	}
}

func TestApp_StatusServer(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t, "worker", "store-1")
	a := newTestApp(t, testConfig(t, fb.URL, "sqlite://:memory:"))
	srv := httptest.NewServer(a.server.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	err = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, checks = %v", resp.StatusCode, health.Checks)
	}
	if health.Checks["storage"] != "ok" {
		t.Errorf("storage check = %q", health.Checks["storage"])
	}

	// Admin credentials are not configured, so the API is closed.
	resp, err = http.Get(srv.URL + "/api/dashboard")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("/api/dashboard status = %d, want 403", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(body, []byte("posguard_forward_dropped_total")) {
		t.Error("/metrics should expose the forward counters")
	}
}

func TestApp_FileStoragePersistsAcrossRuns(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "log.json")
	fb := newFakeBackend(t, "worker", "store-1")
	cfg := testConfig(t, fb.URL, "file://"+path)

	a, err := newApp(cfg, discardLogger(), clock.System{})
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	ctx := context.Background()
	if err := a.start(ctx); err != nil {
		t.Fatal(err)
	}
	a.seclog.Record(ctx, securitylog.TypeAPICall, "sales.select", nil)
	if err := a.stop(); err != nil {
		t.Fatal(err)
	}

	seclog, ls, err := newOfflineLogger(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("newOfflineLogger() error: %v", err)
	}
	defer ls.close()
	if got := seclog.Summary().TotalEntries; got != 1 {
		t.Errorf("reloaded entries = %d, want 1", got)
	}
}

func TestNewOfflineLogger_MemoryStorage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://db.example.com", "memory")
	if _, _, err := newOfflineLogger(context.Background(), cfg, discardLogger()); err == nil {
		t.Error("memory storage should be rejected for offline commands")
	}
}

func TestNewApp_InvalidScopeExpression(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://db.example.com", "memory")
	cfg.Policy.ScopeExpression = "role =="
	if _, err := newApp(cfg, discardLogger(), nil); err == nil {
		t.Error("newApp() should reject a malformed scope expression")
	}
}

func TestRateLimits(t *testing.T) {
	t.Parallel()

	got := rateLimits(map[string]int{"auth": 3, "bogus": 9, "export": 0})
	if got[ratelimit.CategoryAuth] != 3 {
		t.Errorf("auth = %d, want 3", got[ratelimit.CategoryAuth])
	}
	if got[ratelimit.CategoryExport] != ratelimit.DefaultLimits[ratelimit.CategoryExport] {
		t.Errorf("export = %d, want default", got[ratelimit.CategoryExport])
	}
	if _, ok := got[ratelimit.Category("bogus")]; ok {
		t.Error("unknown categories must be ignored")
	}
	if len(got) != len(ratelimit.DefaultLimits) {
		t.Errorf("len = %d, want %d", len(got), len(ratelimit.DefaultLimits))
	}
}

func TestBackendOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"https://abc.example.co/rest/v1", "https://abc.example.co"},
		{"http://127.0.0.1:54321", "http://127.0.0.1:54321"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		if got := backendOrigin(tt.in); got != tt.want {
			t.Errorf("backendOrigin(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
