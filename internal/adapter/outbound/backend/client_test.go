package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Sentinel-Gate/posguard/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/posguard/internal/domain/csrf"
	"github.com/Sentinel-Gate/posguard/internal/domain/headers"
	"github.com/Sentinel-Gate/posguard/internal/domain/pipeline"
	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
	"github.com/Sentinel-Gate/posguard/internal/domain/session"
)

type seenRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

type fakeBackend struct {
	mu   sync.Mutex
	seen []seenRequest
	srv  *httptest.Server
}

func newFakeBackend(t *testing.T, handler http.HandlerFunc) *fakeBackend {
	t.Helper()
	f := &fakeBackend{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.seen = append(f.seen, seenRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		f.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBackend) last() seenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[len(f.seen)-1]
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedTokens struct{}

func (fixedTokens) Current() (csrf.Token, error) {
	return csrf.Token{Value: "csrf-value"}, nil
}

type nopLog struct{}

func (nopLog) Record(context.Context, securitylog.EntryType, string, map[string]any) securitylog.LogEntry {
	return securitylog.LogEntry{}
}

func newTestClient(t *testing.T, f *fakeBackend, holder *memory.SessionHolder) *Client {
	t.Helper()
	inj := headers.NewInjector(fixedTokens{}, nopLog{}, discard())
	c, err := NewClient(Config{BaseURL: f.srv.URL + "/", AnonKey: "anon"}, holder, inj.Transport(f.srv.Client().Transport), discard())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	t.Parallel()
	if _, err := NewClient(Config{BaseURL: "/relative"}, nil, nil, nil); err == nil {
		t.Error("expected error for relative url")
	}
}

func TestClient_Select(t *testing.T) {
	t.Parallel()

	f := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1,"store_id":"s1"}]`))
	})
	c := newTestClient(t, f, memory.NewSessionHolder(nil))

	rows, err := c.Select(context.Background(), "sales", pipeline.Eq("store_id", "s1"), pipeline.In("status", "open", "paid"))
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if len(rows) != 1 || rows[0]["store_id"] != "s1" {
		t.Errorf("rows = %v", rows)
	}

	req := f.last()
	if req.Method != http.MethodGet || req.Path != "/rest/v1/sales" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
	for _, want := range []string{"store_id=eq.s1", "status=in.%28open%2Cpaid%29", "select=%2A"} {
		if !strings.Contains(req.Query, want) {
			t.Errorf("query %q missing %q", req.Query, want)
		}
	}
	if req.Header.Get("apikey") != "anon" || req.Header.Get("Authorization") != "Bearer anon" {
		t.Errorf("auth headers = %v", req.Header)
	}
	if req.Header.Get(csrf.DefaultHeader) != "" {
		t.Error("read carried csrf header")
	}
	if req.Header.Get(headers.HeaderRequestID) == "" || req.Header.Get(headers.HeaderCacheControl) != "no-store" {
		t.Error("hardening headers missing")
	}
}

func TestClient_WritesCarryToken(t *testing.T) {
	t.Parallel()

	f := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(`[{"id":7}]`))
	})
	holder := memory.NewSessionHolder(nil)
	holder.Set(&session.Session{UserID: "u", AccessToken: "user-token"})
	c := newTestClient(t, f, holder)
	ctx := context.Background()

	if _, err := c.Insert(ctx, "sales", pipeline.Row{"total": 10}); err != nil {
		t.Fatal(err)
	}
	ins := f.last()
	if ins.Method != http.MethodPost || ins.Body != `[{"total":10}]` {
		t.Errorf("insert = %s %q", ins.Method, ins.Body)
	}
	if ins.Header.Get(csrf.DefaultHeader) != "csrf-value" {
		t.Error("insert missing csrf header")
	}
	if ins.Header.Get("Authorization") != "Bearer user-token" {
		t.Errorf("Authorization = %q", ins.Header.Get("Authorization"))
	}
	if ins.Header.Get("Prefer") != "return=representation" {
		t.Error("missing Prefer header")
	}

	if _, err := c.Update(ctx, "sales", pipeline.Row{"total": 11}, pipeline.Eq("id", 7)); err != nil {
		t.Fatal(err)
	}
	if up := f.last(); up.Method != http.MethodPatch || up.Query != "id=eq.7" {
		t.Errorf("update = %s %q", up.Method, up.Query)
	}

	if err := c.Delete(ctx, "sales", pipeline.Eq("id", 7)); err != nil {
		t.Fatal(err)
	}
	if del := f.last(); del.Method != http.MethodDelete || del.Header.Get(csrf.DefaultHeader) == "" {
		t.Errorf("delete = %s, csrf %q", del.Method, del.Header.Get(csrf.DefaultHeader))
	}
}

func TestClient_RPC(t *testing.T) {
	t.Parallel()

	f := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"total":42}`))
	})
	c := newTestClient(t, f, nil)

	out, err := c.RPC(context.Background(), "get_daily_totals", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"total":42}` {
		t.Errorf("out = %s", out)
	}
	req := f.last()
	if req.Path != "/rest/v1/rpc/get_daily_totals" || req.Body != `{}` {
		t.Errorf("rpc = %s %q", req.Path, req.Body)
	}
}

func TestClient_ErrorDecoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
		class   securitylog.ThreatType
	}{
		{"rest permission", http.StatusForbidden, `{"code":"42501","message":"permission denied for table sales"}`, "permission denied", securitylog.ThreatAuthorizationBypass},
		{"plain text", http.StatusBadGateway, `upstream exploded`, "upstream exploded", ""},
		{"empty body", http.StatusInternalServerError, ``, "Internal Server Error", ""},
		{"syntax", http.StatusBadRequest, `{"code":"42601","message":"syntax error at or near"}`, "syntax error", securitylog.ThreatSQLInjection},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			c := newTestClient(t, f, nil)

			_, err := c.Select(context.Background(), "sales")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.Status != tt.status || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %v", err)
			}

			op := pipeline.Operation{Name: "sales.select", Kind: pipeline.KindRead}
			cls, ok := pipeline.ClassifyError(op, err)
			if tt.class == "" {
				if ok {
					t.Errorf("unexpected classification %s", cls.Threat.Type)
				}
				return
			}
			if !ok || cls.Threat.Type != tt.class {
				t.Errorf("classification = %v, %v; want %s", cls.Threat.Type, ok, tt.class)
			}
		})
	}
}

func signedToken(t *testing.T, role, store string, exp time.Time) string {
	t.Helper()
	claims := session.Claims{
		Email:   "cashier@example.com",
		Role:    role,
		StoreID: store,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestClient_SignInSignOut(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signedToken(t, "worker", "store-9", exp)
	f := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tokenPath:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": token,
				"expires_in":   3600,
				"user":         map[string]string{"id": "user-123", "email": "cashier@example.com"},
			})
		case logoutPath:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	holder := memory.NewSessionHolder(nil)
	c := newTestClient(t, f, holder)
	ctx := context.Background()

	sess, err := c.SignIn(ctx, "cashier@example.com", "hunter2")
	if err != nil {
		t.Fatalf("SignIn() error: %v", err)
	}
	if sess.Role != session.RoleWorker || sess.StoreID != "store-9" || sess.UserID != "user-123" {
		t.Errorf("session = %+v", sess)
	}
	if !sess.ExpiresAt.Equal(exp.UTC()) {
		t.Errorf("ExpiresAt = %v, want %v", sess.ExpiresAt, exp)
	}
	req := f.last()
	if req.Query != "grant_type=password" || !strings.Contains(req.Body, `"password":"hunter2"`) {
		t.Errorf("token request = %q %q", req.Query, req.Body)
	}
	if req.Header.Get(csrf.DefaultHeader) == "" {
		t.Error("sign in is a POST and should carry the csrf header")
	}
	if _, ok := holder.Current(); !ok {
		t.Fatal("session not stored")
	}

	if err := c.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() error: %v", err)
	}
	if f.last().Header.Get("Authorization") != "Bearer "+token {
		t.Error("sign out should present the user token")
	}
	if _, ok := holder.Current(); ok {
		t.Error("session not cleared")
	}
	if err := c.SignOut(ctx); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("second SignOut() error = %v", err)
	}
}

func TestClient_SignInFailure(t *testing.T) {
	t.Parallel()

	f := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
	})
	holder := memory.NewSessionHolder(nil)
	c := newTestClient(t, f, holder)

	_, err := c.SignIn(context.Background(), "cashier@example.com", "wrong")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "invalid_grant" || apiErr.Message != "Invalid login credentials" {
		t.Fatalf("error = %#v", err)
	}
	if _, ok := holder.Current(); ok {
		t.Error("failed sign in stored a session")
	}
}
