package memory

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
	"github.com/Sentinel-Gate/posguard/internal/domain/csrf"
	"github.com/Sentinel-Gate/posguard/internal/domain/session"
)

func TestKVStore_SetGetDelete(t *testing.T) {
	t.Parallel()

	s := NewKVStore()
	if _, ok := s.Get("missing"); ok {
		t.Error("Get() on empty store returned ok")
	}
	if err := s.Set("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, ok := s.Get("k"); !ok || v != "v2" {
		t.Errorf("Get() = %q, %v", v, ok)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("k"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d", s.Len())
	}
}

func TestKVStore_Quota(t *testing.T) {
	t.Parallel()

	s := NewKVStore(WithMaxBytes(10))
	if err := s.Set("ab", "12345678"); err != nil {
		t.Fatalf("exact fit rejected: %v", err)
	}
	if err := s.Set("c", "1"); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("over quota error = %v", err)
	}
	// Replacing a value only counts the difference.
	if err := s.Set("ab", "1234"); err != nil {
		t.Fatalf("shrinking replace rejected: %v", err)
	}
	if err := s.Set("c", "1"); err != nil {
		t.Errorf("set after shrink rejected: %v", err)
	}
}

func TestKVStore_Concurrent(t *testing.T) {
	t.Parallel()

	s := NewKVStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = s.Set("shared", "x")
				s.Get("shared")
				_ = s.Delete("shared")
			}
		}()
	}
	wg.Wait()
}

func TestCookieMirror(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	m := NewCookieMirror(clk, WithCookieDomain("pos.example"))

	if _, ok := m.Read(); ok {
		t.Error("empty mirror returned a value")
	}
	if err := m.Write("tok", clk.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if v, ok := m.Read(); !ok || v != "tok" {
		t.Errorf("Read() = %q, %v", v, ok)
	}

	c := m.Cookie()
	if !c.Secure || c.SameSite != http.SameSiteStrictMode || c.Name != DefaultCookieName || c.Domain != "pos.example" {
		t.Errorf("cookie attributes = %+v", c)
	}

	clk.Advance(time.Hour)
	if _, ok := m.Read(); ok {
		t.Error("expired cookie still readable")
	}
	if got := m.Cookie(); got.MaxAge != -1 || got.Value != "" {
		t.Errorf("expired Cookie() = %+v, want clearing cookie", got)
	}

	if err := m.Remove(); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove(); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestCookieMirror_TokenLifetimeBoundary(t *testing.T) {
	t.Parallel()

	issued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFake(issued)
	tokens := csrf.NewManager(NewKVStore(), NewCookieMirror(clk), clk, nil)
	tok, err := tokens.Issue()
	if err != nil {
		t.Fatal(err)
	}

	clk.Set(issued.Add(csrf.Lifetime))
	cur, err := tokens.Current()
	if err != nil {
		t.Fatal(err)
	}
	if cur.Value != tok.Value {
		t.Fatal("Current() reissued a token that is not yet stale")
	}
	if !tokens.Validate(tok.Value) {
		t.Error("token rejected at exactly the lifetime boundary")
	}

	clk.Set(issued.Add(csrf.Lifetime + time.Millisecond))
	if tokens.Validate(tok.Value) {
		t.Error("token accepted past the lifetime")
	}
}

func TestSessionHolder(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	h := NewSessionHolder(clk)
	if _, ok := h.Current(); ok {
		t.Fatal("empty holder reported a session")
	}

	in := &session.Session{UserID: "u-1", Role: session.RoleWorker, ExpiresAt: clk.Now().Add(time.Hour)}
	h.Set(in)
	in.Role = session.RoleAdmin

	got, ok := h.Current()
	if !ok || got.Role != session.RoleWorker {
		t.Fatalf("Current() = %+v, %v; caller mutation must not leak", got, ok)
	}
	got.StoreID = "changed"
	again, _ := h.Current()
	if again.StoreID != "" {
		t.Error("returned session aliases stored session")
	}

	clk.Advance(2 * time.Hour)
	if _, ok := h.Current(); ok {
		t.Error("expired session reported as current")
	}

	h.Clear()
	h.Set(nil)
	if _, ok := h.Current(); ok {
		t.Error("cleared holder reported a session")
	}
}

func TestSessionHolder_Cleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	h := NewSessionHolderWithConfig(clk, 5*time.Millisecond)
	h.Set(&session.Session{UserID: "u-1", ExpiresAt: clk.Now().Add(time.Minute)})
	clk.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartCleanup(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		gone := h.sess == nil
		h.mu.RUnlock()
		if gone {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.Stop()
	h.Stop()

	if h.sess != nil {
		t.Error("cleanup did not drop the expired session")
	}
}
