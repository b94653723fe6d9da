package guard

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/tradehub/internal/auth"
	"github.com/hitoshi/tradehub/internal/identity"
	"github.com/hitoshi/tradehub/internal/model"
	"github.com/hitoshi/tradehub/internal/notify"
)

// stubProvider はテストから状態通知を送れるauth.Provider。
type stubProvider struct {
	events chan *identity.User
	once   sync.Once
}

func newStubProvider() *stubProvider {
	return &stubProvider{events: make(chan *identity.User, 4)}
}

func (p *stubProvider) Subscribe() (<-chan *identity.User, func()) {
	return p.events, func() { p.once.Do(func() { close(p.events) }) }
}

func (p *stubProvider) SignInWithPassword(context.Context, string, string) (*identity.User, error) {
	return nil, identity.NewError(identity.CodeInternal)
}

func (p *stubProvider) SignUpWithPassword(context.Context, string, string) (*identity.User, error) {
	return nil, identity.NewError(identity.CodeInternal)
}

func (p *stubProvider) UpdateProfile(context.Context, string, string) (*identity.User, error) {
	return nil, identity.NewError(identity.CodeInternal)
}

func (p *stubProvider) SignInWithIdP(context.Context, *identity.GoogleCredential) (*identity.User, error) {
	return nil, identity.NewError(identity.CodeInternal)
}

func (p *stubProvider) SignOut(context.Context) error { return nil }

func (p *stubProvider) SendPasswordReset(context.Context, string) error { return nil }

func newStore(t *testing.T, p *stubProvider) *auth.Store {
	t.Helper()
	s := auth.NewStore(p, notify.NewFlash(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(s.Close)
	return s
}

func readyStore(t *testing.T, u *identity.User) *auth.Store {
	t.Helper()
	p := newStubProvider()
	s := newStore(t, p)
	p.events <- u
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("store not ready: %v", err)
	}
	return s
}

// --- Decide ---

func TestDecide(t *testing.T) {
	sess := &model.Session{UID: "u1", Email: "a@b.com", DisplayName: "User"}

	tests := []struct {
		name string
		snap auth.Snapshot
		want Decision
	}{
		{"loading without session", auth.Snapshot{Loading: true}, Pending},
		{"loading never grants", auth.Snapshot{Loading: true, Session: sess}, Pending},
		{"signed out", auth.Snapshot{}, Redirect},
		{"signed in", auth.Snapshot{Session: sess}, Allow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.snap); got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

// --- Middleware ---

type nextRecorder struct {
	called bool
}

func (n *nextRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.called = true
	w.WriteHeader(http.StatusOK)
}

func TestMiddleware_NoSession_RedirectsWithoutCallingNext(t *testing.T) {
	next := &nextRecorder{}
	mw := Middleware(Config{
		StoreFromRequest: func(*http.Request) *auth.Store { return nil },
	})

	req := httptest.NewRequest(http.MethodGet, "/my-export", nil)
	rec := httptest.NewRecorder()
	mw(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if loc := rec.Header().Get("Location"); loc != "/login?redirect=%2Fmy-export" {
		t.Errorf("Location = %q, want %q", loc, "/login?redirect=%2Fmy-export")
	}
	if next.called {
		t.Error("protected handler must not run for anonymous users")
	}
}

func TestMiddleware_SignedOutStore_Redirects(t *testing.T) {
	store := readyStore(t, nil)
	next := &nextRecorder{}
	mw := Middleware(Config{
		StoreFromRequest: func(*http.Request) *auth.Store { return store },
		PendingWait:      time.Second,
	})

	rec := httptest.NewRecorder()
	mw(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/my-import", nil))

	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if next.called {
		t.Error("next should not be called")
	}
}

func TestMiddleware_SignedIn_CallsNext(t *testing.T) {
	store := readyStore(t, &identity.User{UID: "u1", Email: "a@b.com"})
	next := &nextRecorder{}
	mw := Middleware(Config{
		StoreFromRequest: func(*http.Request) *auth.Store { return store },
		PendingWait:      time.Second,
	})

	rec := httptest.NewRecorder()
	mw(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/my-export", nil))

	if !next.called {
		t.Fatal("expected next to be called")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestMiddleware_StillLoading_RendersPending(t *testing.T) {
	store := newStore(t, newStubProvider())
	next := &nextRecorder{}
	pendingCalled := false
	mw := Middleware(Config{
		StoreFromRequest: func(*http.Request) *auth.Store { return store },
		PendingWait:      20 * time.Millisecond,
		PendingHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pendingCalled = true
			w.WriteHeader(http.StatusOK)
		}),
	})

	rec := httptest.NewRecorder()
	mw(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/my-export", nil))

	if next.called {
		t.Error("pending state must not grant access")
	}
	if !pendingCalled {
		t.Error("expected pending handler")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Header().Get("Refresh") == "" {
		t.Error("expected Refresh header on pending page")
	}
}

func TestMiddleware_WaitsForFirstNotification(t *testing.T) {
	p := newStubProvider()
	store := newStore(t, p)
	next := &nextRecorder{}
	mw := Middleware(Config{
		StoreFromRequest: func(*http.Request) *auth.Store { return store },
		PendingWait:      2 * time.Second,
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.events <- &identity.User{UID: "u1"}
	}()

	rec := httptest.NewRecorder()
	mw(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products/p1", nil))

	if !next.called {
		t.Errorf("expected next after store became ready, status = %d", rec.Code)
	}
}

func TestLoginURL(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"", "/login"},
		{"/", "/login"},
		{"/products/p1?import=1", "/login?redirect=%2Fproducts%2Fp1%3Fimport%3D1"},
	}
	for _, tt := range tests {
		if got := LoginURL("/login", tt.target); got != tt.want {
			t.Errorf("LoginURL(%q) = %q, want %q", tt.target, got, tt.want)
		}
	}
}

func TestSafeRedirect(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"/my-export", "/my-export"},
		{"/products/p1?import=1", "/products/p1?import=1"},
		{"", "/"},
		{"https://evil.example.com", "/"},
		{"//evil.example.com", "/"},
		{"/\\evil.example.com", "/"},
		{"my-export", "/"},
	}
	for _, tt := range tests {
		if got := SafeRedirect(tt.target); got != tt.want {
			t.Errorf("SafeRedirect(%q) = %q, want %q", tt.target, got, tt.want)
		}
	}
}
