package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

// --- モック定義 ---

type mockBackend struct {
	signInWithPasswordFn func(ctx context.Context, email, password string) (*AuthResult, error)
	signUpFn             func(ctx context.Context, email, password string) (*AuthResult, error)
	signInWithIdPFn      func(ctx context.Context, providerID, idToken string) (*AuthResult, error)
	updateProfileFn      func(ctx context.Context, idToken, displayName, photoURL string) (*AccountInfo, error)
	lookupFn             func(ctx context.Context, idToken string) (*AccountInfo, error)
	sendPasswordResetFn  func(ctx context.Context, email string) error
	refreshFn            func(ctx context.Context, refreshToken string) (*TokenResult, error)
}

func (m *mockBackend) SignInWithPassword(ctx context.Context, email, password string) (*AuthResult, error) {
	if m.signInWithPasswordFn != nil {
		return m.signInWithPasswordFn(ctx, email, password)
	}
	return nil, NewError(CodeInternal)
}

func (m *mockBackend) SignUp(ctx context.Context, email, password string) (*AuthResult, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password)
	}
	return nil, NewError(CodeInternal)
}

func (m *mockBackend) SignInWithIdP(ctx context.Context, providerID, idToken string) (*AuthResult, error) {
	if m.signInWithIdPFn != nil {
		return m.signInWithIdPFn(ctx, providerID, idToken)
	}
	return nil, NewError(CodeInternal)
}

func (m *mockBackend) UpdateProfile(ctx context.Context, idToken, displayName, photoURL string) (*AccountInfo, error) {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, idToken, displayName, photoURL)
	}
	return &AccountInfo{DisplayName: displayName, PhotoURL: photoURL}, nil
}

func (m *mockBackend) Lookup(ctx context.Context, idToken string) (*AccountInfo, error) {
	if m.lookupFn != nil {
		return m.lookupFn(ctx, idToken)
	}
	return nil, NewError(CodeUserNotFound)
}

func (m *mockBackend) SendPasswordReset(ctx context.Context, email string) error {
	if m.sendPasswordResetFn != nil {
		return m.sendPasswordResetFn(ctx, email)
	}
	return nil
}

func (m *mockBackend) Refresh(ctx context.Context, refreshToken string) (*TokenResult, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, NewError(CodeUserTokenExpired)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, ch <-chan *User) *User {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return nil
}

func signedInResult() *AuthResult {
	return &AuthResult{
		LocalID:      "u1",
		Email:        "a@b.com",
		DisplayName:  "Alice",
		PhotoURL:     "https://example.com/a.png",
		IDToken:      "id-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

// --- テスト ---

func TestClient_Subscribe_NoRefreshToken_EmitsNilImmediately(t *testing.T) {
	c := NewClient(&mockBackend{}, "", discardLogger())

	ch, cancel := c.Subscribe()
	defer cancel()

	if u := receive(t, ch); u != nil {
		t.Errorf("expected nil user, got %+v", u)
	}
}

func TestClient_Subscribe_WithRefreshToken_RestoresSession(t *testing.T) {
	backend := &mockBackend{
		refreshFn: func(_ context.Context, rt string) (*TokenResult, error) {
			if rt != "rt-saved" {
				t.Errorf("refresh token = %q, want %q", rt, "rt-saved")
			}
			return &TokenResult{UserID: "u1", IDToken: "id-2", RefreshToken: "rt-new", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
		lookupFn: func(_ context.Context, idToken string) (*AccountInfo, error) {
			return &AccountInfo{LocalID: "u1", Email: "a@b.com"}, nil
		},
	}
	c := NewClient(backend, "rt-saved", discardLogger())

	ch, cancel := c.Subscribe()
	defer cancel()

	u := receive(t, ch)
	if u == nil || u.UID != "u1" || u.Email != "a@b.com" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if c.RefreshToken() != "rt-new" {
		t.Errorf("RefreshToken() = %q, want %q", c.RefreshToken(), "rt-new")
	}
}

func TestClient_Subscribe_RestoreFailure_EmitsNil(t *testing.T) {
	c := NewClient(&mockBackend{}, "rt-revoked", discardLogger())

	ch, cancel := c.Subscribe()
	defer cancel()

	if u := receive(t, ch); u != nil {
		t.Errorf("expected nil user, got %+v", u)
	}
	if c.RefreshToken() != "" {
		t.Errorf("RefreshToken() = %q, want empty", c.RefreshToken())
	}
}

func TestClient_SignInWithPassword_NotifiesSubscribers(t *testing.T) {
	backend := &mockBackend{
		signInWithPasswordFn: func(_ context.Context, email, password string) (*AuthResult, error) {
			return signedInResult(), nil
		},
	}
	c := NewClient(backend, "", discardLogger())
	ch, cancel := c.Subscribe()
	defer cancel()
	receive(t, ch)

	u, err := c.SignInWithPassword(context.Background(), "a@b.com", "secret1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if u.UID != "u1" {
		t.Errorf("UID = %q, want %q", u.UID, "u1")
	}

	got := receive(t, ch)
	if got == nil || got.UID != "u1" {
		t.Errorf("notification = %+v, want u1", got)
	}
	if c.RefreshToken() != "rt-1" {
		t.Errorf("RefreshToken() = %q, want %q", c.RefreshToken(), "rt-1")
	}
}

func TestClient_SignInWithPassword_Error_LeavesStateUnchanged(t *testing.T) {
	backend := &mockBackend{
		signInWithPasswordFn: func(_ context.Context, email, password string) (*AuthResult, error) {
			return nil, NewError(CodeWrongPassword)
		},
	}
	c := NewClient(backend, "", discardLogger())

	_, err := c.SignInWithPassword(context.Background(), "bad@x.com", "wrong")
	if CodeOf(err) != CodeWrongPassword {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodeWrongPassword)
	}
	if c.CurrentUser() != nil {
		t.Errorf("CurrentUser() = %+v, want nil", c.CurrentUser())
	}
}

func TestClient_SignUpWithPassword_FillsProfileFromLookup(t *testing.T) {
	backend := &mockBackend{
		signUpFn: func(_ context.Context, email, password string) (*AuthResult, error) {
			return &AuthResult{LocalID: "u2", Email: email, IDToken: "id-2", RefreshToken: "rt-2", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
		lookupFn: func(_ context.Context, idToken string) (*AccountInfo, error) {
			return &AccountInfo{LocalID: "u2", Email: "new@b.com"}, nil
		},
	}
	c := NewClient(backend, "", discardLogger())

	u, err := c.SignUpWithPassword(context.Background(), "new@b.com", "Secret1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if u.UID != "u2" || u.Email != "new@b.com" {
		t.Errorf("unexpected user: %+v", u)
	}
}

func TestClient_UpdateProfile_UpdatesCurrentUser(t *testing.T) {
	backend := &mockBackend{
		signInWithPasswordFn: func(_ context.Context, email, password string) (*AuthResult, error) {
			return signedInResult(), nil
		},
		updateProfileFn: func(_ context.Context, idToken, displayName, photoURL string) (*AccountInfo, error) {
			if idToken != "id-1" {
				t.Errorf("idToken = %q, want %q", idToken, "id-1")
			}
			return &AccountInfo{LocalID: "u1", DisplayName: displayName, PhotoURL: photoURL}, nil
		},
	}
	c := NewClient(backend, "", discardLogger())
	if _, err := c.SignInWithPassword(context.Background(), "a@b.com", "secret1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	u, err := c.UpdateProfile(context.Background(), "Alice Smith", "https://example.com/new.png")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if u.DisplayName != "Alice Smith" || u.PhotoURL != "https://example.com/new.png" {
		t.Errorf("unexpected user: %+v", u)
	}
	if u.Email != "a@b.com" {
		t.Errorf("Email = %q, want it preserved", u.Email)
	}
}

func TestClient_UpdateProfile_ExpiredToken_Refreshes(t *testing.T) {
	refreshed := false
	backend := &mockBackend{
		signInWithPasswordFn: func(_ context.Context, email, password string) (*AuthResult, error) {
			res := signedInResult()
			res.ExpiresAt = time.Now().Add(-time.Minute)
			return res, nil
		},
		refreshFn: func(_ context.Context, rt string) (*TokenResult, error) {
			refreshed = true
			return &TokenResult{UserID: "u1", IDToken: "id-fresh", RefreshToken: "rt-fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
		updateProfileFn: func(_ context.Context, idToken, displayName, photoURL string) (*AccountInfo, error) {
			if idToken != "id-fresh" {
				t.Errorf("idToken = %q, want %q", idToken, "id-fresh")
			}
			return &AccountInfo{DisplayName: displayName}, nil
		},
	}
	c := NewClient(backend, "", discardLogger())
	c.SignInWithPassword(context.Background(), "a@b.com", "secret1")

	if _, err := c.UpdateProfile(context.Background(), "Alice", ""); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !refreshed {
		t.Error("expected token refresh")
	}
}

func TestClient_UpdateProfile_NotSignedIn_ReturnsError(t *testing.T) {
	c := NewClient(&mockBackend{}, "", discardLogger())

	_, err := c.UpdateProfile(context.Background(), "Alice", "")
	if CodeOf(err) != CodeUserTokenExpired {
		t.Errorf("code = %q, want %q", CodeOf(err), CodeUserTokenExpired)
	}
}

func TestClient_SignInWithIdP_UsesCredentialProfileAsFallback(t *testing.T) {
	backend := &mockBackend{
		signInWithIdPFn: func(_ context.Context, providerID, idToken string) (*AuthResult, error) {
			if providerID != GoogleProviderID || idToken != "google-jwt" {
				t.Errorf("unexpected args: %q %q", providerID, idToken)
			}
			return &AuthResult{LocalID: "g1", Email: "g@gmail.com", IDToken: "id-g", RefreshToken: "rt-g", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
		lookupFn: func(_ context.Context, idToken string) (*AccountInfo, error) {
			return nil, errors.New("lookup unavailable")
		},
	}
	c := NewClient(backend, "", discardLogger())

	u, err := c.SignInWithIdP(context.Background(), &GoogleCredential{IDToken: "google-jwt", Name: "Gina Google", Picture: "https://example.com/g.png"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if u.DisplayName != "Gina Google" || u.PhotoURL != "https://example.com/g.png" {
		t.Errorf("unexpected user: %+v", u)
	}
}

func TestClient_SignInWithIdP_NilCredential_ReturnsError(t *testing.T) {
	c := NewClient(&mockBackend{}, "", discardLogger())

	_, err := c.SignInWithIdP(context.Background(), nil)
	if CodeOf(err) != CodeInvalidCredential {
		t.Errorf("code = %q, want %q", CodeOf(err), CodeInvalidCredential)
	}
}

func TestClient_SignOut_ClearsStateAndNotifies(t *testing.T) {
	backend := &mockBackend{
		signInWithPasswordFn: func(_ context.Context, email, password string) (*AuthResult, error) {
			return signedInResult(), nil
		},
	}
	c := NewClient(backend, "", discardLogger())
	c.SignInWithPassword(context.Background(), "a@b.com", "secret1")

	ch, cancel := c.Subscribe()
	defer cancel()
	if u := receive(t, ch); u == nil {
		t.Fatal("expected signed-in user on subscribe")
	}

	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if u := receive(t, ch); u != nil {
		t.Errorf("expected nil after sign out, got %+v", u)
	}
	if c.RefreshToken() != "" {
		t.Errorf("RefreshToken() = %q, want empty", c.RefreshToken())
	}
}

func TestClient_Cancel_ClosesChannelAndIsIdempotent(t *testing.T) {
	c := NewClient(&mockBackend{}, "", discardLogger())
	ch, cancel := c.Subscribe()
	receive(t, ch)

	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed")
	}

	// 解除後の状態変化で panic しないこと
	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestClient_Notify_KeepsOnlyLatestState(t *testing.T) {
	backend := &mockBackend{
		signInWithPasswordFn: func(_ context.Context, email, password string) (*AuthResult, error) {
			return signedInResult(), nil
		},
	}
	c := NewClient(backend, "", discardLogger())
	ch, cancel := c.Subscribe()
	defer cancel()

	// 受信せずに状態を2回変更する
	c.SignInWithPassword(context.Background(), "a@b.com", "secret1")
	c.SignOut(context.Background())

	if u := receive(t, ch); u != nil {
		t.Errorf("expected latest state (nil), got %+v", u)
	}
	select {
	case u := <-ch:
		t.Errorf("expected no further notification, got %+v", u)
	default:
	}
}
