package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tradehub/internal/auth"
	"github.com/hitoshi/tradehub/internal/guard"
	"github.com/hitoshi/tradehub/internal/identity"
	"github.com/hitoshi/tradehub/internal/metrics"
	"github.com/hitoshi/tradehub/internal/middleware"
	"github.com/hitoshi/tradehub/internal/model"
	"github.com/hitoshi/tradehub/internal/view"
)

const (
	oauthStateCookie = "oauth_state"
	oauthNonceCookie = "oauth_nonce"
	// oauthCookieMaxAge はGoogleの認可画面から戻るまでの猶予（秒）。
	oauthCookieMaxAge = 600
)

// 認証操作のメトリクスラベル。
const (
	authOpLogin         = "login"
	authOpRegister      = "register"
	authOpGoogleLogin   = "google_login"
	authOpLogout        = "logout"
	authOpResetPassword = "reset_password"
)

// GoogleAuthenticatorInterface はGoogleのリダイレクトフローの操作。
// identity.GoogleAuthenticatorが実装する。
type GoogleAuthenticatorInterface interface {
	AuthCodeURL(state, nonce string) string
	Exchange(ctx context.Context, code, nonce string) (*identity.GoogleCredential, error)
}

// AuthRecorder は認証操作の結果を記録する。metrics.Collectorが実装する。
type AuthRecorder interface {
	RecordAuthOperation(operation, result string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain string
	CookieSecure bool
}

// AuthHandler はログイン・新規登録・Googleログイン・ログアウトのHTTPハンドラー。
// 認証操作はリクエストのWebセッションに属するStoreに委譲する。
type AuthHandler struct {
	google   GoogleAuthenticatorInterface
	recorder AuthRecorder
	config   AuthHandlerConfig
	pages    *pages
	logger   *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。googleとrecorderはnilでもよい。
func NewAuthHandler(google GoogleAuthenticatorInterface, recorder AuthRecorder, config AuthHandlerConfig, pages *pages, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		google:   google,
		recorder: recorder,
		config:   config,
		pages:    pages,
		logger:   logger,
	}
}

// LoginForm はログインフォームを表示する。?forgot=1 の場合はパスワード再設定フォームを出す。
// GET /login
func (h *AuthHandler) LoginForm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if snapshotOf(r).Authenticated() && q.Get("forgot") != "1" {
		http.Redirect(w, r, guard.SafeRedirect(q.Get("redirect")), http.StatusFound)
		return
	}
	h.pages.render(w, r, http.StatusOK, view.PageLogin, "Login", view.LoginData{
		Redirect: q.Get("redirect"),
		Forgot:   q.Get("forgot") == "1",
	})
}

// Login はメール・パスワードでログインし、元のページへリダイレクトする。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	email := r.PostFormValue("email")
	password := r.PostFormValue("password")
	redirect := r.PostFormValue("redirect")

	data := view.LoginData{Email: email, Redirect: redirect}
	if msg := validateLogin(email, password); msg != "" {
		notifierOf(r).Error(msg)
		data.Error = msg
		h.pages.render(w, r, http.StatusUnprocessableEntity, view.PageLogin, "Login", data)
		return
	}

	store, ok := h.freshStore(w, r)
	if !ok {
		return
	}
	if _, err := store.Login(r.Context(), email, password); err != nil {
		h.record(authOpLogin, err)
		data.Error = auth.UserMessage(err)
		h.pages.render(w, r, http.StatusUnauthorized, view.PageLogin, "Login", data)
		return
	}

	h.record(authOpLogin, nil)
	redirectAfterPost(w, r, guard.SafeRedirect(redirect))
}

// ResetPassword はパスワード再設定メールを送信する。
// POST /login/reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	email := r.PostFormValue("email")
	data := view.LoginData{Email: email, Forgot: true}

	if msg := validateEmail(email); msg != "" {
		notifierOf(r).Error(msg)
		data.Error = msg
		h.pages.render(w, r, http.StatusUnprocessableEntity, view.PageLogin, "Reset Password", data)
		return
	}

	store, ok := h.requireStore(w, r)
	if !ok {
		return
	}
	if err := store.ResetPassword(r.Context(), email); err != nil {
		h.record(authOpResetPassword, err)
		data.Error = auth.UserMessage(err)
		h.pages.render(w, r, http.StatusBadRequest, view.PageLogin, "Reset Password", data)
		return
	}

	h.record(authOpResetPassword, nil)
	redirectAfterPost(w, r, "/login")
}

// SignupForm は新規登録フォームを表示する。
// GET /signup
func (h *AuthHandler) SignupForm(w http.ResponseWriter, r *http.Request) {
	h.pages.render(w, r, http.StatusOK, view.PageSignup, "Register", view.SignupData{})
}

// Signup はアカウントを作成し、ホームへリダイレクトする。
// POST /signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	form := parseSignupForm(r)
	if msg := form.validate(); msg != "" {
		notifierOf(r).Error(msg)
		h.pages.render(w, r, http.StatusUnprocessableEntity, view.PageSignup, "Register", form.viewData(msg))
		return
	}

	store, ok := h.freshStore(w, r)
	if !ok {
		return
	}
	if _, err := store.Register(r.Context(), form.DisplayName(), form.Email, form.Password, form.PhotoURL); err != nil {
		h.record(authOpRegister, err)
		h.pages.render(w, r, http.StatusBadRequest, view.PageSignup, "Register", form.viewData(auth.UserMessage(err)))
		return
	}

	h.record(authOpRegister, nil)
	redirectAfterPost(w, r, "/")
}

// GoogleLogin はGoogleの認可画面へリダイレクトする。
// GET /auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		http.NotFound(w, r)
		return
	}

	state, err := generateState()
	if err != nil {
		h.logger.Error("OAuth stateの生成に失敗しました", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	nonce, err := generateState()
	if err != nil {
		h.logger.Error("OIDC nonceの生成に失敗しました", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// stateとnonceをCookieに保存（CSRF・リプレイ対策）
	h.setOAuthCookie(w, oauthStateCookie, state, oauthCookieMaxAge)
	h.setOAuthCookie(w, oauthNonceCookie, nonce, oauthCookieMaxAge)

	http.Redirect(w, r, h.google.AuthCodeURL(state, nonce), http.StatusFound)
}

// GoogleCallback はGoogleからのコールバックを処理し、Storeでログインする。
// 利用者が認可画面を閉じた場合はログインのキャンセルとして扱う。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		http.NotFound(w, r)
		return
	}

	// 1. stateの検証
	q := r.URL.Query()
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != q.Get("state") {
		h.logger.Warn("OAuth stateが一致しません")
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}
	nonceCookie, err := r.Cookie(oauthNonceCookie)
	if err != nil || nonceCookie.Value == "" {
		http.Error(w, "missing nonce", http.StatusBadRequest)
		return
	}
	h.setOAuthCookie(w, oauthStateCookie, "", -1)
	h.setOAuthCookie(w, oauthNonceCookie, "", -1)

	// 2. 認可画面でのキャンセル
	if q.Get("error") != "" {
		err := identity.NewError(identity.CodePopupClosedByUser)
		h.record(authOpGoogleLogin, err)
		notifierOf(r).Error(auth.UserMessage(err))
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	// 3. コード交換とIDトークン検証
	cred, err := h.google.Exchange(r.Context(), code, nonceCookie.Value)
	if err != nil {
		h.logger.Error("Googleのコード交換に失敗しました", slog.String("error", err.Error()))
		h.record(authOpGoogleLogin, err)
		notifierOf(r).Error(auth.UserMessage(err))
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	// 4. 新しいWebセッションでプロバイダーへログイン
	store, ok := h.freshStore(w, r)
	if !ok {
		return
	}
	if _, err := store.GoogleLogin(r.Context(), cred); err != nil {
		h.record(authOpGoogleLogin, err)
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	h.record(authOpGoogleLogin, nil)
	http.Redirect(w, r, "/", http.StatusFound)
}

// Logout はログアウトしてホームへリダイレクトする。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if store := storeOf(r); store != nil {
		err := store.Logout(r.Context())
		h.record(authOpLogout, err)
	}
	redirectAfterPost(w, r, "/")
}

// sessionResponse は認証状態のAPIレスポンス。
type sessionResponse struct {
	Loading bool           `json:"loading"`
	User    *model.Session `json:"user"`
}

// Session は現在の認証状態をJSONで返す。
// GET /api/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	snap := snapshotOf(r)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(sessionResponse{
		Loading: snap.Loading,
		User:    snap.Session,
	})
}

// requireStore はリクエストのWebセッションのStoreを返す。なければ作成する。
func (h *AuthHandler) requireStore(w http.ResponseWriter, r *http.Request) (*auth.Store, bool) {
	e, err := middleware.EnsureEntry(r)
	if err != nil {
		h.logger.Error("Webセッションを用意できません",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return e.Store, true
}

// freshStore はWebセッションIDを更新し、新しいWebセッションのStoreを返す。
// ログイン前のCookieを認証済みのセッションとして使わせないため、認証操作の直前に呼び出す。
func (h *AuthHandler) freshStore(w http.ResponseWriter, r *http.Request) (*auth.Store, bool) {
	e, err := middleware.RotateEntry(r)
	if err != nil {
		h.logger.Error("WebセッションIDの更新に失敗しました",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return e.Store, true
}

func (h *AuthHandler) record(op string, err error) {
	if h.recorder == nil {
		return
	}
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultFailure
	}
	h.recorder.RecordAuthOperation(op, result)
}

func (h *AuthHandler) setOAuthCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth/google",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
