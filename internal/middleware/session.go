// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/tradehub/internal/websession"
)

// SessionCookieName はWebセッションIDを署名付きで保持するCookieの名前。
const SessionCookieName = "tradehub_session"

// readyWait は新規作成したStoreの初回通知を待つ最大時間。
const readyWait = time.Second

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストにWebセッションの状態を格納するためのキー。
var sessionContextKey = contextKey("web_session")

// ErrNoSessionManager はWebセッションを作成できないコンテキストで作成を要求した場合のエラー。
var ErrNoSessionManager = errors.New("web session manager not in context")

// SessionRegistry はWebセッションの取得・作成・削除に必要なインターフェース。
// websession.Registryの部分集合として定義する。
type SessionRegistry interface {
	Create(ctx context.Context) (*websession.Entry, error)
	Get(ctx context.Context, id string) (*websession.Entry, bool, error)
	Delete(ctx context.Context, id string) error
	ExpiresAt(e *websession.Entry) time.Time
}

// SessionCodec はCookie値とWebセッションIDを相互変換する。
type SessionCodec interface {
	Encode(sessionID string, expiresAt time.Time) (string, error)
	Decode(value string) (string, error)
}

// SessionConfig はセッションCookieの属性。
type SessionConfig struct {
	CookieSecure bool
	CookieDomain string
}

// SessionManager はWebセッションCookieの読み取りと、必要時の作成・ID更新を行う。
type SessionManager struct {
	registry SessionRegistry
	codec    SessionCodec
	config   SessionConfig
}

// NewSessionManager はSessionManagerを生成する。
func NewSessionManager(registry SessionRegistry, codec SessionCodec, config SessionConfig) *SessionManager {
	return &SessionManager{registry: registry, codec: codec, config: config}
}

// requestSession は1リクエスト中のWebセッション。
// entryはCookieから復元できた場合か、EnsureEntry・RotateEntryで作成した後に設定される。
type requestSession struct {
	manager *SessionManager
	w       http.ResponseWriter
	entry   *websession.Entry
}

// NewSessionMiddleware は署名付きCookieからWebセッションを読み取り、
// リクエストコンテキストに注入するミドルウェアを返す。
func NewSessionMiddleware(registry SessionRegistry, codec SessionCodec, config SessionConfig) func(next http.Handler) http.Handler {
	return NewSessionManager(registry, codec, config).Middleware()
}

// Middleware はCookieのWebセッションを復元してコンテキストに注入する。
// Cookieがない・不正・期限切れの場合は作成せず、通知やログインで必要になった時点で作成する。
// 未ログインでも拒否はしない。ログイン要否の判定はルートガードが行う。
func (m *SessionManager) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// 1. CookieからWebセッションを取得
			var entry *websession.Entry
			renewed := false
			if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
				if id, err := m.codec.Decode(cookie.Value); err == nil {
					entry, renewed, err = m.registry.Get(ctx, id)
					if err != nil {
						slog.Error("Webセッションの取得に失敗しました",
							slog.String("error", err.Error()),
						)
						WriteInternalServerError(w)
						return
					}
				}
				// 使えないCookieは毎回の照会を避けるため削除する
				if entry == nil {
					m.clearCookie(w)
				}
			}

			// 2. 延長時はCookieを再発行
			if renewed {
				if err := m.setCookie(w, entry); err != nil {
					slog.Error("セッションCookieの発行に失敗しました",
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}
			}

			// 3. 状態をコンテキストに注入
			rs := &requestSession{manager: m, w: w, entry: entry}
			ctx = context.WithValue(ctx, sessionContextKey, rs)
			next.ServeHTTP(w, r.WithContext(ctx))

			// ハンドラー内でのログイン・ログアウトを反映してからアクセスログに載せる
			if rs.entry != nil {
				if sess := rs.entry.Store.Snapshot().Session; sess != nil {
					setLogUserID(ctx, sess.UID)
				}
			}
		})
	}
}

// Attach はエントリeを現在のWebセッションとして持つリクエストを返す。
// eはnilでもよい。ミドルウェアを経由しない呼び出しで使用する。
func (m *SessionManager) Attach(w http.ResponseWriter, r *http.Request, e *websession.Entry) *http.Request {
	rs := &requestSession{manager: m, w: w, entry: e}
	return r.WithContext(context.WithValue(r.Context(), sessionContextKey, rs))
}

// create は新しいエントリを作成してCookieを発行し、Storeの初回通知を待つ。
func (m *SessionManager) create(ctx context.Context, w http.ResponseWriter) (*websession.Entry, error) {
	e, err := m.registry.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create web session: %w", err)
	}
	if err := m.setCookie(w, e); err != nil {
		if delErr := m.registry.Delete(ctx, e.ID); delErr != nil {
			slog.Warn("Webセッションの削除に失敗しました", slog.String("error", delErr.Error()))
		}
		return nil, fmt.Errorf("failed to set session cookie: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, readyWait)
	defer cancel()
	_ = e.Store.WaitReady(waitCtx)
	return e, nil
}

func (m *SessionManager) setCookie(w http.ResponseWriter, e *websession.Entry) error {
	expiresAt := m.registry.ExpiresAt(e)
	value, err := m.codec.Encode(e.ID, expiresAt)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   m.config.CookieDomain,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   m.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (m *SessionManager) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func sessionFromContext(ctx context.Context) *requestSession {
	rs, _ := ctx.Value(sessionContextKey).(*requestSession)
	return rs
}

// EntryFromContext はリクエストコンテキストからWebセッションのエントリを取得する。
// まだ作成されていない場合はnilを返す。
func EntryFromContext(ctx context.Context) *websession.Entry {
	if rs := sessionFromContext(ctx); rs != nil {
		return rs.entry
	}
	return nil
}

// ContextWithEntry はコンテキストにWebセッションのエントリを注入する。
// このコンテキストではエントリの作成・ID更新はできない。
func ContextWithEntry(ctx context.Context, e *websession.Entry) context.Context {
	return context.WithValue(ctx, sessionContextKey, &requestSession{entry: e})
}

// EnsureEntry はリクエストのWebセッションを返す。まだなければ作成してCookieを発行する。
// レスポンスヘッダーを書き込む前に呼び出すこと。
func EnsureEntry(r *http.Request) (*websession.Entry, error) {
	rs := sessionFromContext(r.Context())
	if rs == nil {
		return nil, ErrNoSessionManager
	}
	if rs.entry != nil {
		return rs.entry, nil
	}
	if rs.manager == nil {
		return nil, ErrNoSessionManager
	}
	e, err := rs.manager.create(r.Context(), rs.w)
	if err != nil {
		return nil, err
	}
	rs.entry = e
	return e, nil
}

// RotateEntry は新しいWebセッションを作成してCookieを差し替え、それまでのWebセッションを削除する。
// ログイン前に呼び出し、ログイン前のCookieが認証済みセッションを指さないようにする。
// レスポンスヘッダーを書き込む前に呼び出すこと。
func RotateEntry(r *http.Request) (*websession.Entry, error) {
	rs := sessionFromContext(r.Context())
	if rs == nil || rs.manager == nil {
		return nil, ErrNoSessionManager
	}
	e, err := rs.manager.create(r.Context(), rs.w)
	if err != nil {
		return nil, err
	}
	old := rs.entry
	rs.entry = e

	if old != nil {
		if err := rs.manager.registry.Delete(r.Context(), old.ID); err != nil {
			slog.Warn("更新前のWebセッションの削除に失敗しました",
				slog.String("web_session_id", old.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return e, nil
}

// UserIDFromContext はリクエストコンテキストからログイン中のユーザーIDを取得する。
// Webセッションがない場合、認証状態の読み込み中や未ログインの場合はエラーを返す。
func UserIDFromContext(ctx context.Context) (string, error) {
	if e := EntryFromContext(ctx); e != nil {
		if sess := e.Store.Snapshot().Session; sess != nil && sess.UID != "" {
			return sess.UID, nil
		}
	}
	return "", fmt.Errorf("user ID not found in context")
}
