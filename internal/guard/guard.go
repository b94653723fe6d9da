// Package guard はログインが必要なルートへのアクセス可否を判定する。
package guard

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/tradehub/internal/auth"
)

// Decision はルートガードの判定結果。
type Decision int

const (
	// Pending は認証状態の読み込み中で、許可も拒否もしない。
	Pending Decision = iota
	// Redirect はログインページへ誘導する。
	Redirect
	// Allow は保護されたビューの表示を許可する。
	Allow
)

func (d Decision) String() string {
	switch d {
	case Pending:
		return "pending"
	case Redirect:
		return "redirect"
	case Allow:
		return "allow"
	default:
		return "unknown"
	}
}

// Decide はスナップショットのみから判定する純粋関数。
func Decide(s auth.Snapshot) Decision {
	if s.Loading {
		return Pending
	}
	if s.Session == nil {
		return Redirect
	}
	return Allow
}

// DefaultLoginPath はリダイレクト先のログインページ。
const DefaultLoginPath = "/login"

// pendingRefreshSeconds は保留ページの再読み込み間隔。
const pendingRefreshSeconds = 1

// Config はMiddlewareの設定。
type Config struct {
	// StoreFromRequest はリクエストに紐づくStoreを返す。セッションがなければnil。
	StoreFromRequest func(r *http.Request) *auth.Store
	// PendingWait は判定前に読み込み完了を待つ最大時間。
	PendingWait time.Duration
	// LoginPath は空ならDefaultLoginPath。
	LoginPath string
	// PendingHandler は保留状態の描画。nilなら簡易ページを返す。
	PendingHandler http.Handler
	Logger         *slog.Logger
}

// Middleware はDecideの結果に従ってリクエストを振り分けるミドルウェアを返す。
// Redirectの場合は後続ハンドラーを呼ばないため、カタログAPIへの通信も発生しない。
func Middleware(cfg Config) func(http.Handler) http.Handler {
	loginPath := cfg.LoginPath
	if loginPath == "" {
		loginPath = DefaultLoginPath
	}
	pending := cfg.PendingHandler
	if pending == nil {
		pending = http.HandlerFunc(defaultPending)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var snap auth.Snapshot
			if store := cfg.StoreFromRequest(r); store != nil {
				snap = waitSnapshot(r.Context(), store, cfg.PendingWait)
			}

			switch Decide(snap) {
			case Pending:
				w.Header().Set("Refresh", strconv.Itoa(pendingRefreshSeconds))
				pending.ServeHTTP(w, r)
			case Redirect:
				logger.Debug("未ログインのためログインページへリダイレクトします",
					slog.String("path", r.URL.Path),
				)
				http.Redirect(w, r, LoginURL(loginPath, r.URL.RequestURI()), http.StatusFound)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// waitSnapshot は最大waitの間だけ読み込み完了を待ち、その時点のスナップショットを返す。
func waitSnapshot(ctx context.Context, store *auth.Store, wait time.Duration) auth.Snapshot {
	if wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		// タイムアウト時はLoadingのままのスナップショットで保留を返す
		_ = store.WaitReady(waitCtx)
	}
	return store.Snapshot()
}

// LoginURL はログイン後の戻り先を付けたログインページのURLを返す。
func LoginURL(loginPath, target string) string {
	if target == "" || target == "/" {
		return loginPath
	}
	return loginPath + "?redirect=" + url.QueryEscape(target)
}

// SafeRedirect はログイン後の戻り先として安全なパスを返す。
// 同一オリジンの絶対パス以外は"/"に置き換える。
func SafeRedirect(target string) string {
	if target == "" || target[0] != '/' || len(target) > 1 && (target[1] == '/' || target[1] == '\\') {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return target
}

func defaultPending(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`<!DOCTYPE html><html><body><p class="loading">Loading...</p></body></html>`))
}
