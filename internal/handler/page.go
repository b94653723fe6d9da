// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/tradehub/internal/auth"
	"github.com/hitoshi/tradehub/internal/middleware"
	"github.com/hitoshi/tradehub/internal/model"
	"github.com/hitoshi/tradehub/internal/notify"
	"github.com/hitoshi/tradehub/internal/view"
)

// Renderer はページ描画のインターフェース。view.Rendererが実装する。
type Renderer interface {
	Render(w http.ResponseWriter, status int, name string, page view.Page)
	NewNav(loading bool, sess *model.Session) view.Nav
}

// pages はリクエストのWebセッションからナビゲーション・通知・CSRFトークンを集めて描画する。
type pages struct {
	renderer      Renderer
	googleEnabled bool
}

func (p *pages) render(w http.ResponseWriter, r *http.Request, status int, name, title string, data any) {
	snap := snapshotOf(r)
	page := view.Page{
		Title:         title,
		Path:          r.URL.Path,
		Nav:           p.renderer.NewNav(snap.Loading, snap.Session),
		CSRFToken:     middleware.CSRFTokenFromContext(r.Context()),
		GoogleEnabled: p.googleEnabled,
		Data:          data,
	}
	if e := middleware.EntryFromContext(r.Context()); e != nil {
		page.Flash = e.Flash.Drain()
	}
	p.renderer.Render(w, status, name, page)
}

// snapshotOf はリクエストに紐づく認証状態を返す。Webセッションがなければ未ログイン扱い。
func snapshotOf(r *http.Request) auth.Snapshot {
	if e := middleware.EntryFromContext(r.Context()); e != nil {
		return e.Store.Snapshot()
	}
	return auth.Snapshot{}
}

// storeOf はリクエストに紐づくStoreを返す。
func storeOf(r *http.Request) *auth.Store {
	if e := middleware.EntryFromContext(r.Context()); e != nil {
		return e.Store
	}
	return nil
}

// notifierOf はリクエストに紐づく通知キューを返す。
// Webセッションがまだなければ、最初の通知の時点で作成する。
func notifierOf(r *http.Request) notify.Notifier {
	if e := middleware.EntryFromContext(r.Context()); e != nil {
		return e.Flash
	}
	return lazyNotifier{r: r}
}

// lazyNotifier は通知のたびにWebセッションを確保し、その通知キューに委譲する。
// 作成できない場合は通知を捨てる。
type lazyNotifier struct {
	r *http.Request
}

func (n lazyNotifier) target() notify.Notifier {
	e, err := middleware.EnsureEntry(n.r)
	if err != nil {
		slog.Warn("通知のためのWebセッションを作成できません",
			slog.String("path", n.r.URL.Path),
			slog.String("error", err.Error()),
		)
		return discardNotifier{}
	}
	return e.Flash
}

func (n lazyNotifier) Success(msg string)              { n.target().Success(msg) }
func (n lazyNotifier) Error(msg string)                { n.target().Error(msg) }
func (n lazyNotifier) Loading(msg string) notify.Token { return n.target().Loading(msg) }
func (n lazyNotifier) Dismiss(t notify.Token)          { n.target().Dismiss(t) }

type discardNotifier struct{}

func (discardNotifier) Success(string)              {}
func (discardNotifier) Error(string)                {}
func (discardNotifier) Loading(string) notify.Token { return "" }
func (discardNotifier) Dismiss(notify.Token)        {}

// requireUserID はガード通過後のユーザーIDを返す。
// 取得できない場合はログインページへ誘導し、falseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		slog.Warn("ユーザーIDを取得できません", slog.String("path", r.URL.Path))
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return "", false
	}
	return userID, true
}

// redirectAfterPost はPOST処理後にGETで再表示させる。
func redirectAfterPost(w http.ResponseWriter, r *http.Request, target string) {
	http.Redirect(w, r, target, http.StatusSeeOther)
}
