// Package view はHTMLテンプレートの描画を提供する。
// テンプレートと静的ファイルはバイナリに埋め込む。
package view

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/tradehub/internal/model"
	"github.com/hitoshi/tradehub/internal/notify"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// ページテンプレート名。
const (
	PageHome        = "home"
	PageAllProducts = "all_products"
	PageProduct     = "product"
	PageMyExport    = "my_export"
	PageAddExport   = "add_export"
	PageMyImport    = "my_import"
	PageLogin       = "login"
	PageSignup      = "signup"
	PagePending     = "pending"
	PageNotFound    = "not_found"
)

var pageNames = []string{
	PageHome, PageAllProducts, PageProduct, PageMyExport, PageAddExport,
	PageMyImport, PageLogin, PageSignup, PagePending, PageNotFound,
}

// Nav はナビゲーションバーの表示内容。
type Nav struct {
	// Loading の間はナビゲーションを描画しない。
	Loading   bool
	Session   *model.Session
	AvatarURL string
	FirstName string
}

// Page は1ページ分の描画データ。
type Page struct {
	Title         string
	Path          string
	Nav           Nav
	Flash         []notify.Message
	CSRFToken     string
	GoogleEnabled bool
	Data          any
}

// Renderer はページテンプレートを保持し、描画する。
type Renderer struct {
	pages         map[string]*template.Template
	logger        *slog.Logger
	defaultAvatar string
}

// NewRenderer は埋め込みテンプレートをすべて解析してRendererを生成する。
func NewRenderer(logger *slog.Logger, defaultAvatarURL string) (*Renderer, error) {
	r := &Renderer{
		pages:         make(map[string]*template.Template, len(pageNames)),
		logger:        logger,
		defaultAvatar: defaultAvatarURL,
	}
	for _, name := range pageNames {
		t, err := template.New(name).Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// NewNav はセッションからナビゲーションの表示内容を組み立てる。
// プロフィール画像がない場合は既定のアバターを使う。
func (r *Renderer) NewNav(loading bool, sess *model.Session) Nav {
	nav := Nav{Loading: loading, Session: sess}
	if sess != nil {
		nav.FirstName = sess.FirstName()
		nav.AvatarURL = sess.PhotoURL
		if nav.AvatarURL == "" {
			nav.AvatarURL = r.defaultAvatar
		}
	}
	return nav
}

// Render はページを描画する。テンプレートの実行に失敗した場合は500を返す。
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, page Page) {
	t, ok := r.pages[name]
	if !ok {
		r.logger.Error("テンプレートが見つかりません", slog.String("template", name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", page); err != nil {
		r.logger.Error("テンプレートの描画に失敗しました",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// StaticHandler は埋め込み静的ファイルを/static/配下で配信するハンドラーを返す。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

var funcs = template.FuncMap{
	"price": func(v float64) string {
		return fmt.Sprintf("$%.2f", v)
	},
	"rating": func(v float64) string {
		return fmt.Sprintf("%.1f", v)
	},
	"active": func(current, path string) bool {
		if path == "/" {
			return current == "/"
		}
		return strings.HasPrefix(current, path)
	},
}
