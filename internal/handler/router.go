package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/tradehub/internal/guard"
	"github.com/hitoshi/tradehub/internal/metrics"
	"github.com/hitoshi/tradehub/internal/middleware"
	"github.com/hitoshi/tradehub/internal/view"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionRegistry middleware.SessionRegistry
	SessionCodec    middleware.SessionCodec
	SessionConfig   middleware.SessionConfig
	CSRFConfig      middleware.CSRFConfig
	RateLimiter     *middleware.RateLimiter
	GuardConfig     guard.Config

	// メトリクス（nilの場合は/metricsを公開しない）
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer

	// ヘルスチェック（nilの場合は常に正常）
	HealthChecker HealthChecker

	// 描画
	Renderer Renderer

	// 認証
	Google     GoogleAuthenticatorInterface
	AuthConfig AuthHandlerConfig

	// カタログ
	ProductService ProductServiceInterface
	ExportService  ExportServiceInterface
	ImportService  ImportServiceInterface
	ImageChecker   ImageChecker
	Sanitizer      ExportSanitizer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → SecurityHeaders → Logging → Metrics
//	  → Session → CSRF → RateLimit(General) [→ RateLimit(Auth)] [→ Guard]
//
// /health、/metrics、/static/* はWebセッションを作らない。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware())
	}

	p := &pages{renderer: deps.Renderer, googleEnabled: deps.Google != nil}

	var recorder AuthRecorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}

	authHandler := NewAuthHandler(deps.Google, recorder, deps.AuthConfig, p, logger)
	productHandler := NewProductHandler(deps.ProductService, p, logger)
	exportHandler := NewExportHandler(deps.ExportService, deps.ImageChecker, deps.Sanitizer, p, logger)
	importHandler := NewImportHandler(deps.ImportService, p, logger)
	healthHandler := NewHealthHandler(deps.HealthChecker)

	guardConfig := deps.GuardConfig
	if guardConfig.StoreFromRequest == nil {
		guardConfig.StoreFromRequest = storeOf
	}
	if guardConfig.PendingHandler == nil {
		guardConfig.PendingHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p.render(w, r, http.StatusOK, view.PagePending, "Loading", nil)
		})
	}
	if guardConfig.Logger == nil {
		guardConfig.Logger = logger
	}

	// --- Webセッション不要のルート ---
	r.Get("/health", healthHandler.Health)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Handle("/static/*", view.StaticHandler())

	// --- Webセッションを持つルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionRegistry, deps.SessionCodec, deps.SessionConfig))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			p.render(w, r, http.StatusNotFound, view.PageNotFound, "Not Found", nil)
		})

		// 公開ページ
		r.Get("/", productHandler.Home)
		r.Get("/all-products", productHandler.AllProducts)
		r.Get("/login", authHandler.LoginForm)
		r.Get("/signup", authHandler.SignupForm)
		r.Post("/logout", authHandler.Logout)
		r.Get("/api/session", authHandler.Session)
		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		// 認証操作（IP単位のレート制限を追加）
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())

			r.Post("/login", authHandler.Login)
			r.Post("/login/reset", authHandler.ResetPassword)
			r.Post("/signup", authHandler.Signup)
			r.Get("/auth/google/login", authHandler.GoogleLogin)
			r.Get("/auth/google/callback", authHandler.GoogleCallback)
		})

		// --- ログインが必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(guard.Middleware(guardConfig))

			r.Route("/products/{id}", func(r chi.Router) {
				r.Get("/", productHandler.Detail)
				r.Post("/import", productHandler.Import)
			})

			r.Route("/my-export", func(r chi.Router) {
				r.Get("/", exportHandler.MyExports)
				r.Post("/{id}", exportHandler.Update)
				r.Post("/{id}/delete", exportHandler.Delete)
			})

			r.Get("/add-export", exportHandler.AddForm)
			r.Post("/add-export", exportHandler.Add)

			r.Get("/my-import", importHandler.MyImports)
			r.Post("/my-import/{id}/remove", importHandler.Remove)
		})
	})

	return r
}
