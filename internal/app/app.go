package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/tradehub/internal/catalog"
	"github.com/hitoshi/tradehub/internal/config"
	"github.com/hitoshi/tradehub/internal/database"
	"github.com/hitoshi/tradehub/internal/guard"
	"github.com/hitoshi/tradehub/internal/handler"
	"github.com/hitoshi/tradehub/internal/identity"
	"github.com/hitoshi/tradehub/internal/logger"
	"github.com/hitoshi/tradehub/internal/metrics"
	"github.com/hitoshi/tradehub/internal/middleware"
	"github.com/hitoshi/tradehub/internal/repository"
	"github.com/hitoshi/tradehub/internal/security"
	"github.com/hitoshi/tradehub/internal/view"
	"github.com/hitoshi/tradehub/internal/websession"
	"github.com/hitoshi/tradehub/internal/worker/cleanup"
)

// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCleanup:
		return runCleanup(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// sessionStore はWebセッションの保存先と、その疎通確認を表す。
type sessionStore struct {
	repo    repository.WebSessionRepository
	checker handler.HealthChecker
	close   func()
}

// openSessionStore はDATABASE_URLが設定されていればPostgreSQL、なければメモリを保存先にする。
func openSessionStore(ctx context.Context, cfg *config.Config) (*sessionStore, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URLが未設定のため、Webセッションはメモリにのみ保持されます")
		return &sessionStore{
			repo:  repository.NewMemoryWebSessionRepo(),
			close: func() {},
		}, nil
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &sessionStore{
		repo:    repository.NewPostgresWebSessionRepo(db),
		checker: db,
		close:   func() { db.Close() },
	}, nil
}

// server はHTTPハンドラーと、停止時に解放するリソースをまとめたもの。
type server struct {
	handler  http.Handler
	registry *websession.Registry
	cleanup  *cleanup.CleanupJob
	close    func()
}

// buildServer は全依存関係をワイヤリングしてルーターを構築する。
func buildServer(ctx context.Context, cfg *config.Config, store *sessionStore, log *slog.Logger) (*server, error) {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. 認証プロバイダー
	requestURI := cfg.GoogleRedirectURL
	if requestURI == "" {
		requestURI = cfg.BaseURL
	}
	toolkit := identity.NewToolkit(&http.Client{Timeout: cfg.IdentityTimeout}, log, identity.ToolkitConfig{
		APIKey:        cfg.IdentityAPIKey,
		Endpoint:      cfg.IdentityAPIURL,
		TokenEndpoint: cfg.IdentityTokenURL,
		RequestURI:    requestURI,
	})

	var google handler.GoogleAuthenticatorInterface
	if cfg.GoogleEnabled() {
		g, err := identity.NewGoogleAuthenticator(ctx, identity.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			IssuerURL:    cfg.GoogleIssuerURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up google login: %w", err)
		}
		google = g
	} else {
		log.Info("GOOGLE_CLIENT_IDが未設定のため、Googleログインは無効です")
	}

	// 3. Webセッション
	registry := websession.NewRegistry(store.repo, toolkit, websession.Config{
		MaxAge:   time.Duration(cfg.SessionMaxAge) * time.Second,
		Observer: collector,
	}, log)
	codec := websession.NewCookieCodec(cfg.SessionSecret)

	// 4. カタログAPIと入力検証
	catalogClient := catalog.NewClient(&http.Client{}, log, cfg.CatalogAPIURL, cfg.CatalogTimeout,
		catalog.WithObserver(collector))
	imageProbe := security.NewImageProbe(security.NewSafeClient(cfg.ImageProbeTimeout), log, cfg.ImageProbeEnabled)

	// 5. 描画
	renderer, err := view.NewRenderer(log, cfg.DefaultAvatarURL)
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))

	// 6. ルーターの構築
	deps := &handler.RouterDeps{
		Logger:          log,
		SessionRegistry: registry,
		SessionCodec:    codec,
		SessionConfig: middleware.SessionConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,
		GuardConfig: guard.Config{PendingWait: cfg.GuardPendingWait},

		Metrics:  collector,
		Gatherer: reg,

		HealthChecker: store.checker,
		Renderer:      renderer,

		Google: google,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},

		ProductService: catalogClient,
		ExportService:  catalogClient,
		ImportService:  catalogClient,
		ImageChecker:   imageProbe,
		Sanitizer:      security.NewTextSanitizer(),
	}

	return &server{
		handler:  handler.NewRouter(deps),
		registry: registry,
		cleanup:  cleanup.NewCleanupJob(registry, log, collector),
		close: func() {
			rateLimiter.Stop()
			registry.Close()
		},
	}, nil
}

// runServe はWebサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーと期限切れWebセッションの定期削除を起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. Webセッションの保存先
	store, err := openSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	// 2. ワイヤリング
	srv, err := buildServer(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	defer srv.close()

	// 3. 定期クリーンアップ
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	go srv.cleanup.Start(jobCtx, cleanup.DefaultInterval)

	// 4. HTTPサーバーの起動
	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Webサーバーを起動します", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("Webサーバーを停止しています...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("Webサーバーを停止しました")
	return nil
}

// runCleanup は期限切れWebセッションを1回削除して終了する。
// cronなど外部スケジューラからの実行を想定する。
func runCleanup(ctx context.Context, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for cleanup")
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := repository.NewPostgresWebSessionRepo(db)
	job := cleanup.NewCleanupJob(cleanup.CleanerFunc(func(ctx context.Context) (int64, error) {
		return repo.DeleteExpired(ctx, time.Now())
	}), slog.Default(), nil)

	return job.Run(ctx)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrate")
	}

	slog.Info("データベースマイグレーションを実行します",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("データベースマイグレーションが完了しました")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("データベースに接続しました",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
