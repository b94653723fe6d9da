// Package websession はブラウザセッションとその認証状態ストアの対応を管理する。
// ブラウザごとに1つのidentity.Client、auth.Store、notify.Flashを保持し、
// プロバイダーのリフレッシュトークンをリポジトリに永続化して再起動後の復元に使う。
package websession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tradehub/internal/auth"
	"github.com/hitoshi/tradehub/internal/identity"
	"github.com/hitoshi/tradehub/internal/model"
	"github.com/hitoshi/tradehub/internal/notify"
	"github.com/hitoshi/tradehub/internal/repository"
)

// persistTimeout はリフレッシュトークン永続化1回あたりのタイムアウト。
const persistTimeout = 5 * time.Second

// Observer はアクティブセッション数の変化を受け取る。メトリクス収集に使う。
type Observer interface {
	SetActiveSessions(n int)
}

// Config はRegistryの設定。
type Config struct {
	// MaxAge はWebセッションの有効期間。残りが半分を切ったアクセスで延長する。
	MaxAge time.Duration
	// Observer はnilでもよい。
	Observer Observer
}

// Entry は1つのブラウザセッションに属する状態一式。
type Entry struct {
	ID     string
	Client *identity.Client
	Store  *auth.Store
	Flash  *notify.Flash

	expiresAt   time.Time
	persistDone chan struct{}
}

// Registry はWebセッションIDからEntryへの対応を保持する。
// エントリはリポジトリから遅延復元され、削除時にStoreをCloseする。
type Registry struct {
	repo    repository.WebSessionRepository
	backend identity.Backend
	logger  *slog.Logger
	config  Config
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewRegistry はRegistryを生成する。
func NewRegistry(repo repository.WebSessionRepository, backend identity.Backend, config Config, logger *slog.Logger) *Registry {
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	return &Registry{
		repo:    repo,
		backend: backend,
		logger:  logger,
		config:  config,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
}

// Create は新しいWebセッションを作成し、そのエントリを返す。
func (r *Registry) Create(ctx context.Context) (*Entry, error) {
	now := r.now()
	ws := &model.WebSession{
		ID:        uuid.NewString(),
		ExpiresAt: now.Add(r.config.MaxAge),
		CreatedAt: now,
	}
	if err := r.repo.Create(ctx, ws); err != nil {
		return nil, fmt.Errorf("failed to create web session: %w", err)
	}

	e := r.newEntry(ws)

	r.mu.Lock()
	r.entries[ws.ID] = e
	n := len(r.entries)
	r.mu.Unlock()

	r.observe(n)
	r.logger.Debug("Webセッションを作成しました", slog.String("web_session_id", ws.ID))
	return e, nil
}

// Get は指定IDのエントリを返す。メモリにない場合はリポジトリから復元する。
// 存在しないか期限切れの場合はnilを返す。
// renewedは有効期限を延長した場合にtrueとなり、呼び出し元はCookieを再発行する。
func (r *Registry) Get(ctx context.Context, id string) (e *Entry, renewed bool, err error) {
	now := r.now()

	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && !e.expiresAt.After(now) {
		r.evictLocked(id)
		e, ok = nil, false
	}
	r.mu.Unlock()

	if !ok {
		ws, err := r.repo.FindByID(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("failed to find web session: %w", err)
		}
		if ws == nil {
			return nil, false, nil
		}

		restored := r.newEntry(ws)

		r.mu.Lock()
		if existing, ok := r.entries[id]; ok {
			// 並行リクエストが先に復元した
			e = existing
		} else {
			r.entries[id] = restored
			e = restored
		}
		n := len(r.entries)
		r.mu.Unlock()

		if e != restored {
			restored.Store.Close()
		} else {
			r.observe(n)
			r.logger.Debug("Webセッションを復元しました",
				slog.String("web_session_id", id),
				slog.Bool("has_credentials", ws.RefreshToken != ""),
			)
		}
	}

	return e, r.renewIfNeeded(ctx, e, now), nil
}

// renewIfNeeded は残り有効期間が半分を切っていれば延長する。
func (r *Registry) renewIfNeeded(ctx context.Context, e *Entry, now time.Time) bool {
	r.mu.Lock()
	remaining := e.expiresAt.Sub(now)
	if remaining > r.config.MaxAge/2 {
		r.mu.Unlock()
		return false
	}
	expiresAt := now.Add(r.config.MaxAge)
	e.expiresAt = expiresAt
	r.mu.Unlock()

	if err := r.repo.Touch(ctx, e.ID, expiresAt); err != nil {
		r.logger.Warn("Webセッションの延長に失敗しました",
			slog.String("web_session_id", e.ID),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// Delete はWebセッションを削除し、Storeを閉じる。
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	r.evictLocked(id)
	n := len(r.entries)
	r.mu.Unlock()
	r.observe(n)

	if err := r.repo.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("failed to delete web session: %w", err)
	}
	return nil
}

// CleanupExpired は期限切れのWebセッションをリポジトリとメモリの両方から削除する。
// リポジトリで削除した件数を返す。
func (r *Registry) CleanupExpired(ctx context.Context) (int64, error) {
	now := r.now()

	deleted, err := r.repo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired web sessions: %w", err)
	}

	r.mu.Lock()
	for id, e := range r.entries {
		if !e.expiresAt.After(now) {
			r.evictLocked(id)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()
	r.observe(n)

	return deleted, nil
}

// ExpiresAt はエントリの現在の有効期限を返す。
func (r *Registry) ExpiresAt(e *Entry) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.expiresAt
}

// Count はメモリ上のアクティブなエントリ数を返す。
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close は全エントリのStoreを閉じ、永続化ゴルーチンの終了を待つ。
func (r *Registry) Close() {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for id, e := range r.entries {
		entries = append(entries, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.Store.Close()
	}
	for _, e := range entries {
		<-e.persistDone
	}
	r.observe(0)
}

// evictLocked はエントリをメモリから外してStoreを閉じる。r.muを保持して呼び出すこと。
func (r *Registry) evictLocked(id string) {
	if e, ok := r.entries[id]; ok {
		delete(r.entries, id)
		e.Store.Close()
	}
}

func (r *Registry) newEntry(ws *model.WebSession) *Entry {
	flash := notify.NewFlash()
	client := identity.NewClient(r.backend, ws.RefreshToken, r.logger)
	e := &Entry{
		ID:          ws.ID,
		Client:      client,
		Store:       auth.NewStore(client, flash, r.logger.With(slog.String("web_session_id", ws.ID))),
		Flash:       flash,
		expiresAt:   ws.ExpiresAt,
		persistDone: make(chan struct{}),
	}
	go r.persist(e, ws.RefreshToken)
	return e
}

// persist はStoreの状態変化を監視し、リフレッシュトークンが変わるたびにリポジトリへ保存する。
// StoreがCloseされると終了する。
func (r *Registry) persist(e *Entry, initial string) {
	defer close(e.persistDone)

	ch, cancel := e.Store.Subscribe()
	defer cancel()

	last := initial
	for snap := range ch {
		if snap.Loading {
			continue
		}
		rt := e.Client.RefreshToken()
		if rt == last {
			continue
		}
		uid := ""
		if snap.Session != nil {
			uid = snap.Session.UID
		}

		ctx, cancelCtx := context.WithTimeout(context.Background(), persistTimeout)
		err := r.repo.UpdateCredentials(ctx, e.ID, uid, rt)
		cancelCtx()
		if err != nil {
			r.logger.Error("Webセッションの認証情報の保存に失敗しました",
				slog.String("web_session_id", e.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		last = rt
	}
}

func (r *Registry) observe(n int) {
	if r.config.Observer != nil {
		r.config.Observer.SetActiveSessions(n)
	}
}
