package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/tradehub/internal/model"
)

// MemoryWebSessionRepo はプロセス内メモリのWebセッションリポジトリ。
// DATABASE_URL未設定時と開発環境で使用する。プロセス再起動で内容は失われる。
type MemoryWebSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]model.WebSession
	now      func() time.Time
}

// NewMemoryWebSessionRepo はMemoryWebSessionRepoを生成する。
func NewMemoryWebSessionRepo() *MemoryWebSessionRepo {
	return &MemoryWebSessionRepo{
		sessions: make(map[string]model.WebSession),
		now:      time.Now,
	}
}

// Create はWebセッションを作成する。
func (r *MemoryWebSessionRepo) Create(_ context.Context, ws *model.WebSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[ws.ID] = *ws
	return nil
}

// FindByID は指定IDのWebセッションを取得する。期限切れの場合はnilを返す。
func (r *MemoryWebSessionRepo) FindByID(_ context.Context, id string) (*model.WebSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.sessions[id]
	if !ok || !ws.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	return &ws, nil
}

// UpdateCredentials はUIDとリフレッシュトークンを更新する。存在しない場合は何もしない。
func (r *MemoryWebSessionRepo) UpdateCredentials(_ context.Context, id, uid, refreshToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ws, ok := r.sessions[id]; ok {
		ws.UID = uid
		ws.RefreshToken = refreshToken
		r.sessions[id] = ws
	}
	return nil
}

// Touch は有効期限を延長する。
func (r *MemoryWebSessionRepo) Touch(_ context.Context, id string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ws, ok := r.sessions[id]; ok {
		ws.ExpiresAt = expiresAt
		r.sessions[id] = ws
	}
	return nil
}

// DeleteByID は指定IDのWebセッションを削除する。
func (r *MemoryWebSessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// DeleteExpired は期限切れのWebセッションを削除する。
func (r *MemoryWebSessionRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, ws := range r.sessions {
		if !ws.ExpiresAt.After(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

var _ WebSessionRepository = (*MemoryWebSessionRepo)(nil)
