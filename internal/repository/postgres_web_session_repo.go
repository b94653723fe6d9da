package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/tradehub/internal/model"
)

// PostgresWebSessionRepo はPostgreSQLを使用したWebセッションリポジトリ。
type PostgresWebSessionRepo struct {
	db *sql.DB
}

// NewPostgresWebSessionRepo はPostgresWebSessionRepoを生成する。
func NewPostgresWebSessionRepo(db *sql.DB) *PostgresWebSessionRepo {
	return &PostgresWebSessionRepo{db: db}
}

// Create はWebセッションを作成する。
func (r *PostgresWebSessionRepo) Create(ctx context.Context, ws *model.WebSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO web_sessions (id, uid, refresh_token, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		ws.ID, ws.UID, ws.RefreshToken, ws.ExpiresAt, ws.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create web session: %w", err)
	}
	return nil
}

// FindByID は指定IDのWebセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresWebSessionRepo) FindByID(ctx context.Context, id string) (*model.WebSession, error) {
	ws := &model.WebSession{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, uid, refresh_token, expires_at, created_at
		 FROM web_sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&ws.ID, &ws.UID, &ws.RefreshToken, &ws.ExpiresAt, &ws.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find web session: %w", err)
	}

	return ws, nil
}

// UpdateCredentials はUIDとリフレッシュトークンを更新する。
func (r *PostgresWebSessionRepo) UpdateCredentials(ctx context.Context, id, uid, refreshToken string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE web_sessions
		 SET uid = $2, refresh_token = $3, updated_at = now()
		 WHERE id = $1`,
		id, uid, refreshToken,
	)
	if err != nil {
		return fmt.Errorf("failed to update web session credentials: %w", err)
	}
	return nil
}

// Touch は有効期限を延長する。
func (r *PostgresWebSessionRepo) Touch(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE web_sessions SET expires_at = $2, updated_at = now() WHERE id = $1`,
		id, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to touch web session: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのWebセッションを削除する。
func (r *PostgresWebSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM web_sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete web session: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのWebセッションを削除する。冪等。
func (r *PostgresWebSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM web_sessions WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired web sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted web sessions: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ WebSessionRepository = (*PostgresWebSessionRepo)(nil)
