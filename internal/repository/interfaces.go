// Package repository はデータ永続化のインターフェースと実装を定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/tradehub/internal/model"
)

// WebSessionRepository はブラウザセッションとプロバイダーのリフレッシュトークンの対応を永続化する。
// 商品・輸出入データはリモートAPIが保持するため、このアプリが永続化するのはこれのみ。
type WebSessionRepository interface {
	// Create はWebセッションを作成する。
	Create(ctx context.Context, ws *model.WebSession) error

	// FindByID は指定IDのWebセッションを取得する。期限切れまたは存在しない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.WebSession, error)

	// UpdateCredentials はログイン状態の変化に合わせてUIDとリフレッシュトークンを更新する。
	// ログアウト時は両方を空文字列にする。
	UpdateCredentials(ctx context.Context, id, uid, refreshToken string) error

	// Touch は有効期限を延長する。
	Touch(ctx context.Context, id string, expiresAt time.Time) error

	// DeleteByID は指定IDのWebセッションを削除する。
	DeleteByID(ctx context.Context, id string) error

	// DeleteExpired は期限切れのWebセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
