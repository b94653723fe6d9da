// Package cleanup は期限切れWebセッションの定期削除ジョブを提供する。
// リポジトリの行とメモリ上のエントリ（認証状態ストア）の両方を削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval は定期実行の間隔。
const DefaultInterval = time.Hour

// Cleaner は期限切れWebセッションを削除し、削除件数を返す。
// websession.Registryが実装する。
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// CleanerFunc は関数をCleanerとして扱うアダプタ。
type CleanerFunc func(ctx context.Context) (int64, error)

// CleanupExpired はf(ctx)を呼び出す。
func (f CleanerFunc) CleanupExpired(ctx context.Context) (int64, error) {
	return f(ctx)
}

// Recorder は削除件数を受け取る。metrics.Collectorが実装する。
type Recorder interface {
	RecordSessionsCleaned(count int64)
}

// CleanupJob は期限切れWebセッションの削除ジョブ。
// 冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	cleaner  Cleaner
	logger   *slog.Logger
	recorder Recorder
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(cleaner Cleaner, logger *slog.Logger, recorder Recorder) *CleanupJob {
	return &CleanupJob{
		cleaner:  cleaner,
		logger:   logger,
		recorder: recorder,
	}
}

// Run は期限切れWebセッションを1回削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.cleaner.CleanupExpired(ctx)
	if err != nil {
		j.logger.Error("Webセッションのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to clean up web sessions: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordSessionsCleaned(deletedCount)
	}

	j.logger.Info("Webセッションのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、その後interval毎にRunを実行する。ctxがキャンセルされるまでブロックする。
// Runの失敗はログに残して次回に持ち越す。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
