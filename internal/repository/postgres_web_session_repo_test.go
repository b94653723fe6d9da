package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/hitoshi/tradehub/internal/database"
	"github.com/hitoshi/tradehub/internal/model"
)

// PostgresWebSessionRepoはWebSessionRepositoryインターフェースを満たすことを検証
func TestPostgresWebSessionRepo_ImplementsInterface(t *testing.T) {
	var _ WebSessionRepository = (*PostgresWebSessionRepo)(nil)
}

func TestNewPostgresWebSessionRepo_Initializes(t *testing.T) {
	if repo := NewPostgresWebSessionRepo(nil); repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// setupPostgres はTEST_DATABASE_URLのDBにマイグレーションを適用して返す。未設定・接続不可の場合はスキップする。
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}

	if err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM web_sessions`); err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}
	return db
}

func TestPostgresWebSessionRepo_Lifecycle(t *testing.T) {
	db := setupPostgres(t)
	repo := NewPostgresWebSessionRepo(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	ws := &model.WebSession{ID: "ws-1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := repo.Create(ctx, ws); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.UpdateCredentials(ctx, "ws-1", "u1", "rt-1"); err != nil {
		t.Fatalf("UpdateCredentials: %v", err)
	}
	got, err := repo.FindByID(ctx, "ws-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got == nil || got.UID != "u1" || got.RefreshToken != "rt-1" {
		t.Fatalf("FindByID = %+v", got)
	}

	if err := repo.DeleteByID(ctx, "ws-1"); err != nil {
		t.Fatalf("DeleteByID: %v", err)
	}
	if got, _ := repo.FindByID(ctx, "ws-1"); got != nil {
		t.Errorf("FindByID after delete = %+v, want nil", got)
	}
}

func TestPostgresWebSessionRepo_DeleteExpired(t *testing.T) {
	db := setupPostgres(t)
	repo := NewPostgresWebSessionRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	repo.Create(ctx, &model.WebSession{ID: "old", ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-2 * time.Hour)})
	repo.Create(ctx, &model.WebSession{ID: "live", ExpiresAt: now.Add(time.Hour), CreatedAt: now})

	n, err := repo.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if got, _ := repo.FindByID(ctx, "old"); got != nil {
		t.Error("expired session should not be found")
	}
	if got, _ := repo.FindByID(ctx, "live"); got == nil {
		t.Error("live session should be found")
	}
}
