// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// DefaultDisplayName はプロバイダーが表示名を持たない場合に使用する表示名。
const DefaultDisplayName = "User"

// Session は認証済みユーザーを表す。
// プロバイダーのカレントユーザーからそのまま導出され、このシステムでは永続化しない。
// 未ログイン状態は nil で表す。
type Session struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// FirstName は表示名の最初の語を返す。ナビゲーションの表示に使用する。
func (s *Session) FirstName() string {
	if s == nil {
		return DefaultDisplayName
	}
	first, _, _ := strings.Cut(s.DisplayName, " ")
	if first == "" {
		return DefaultDisplayName
	}
	return first
}

// WebSession はブラウザのセッションCookieとプロバイダーのリフレッシュトークンを紐付ける。
// プロセス再起動後にセッションストアを復元するためだけに保持する。
type WebSession struct {
	ID           string
	UID          string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}
