// Package auth はブラウザセッション単位の認証状態ストアを提供する。
// Identity Providerの状態通知を購読し、現在のセッションとロード中フラグを公開する。
package auth

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/tradehub/internal/identity"
	"github.com/hitoshi/tradehub/internal/model"
	"github.com/hitoshi/tradehub/internal/notify"
)

// 成功時の通知文言。
const (
	MsgLoginSuccess    = "Logged in successfully!"
	MsgRegisterSuccess = "Account created successfully!"
	MsgGoogleSuccess   = "Welcome via Google!"
	MsgLogoutSuccess   = "Logged out successfully"
	MsgResetEmailSent  = "Password reset email sent! Check your inbox."
)

// Provider はStoreが利用するIdentity Providerの操作。identity.Clientが実装する。
type Provider interface {
	Subscribe() (<-chan *identity.User, func())
	SignInWithPassword(ctx context.Context, email, password string) (*identity.User, error)
	SignUpWithPassword(ctx context.Context, email, password string) (*identity.User, error)
	UpdateProfile(ctx context.Context, displayName, photoURL string) (*identity.User, error)
	SignInWithIdP(ctx context.Context, cred *identity.GoogleCredential) (*identity.User, error)
	SignOut(ctx context.Context) error
	SendPasswordReset(ctx context.Context, email string) error
}

// Snapshot はある時点のStoreの状態。
type Snapshot struct {
	Loading bool
	Session *model.Session
}

// Authenticated はセッションが確定済みかつ存在するかを返す。
func (s Snapshot) Authenticated() bool {
	return !s.Loading && s.Session != nil
}

// Store は1つのブラウザセッションの認証状態を保持する。
// プロバイダーへの購読は生成時に1回だけ開き、Closeで1回だけ解除する。
type Store struct {
	provider Provider
	notifier notify.Notifier
	logger   *slog.Logger

	mu        sync.RWMutex
	snap      Snapshot
	subs      map[int]chan Snapshot
	nextSubID int
	closed    bool

	ready     chan struct{}
	cancel    func()
	closeOnce sync.Once
}

// NewStore はStoreを生成し、プロバイダーの状態通知の処理を開始する。
// 最初の通知を受け取るまでLoadingはtrueとなる。
func NewStore(provider Provider, notifier notify.Notifier, logger *slog.Logger) *Store {
	s := &Store{
		provider: provider,
		notifier: notifier,
		logger:   logger,
		snap:     Snapshot{Loading: true},
		subs:     make(map[int]chan Snapshot),
		ready:    make(chan struct{}),
	}

	events, cancel := provider.Subscribe()
	s.cancel = cancel
	go s.run(events)

	return s
}

// run はプロバイダーの通知を1件ずつ順に反映する。チャネルがcloseされたら終了する。
func (s *Store) run(events <-chan *identity.User) {
	for u := range events {
		s.mu.Lock()
		s.snap.Session = toSession(u)
		if s.snap.Loading {
			s.snap.Loading = false
			close(s.ready)
		}
		s.broadcastLocked()
		s.mu.Unlock()
	}
}

// Snapshot は現在の状態を返す。
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Loading: s.snap.Loading, Session: copySession(s.snap.Session)}
}

// Subscribe は状態変化を受け取るチャネルと購読解除関数を返す。
// 現在の状態を直ちに1回送り、以降は最新の状態のみを保持する。
// Close済みのStoreに対してはcloseされたチャネルを返す。
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	ch <- Snapshot{Loading: s.snap.Loading, Session: copySession(s.snap.Session)}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

// WaitReady は最初のプロバイダー通知を受け取るまで待つ。
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Login はメール・パスワードでログインする。
// 失敗時はエラー通知を出してエラーを返し、セッションは変更しない。
func (s *Store) Login(ctx context.Context, email, password string) (*model.Session, error) {
	u, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, s.fail("login", err)
	}
	return s.succeed(u, MsgLoginSuccess), nil
}

// Register は新規アカウントを作成し、表示名とプロフィール画像を設定する。
// プロフィール更新の失敗はアカウント作成自体を失敗とはみなさない。
func (s *Store) Register(ctx context.Context, name, email, password, photoURL string) (*model.Session, error) {
	u, err := s.provider.SignUpWithPassword(ctx, email, password)
	if err != nil {
		return nil, s.fail("register", err)
	}

	updated, err := s.provider.UpdateProfile(ctx, name, photoURL)
	if err != nil {
		s.logger.Warn("プロフィールの設定に失敗しました",
			slog.String("user_id", u.UID),
			slog.String("error", err.Error()),
		)
	} else {
		u = updated
	}
	return s.succeed(u, MsgRegisterSuccess), nil
}

// GoogleLogin はGoogleの検証済みクレデンシャルでログインする。
func (s *Store) GoogleLogin(ctx context.Context, cred *identity.GoogleCredential) (*model.Session, error) {
	u, err := s.provider.SignInWithIdP(ctx, cred)
	if err != nil {
		return nil, s.fail("google_login", err)
	}
	return s.succeed(u, MsgGoogleSuccess), nil
}

// Logout はログアウトする。成功時はセッションを必ず不在にする。
func (s *Store) Logout(ctx context.Context) error {
	if err := s.provider.SignOut(ctx); err != nil {
		return s.fail("logout", err)
	}
	s.setSession(nil)
	s.notifier.Success(MsgLogoutSuccess)
	return nil
}

// ResetPassword はパスワード再設定メールを送信する。
func (s *Store) ResetPassword(ctx context.Context, email string) error {
	if err := s.provider.SendPasswordReset(ctx, email); err != nil {
		return s.fail("reset_password", err)
	}
	s.notifier.Success(MsgResetEmailSent)
	return nil
}

// Close はプロバイダーの購読を解除し、全購読者のチャネルをcloseする。
// 複数回呼び出しても解除は1回だけ行われる。
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
	})
}

func (s *Store) succeed(u *identity.User, msg string) *model.Session {
	sess := toSession(u)
	s.setSession(sess)
	s.notifier.Success(msg)
	return copySession(sess)
}

func (s *Store) fail(op string, err error) error {
	s.logger.Info("認証操作に失敗しました",
		slog.String("op", op),
		slog.String("code", identity.CodeOf(err)),
	)
	s.notifier.Error(err.Error())
	return err
}

// setSession は操作結果をセッションに直接反映する。Loadingは変更しない。
func (s *Store) setSession(sess *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Session = sess
	s.broadcastLocked()
}

// broadcastLocked は全購読者に現在の状態を送る。s.muを保持して呼び出すこと。
func (s *Store) broadcastLocked() {
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- Snapshot{Loading: s.snap.Loading, Session: copySession(s.snap.Session)}
	}
}

// toSession はプロバイダーのユーザーをセッションに変換する。表示名がなければ既定値を使う。
func toSession(u *identity.User) *model.Session {
	if u == nil {
		return nil
	}
	name := u.DisplayName
	if name == "" {
		name = model.DefaultDisplayName
	}
	return &model.Session{
		UID:         u.UID,
		Email:       u.Email,
		DisplayName: name,
		PhotoURL:    u.PhotoURL,
	}
}

func copySession(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
