package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// GoogleProviderID はGoogle IdPのプロバイダーID。
	GoogleProviderID = "google.com"

	// restoreTimeout はリフレッシュトークンからの復元処理のタイムアウト。
	restoreTimeout = 10 * time.Second
	// tokenRefreshMargin はIDトークン期限切れ前に更新を行う余裕時間。
	tokenRefreshMargin = time.Minute
)

// User はプロバイダーが認証済みとみなすプリンシパル。
type User struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
}

// Backend はClientが利用するREST APIの操作。Toolkitが実装する。
type Backend interface {
	SignInWithPassword(ctx context.Context, email, password string) (*AuthResult, error)
	SignUp(ctx context.Context, email, password string) (*AuthResult, error)
	SignInWithIdP(ctx context.Context, providerID, idToken string) (*AuthResult, error)
	UpdateProfile(ctx context.Context, idToken, displayName, photoURL string) (*AccountInfo, error)
	Lookup(ctx context.Context, idToken string) (*AccountInfo, error)
	SendPasswordReset(ctx context.Context, email string) error
	Refresh(ctx context.Context, refreshToken string) (*TokenResult, error)
}

// Client はブラウザセッション単位のプロバイダーハンドル。
// 現在のユーザーとトークンを保持し、状態変化を購読者に通知する。
type Client struct {
	backend Backend
	logger  *slog.Logger

	mu           sync.Mutex
	user         *User
	idToken      string
	refreshToken string
	expiresAt    time.Time
	subs         map[int]chan *User
	nextSubID    int

	// restorePending はリフレッシュトークンからの復元が未完了であることを示す。
	// 復元完了まで購読者への初回通知は行わない。
	restorePending bool
	restoreOnce    sync.Once
}

// NewClient はClientを生成する。
// refreshTokenが空でない場合、最初の購読時にそのトークンでセッションを復元する。
func NewClient(backend Backend, refreshToken string, logger *slog.Logger) *Client {
	return &Client{
		backend:        backend,
		logger:         logger,
		refreshToken:   refreshToken,
		subs:           make(map[int]chan *User),
		restorePending: refreshToken != "",
	}
}

// Subscribe は認証状態の変化を受け取るチャネルと購読解除関数を返す。
// 現在の状態を直ちに1回通知し、以降は変化のたびに通知する。
// チャネルは最新値のみを保持するため、受信が遅れた場合は中間状態を読み飛ばす。
// 購読解除関数は複数回呼び出しても安全で、呼び出し後にチャネルはcloseされる。
func (c *Client) Subscribe() (<-chan *User, func()) {
	ch := make(chan *User, 1)

	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = ch
	pending := c.restorePending
	if !pending {
		ch <- copyUser(c.user)
	}
	c.mu.Unlock()

	if pending {
		c.restoreOnce.Do(func() { go c.restore() })
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// restore はリフレッシュトークンでセッションを復元し、結果を通知する。
// 失敗した場合は未認証として扱う。
func (c *Client) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	c.mu.Lock()
	rt := c.refreshToken
	c.mu.Unlock()

	var user *User
	tok, err := c.backend.Refresh(ctx, rt)
	if err == nil {
		var info *AccountInfo
		info, err = c.backend.Lookup(ctx, tok.IDToken)
		if err == nil {
			user = userFromAccount(info)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.restorePending {
		// 復元中にサインイン・サインアウトが完了している
		return
	}
	c.restorePending = false
	if err != nil {
		c.logger.Warn("セッションの復元に失敗しました",
			slog.String("code", CodeOf(err)),
			slog.String("error", err.Error()),
		)
		c.clearLocked()
	} else {
		c.user = user
		c.idToken = tok.IDToken
		c.refreshToken = tok.RefreshToken
		c.expiresAt = tok.ExpiresAt
	}
	c.notifyLocked()
}

// SignInWithPassword はメール・パスワードでサインインする。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*User, error) {
	res, err := c.backend.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.applyResult(ctx, res), nil
}

// SignUpWithPassword は新規アカウントを作成し、そのままサインイン状態にする。
func (c *Client) SignUpWithPassword(ctx context.Context, email, password string) (*User, error) {
	res, err := c.backend.SignUp(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.applyResult(ctx, res), nil
}

// SignInWithIdP はGoogleの検証済みクレデンシャルでサインインする。
func (c *Client) SignInWithIdP(ctx context.Context, cred *GoogleCredential) (*User, error) {
	if cred == nil || cred.IDToken == "" {
		return nil, NewError(CodeInvalidCredential)
	}
	res, err := c.backend.SignInWithIdP(ctx, GoogleProviderID, cred.IDToken)
	if err != nil {
		return nil, err
	}
	if res.DisplayName == "" {
		res.DisplayName = cred.Name
	}
	if res.PhotoURL == "" {
		res.PhotoURL = cred.Picture
	}
	return c.applyResult(ctx, res), nil
}

// applyResult はサインイン結果を現在状態に反映して購読者に通知する。
// プロフィール項目が欠けている場合はlookupで補完する（失敗しても結果は採用する）。
func (c *Client) applyResult(ctx context.Context, res *AuthResult) *User {
	user := &User{
		UID:         res.LocalID,
		Email:       res.Email,
		DisplayName: res.DisplayName,
		PhotoURL:    res.PhotoURL,
	}
	if user.PhotoURL == "" || user.DisplayName == "" {
		if info, err := c.backend.Lookup(ctx, res.IDToken); err == nil {
			user = userFromAccount(info)
		} else {
			c.logger.Debug("プロフィールの取得に失敗しました", slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.restorePending = false
	c.user = user
	c.idToken = res.IDToken
	c.refreshToken = res.RefreshToken
	c.expiresAt = res.ExpiresAt
	c.notifyLocked()
	return copyUser(user)
}

// UpdateProfile は現在のユーザーの表示名と画像URLを更新する。
func (c *Client) UpdateProfile(ctx context.Context, displayName, photoURL string) (*User, error) {
	idToken, err := c.freshIDToken(ctx)
	if err != nil {
		return nil, err
	}
	info, err := c.backend.UpdateProfile(ctx, idToken, displayName, photoURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil, NewError(CodeUserTokenExpired)
	}
	updated := *c.user
	if info.DisplayName != "" {
		updated.DisplayName = info.DisplayName
	}
	if info.PhotoURL != "" {
		updated.PhotoURL = info.PhotoURL
	}
	c.user = &updated
	c.notifyLocked()
	return copyUser(&updated), nil
}

// freshIDToken は有効なIDトークンを返す。期限が近い場合はリフレッシュする。
func (c *Client) freshIDToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.user == nil || c.refreshToken == "" {
		c.mu.Unlock()
		return "", NewError(CodeUserTokenExpired)
	}
	if c.idToken != "" && time.Until(c.expiresAt) > tokenRefreshMargin {
		tok := c.idToken
		c.mu.Unlock()
		return tok, nil
	}
	rt := c.refreshToken
	c.mu.Unlock()

	tok, err := c.backend.Refresh(ctx, rt)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.idToken = tok.IDToken
	c.refreshToken = tok.RefreshToken
	c.expiresAt = tok.ExpiresAt
	return tok.IDToken, nil
}

// SignOut はローカルの認証状態を破棄し、未認証を通知する。
func (c *Client) SignOut(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restorePending = false
	c.clearLocked()
	c.notifyLocked()
	return nil
}

// SendPasswordReset はパスワード再設定メールを送信する。
func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	return c.backend.SendPasswordReset(ctx, email)
}

// CurrentUser は現在のユーザーのコピーを返す。未認証の場合はnil。
func (c *Client) CurrentUser() *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyUser(c.user)
}

// RefreshToken は永続化用に現在のリフレッシュトークンを返す。
func (c *Client) RefreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshToken
}

func (c *Client) clearLocked() {
	c.user = nil
	c.idToken = ""
	c.refreshToken = ""
	c.expiresAt = time.Time{}
}

// notifyLocked は全購読者に現在の状態を送る。c.muを保持して呼び出すこと。
// 各チャネルは容量1で書き込みはこの関数のみのため、古い値を捨てれば送信はブロックしない。
func (c *Client) notifyLocked() {
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- copyUser(c.user)
	}
}

func userFromAccount(info *AccountInfo) *User {
	return &User{
		UID:         info.LocalID,
		Email:       info.Email,
		DisplayName: info.DisplayName,
		PhotoURL:    info.PhotoURL,
	}
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}
