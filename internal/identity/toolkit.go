// Package identity は外部Identity Providerとの連携を提供する。
// Identity Toolkit互換REST APIのクライアント、ブラウザセッション単位の
// 認証状態ハンドル、GoogleのOIDCリダイレクトフローを含む。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultEndpoint はIdentity Toolkit REST APIのベースURL。
	DefaultEndpoint = "https://identitytoolkit.googleapis.com/v1"
	// DefaultTokenEndpoint はリフレッシュトークン交換のエンドポイント。
	DefaultTokenEndpoint = "https://securetoken.googleapis.com/v1/token"

	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 1 << 20
)

// ToolkitConfig はToolkitの設定。
type ToolkitConfig struct {
	APIKey        string
	Endpoint      string
	TokenEndpoint string
	// RequestURI はsignInWithIdpに渡すリダイレクト元URI。
	RequestURI string
}

// Toolkit はIdentity Toolkit互換REST APIのクライアント。
// 全メソッドはステートレスで、複数のClientから共有される。
type Toolkit struct {
	httpClient *http.Client
	logger     *slog.Logger
	config     ToolkitConfig
}

// NewToolkit はToolkitの新しいインスタンスを生成する。
func NewToolkit(httpClient *http.Client, logger *slog.Logger, config ToolkitConfig) *Toolkit {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.TokenEndpoint == "" {
		config.TokenEndpoint = DefaultTokenEndpoint
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")
	return &Toolkit{
		httpClient: httpClient,
		logger:     logger,
		config:     config,
	}
}

// AuthResult はサインイン系APIの結果。
type AuthResult struct {
	LocalID      string
	Email        string
	DisplayName  string
	PhotoURL     string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// AccountInfo はaccounts:lookup / accounts:update が返すアカウント情報。
type AccountInfo struct {
	LocalID     string `json:"localId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl"`
	Disabled    bool   `json:"disabled"`
}

// TokenResult はリフレッシュトークン交換の結果。
type TokenResult struct {
	UserID       string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

type signInResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	PhotoURL     string `json:"photoUrl"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

func (r *signInResponse) result(now time.Time) *AuthResult {
	return &AuthResult{
		LocalID:      r.LocalID,
		Email:        r.Email,
		DisplayName:  r.DisplayName,
		PhotoURL:     r.PhotoURL,
		IDToken:      r.IDToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    now.Add(parseExpiresIn(r.ExpiresIn)),
	}
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SignInWithPassword はメール・パスワードでサインインする。
func (t *Toolkit) SignInWithPassword(ctx context.Context, email, password string) (*AuthResult, error) {
	var resp signInResponse
	err := t.post(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.result(time.Now()), nil
}

// SignUp はメール・パスワードで新規アカウントを作成する。
func (t *Toolkit) SignUp(ctx context.Context, email, password string) (*AuthResult, error) {
	var resp signInResponse
	err := t.post(ctx, "accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.result(time.Now()), nil
}

// SignInWithIdP は外部IdPのIDトークンでサインインする。
func (t *Toolkit) SignInWithIdP(ctx context.Context, providerID, idToken string) (*AuthResult, error) {
	postBody := url.Values{
		"id_token":   {idToken},
		"providerId": {providerID},
	}
	var resp signInResponse
	err := t.post(ctx, "accounts:signInWithIdp", map[string]any{
		"postBody":          postBody.Encode(),
		"requestUri":        t.config.RequestURI,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.result(time.Now()), nil
}

// UpdateProfile は表示名とプロフィール画像URLを更新する。
// 空文字列のフィールドは削除扱いにせず、送信しない。
func (t *Toolkit) UpdateProfile(ctx context.Context, idToken, displayName, photoURL string) (*AccountInfo, error) {
	body := map[string]any{
		"idToken":           idToken,
		"returnSecureToken": false,
	}
	if displayName != "" {
		body["displayName"] = displayName
	}
	if photoURL != "" {
		body["photoUrl"] = photoURL
	}

	var info AccountInfo
	if err := t.post(ctx, "accounts:update", body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Lookup はIDトークンに対応するアカウント情報を取得する。
func (t *Toolkit) Lookup(ctx context.Context, idToken string) (*AccountInfo, error) {
	var resp struct {
		Users []AccountInfo `json:"users"`
	}
	if err := t.post(ctx, "accounts:lookup", map[string]any{"idToken": idToken}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, NewError(CodeUserNotFound)
	}
	return &resp.Users[0], nil
}

// SendPasswordReset はパスワード再設定メールの送信を依頼する。
func (t *Toolkit) SendPasswordReset(ctx context.Context, email string) error {
	return t.post(ctx, "accounts:sendOobCode", map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, nil)
}

// Refresh はリフレッシュトークンを新しいIDトークンに交換する。
func (t *Toolkit) Refresh(ctx context.Context, refreshToken string) (*TokenResult, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	reqURL := t.config.TokenEndpoint + "?key=" + url.QueryEscape(t.config.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp struct {
		UserID       string `json:"user_id"`
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    string `json:"expires_in"`
	}
	if err := t.do(req, "token", &resp); err != nil {
		return nil, err
	}

	return &TokenResult{
		UserID:       resp.UserID,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(parseExpiresIn(resp.ExpiresIn)),
	}, nil
}

// post はJSONボディでAPIメソッドを呼び出し、結果をoutにデコードする。
func (t *Toolkit) post(ctx context.Context, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	reqURL := t.config.Endpoint + "/" + method + "?key=" + url.QueryEscape(t.config.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return t.do(req, method, out)
}

func (t *Toolkit) do(req *http.Request, method string, out any) error {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Error("Identity Providerへのリクエストに失敗しました",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return &Error{Code: CodeNetworkFailed, Message: "A network error has occurred (" + CodeNetworkFailed + ")."}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er errorResponse
		if jsonErr := json.Unmarshal(body, &er); jsonErr != nil || er.Error.Message == "" {
			t.logger.Warn("Identity Providerが想定外のエラーボディを返しました",
				slog.String("method", method),
				slog.Int("http_status", resp.StatusCode),
			)
			return NewError(CodeInternal)
		}
		perr := normalizeProviderError(er.Error.Message)
		t.logger.Info("Identity Providerがリクエストを拒否しました",
			slog.String("method", method),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", perr.Code),
		)
		return perr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

// parseExpiresIn は秒数文字列をDurationに変換する。不正値は1時間とみなす。
func parseExpiresIn(s string) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return time.Hour
	}
	return time.Duration(n) * time.Second
}
