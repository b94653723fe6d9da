// Package catalog は商品・輸出・輸入を扱うリモートカタログAPIのクライアントを提供する。
// 操作ユーザーは常にX-User-IDヘッダーで伝える。
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/tradehub/internal/model"
)

const (
	// userIDHeader は操作ユーザーを伝えるヘッダー。
	userIDHeader = "X-User-ID"
	// maxErrorBodySize はエラーレスポンスから読み取る最大バイト数。
	maxErrorBodySize = 64 * 1024
)

// Error はカタログAPIが2xx以外を返したことを表す。
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("catalog API returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("catalog API returned %d", e.StatusCode)
}

// MessageOf はAPIが返したメッセージを返す。なければfallbackを返す。
func MessageOf(err error, fallback string) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

// Observer はAPI呼び出しの結果を受け取る。メトリクス収集に使う。
type Observer interface {
	ObserveCatalogRequest(operation string, status int, duration time.Duration)
}

// Client はカタログAPIのクライアント。
// リトライは行わず、呼び出しごとに設定されたタイムアウトを適用する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	timeout    time.Duration
	observer   Observer
}

// Option はClientの任意設定。
type Option func(*Client)

// WithObserver はAPI呼び出しの観測者を設定する。
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLは末尾の"/"を含まない形（例: https://example.com/api）で渡す。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListProducts は全商品を取得する。
func (c *Client) ListProducts(ctx context.Context) ([]model.Product, error) {
	var products []model.Product
	if err := c.do(ctx, "list_products", http.MethodGet, "/products", "", nil, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// LatestProducts は最新の商品を取得する。
func (c *Client) LatestProducts(ctx context.Context) ([]model.Product, error) {
	var products []model.Product
	if err := c.do(ctx, "latest_products", http.MethodGet, "/products/latest", "", nil, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// GetProduct は商品の詳細を取得する。
func (c *Client) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	if err := c.do(ctx, "get_product", http.MethodGet, "/products/"+url.PathEscape(id), "", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListExports はユーザーの輸出品一覧を取得する。
func (c *Client) ListExports(ctx context.Context, userID string) ([]model.Export, error) {
	var exports []model.Export
	if err := c.do(ctx, "list_exports", http.MethodGet, "/exports", userID, nil, &exports); err != nil {
		return nil, err
	}
	return exports, nil
}

// CreateExport は輸出品を登録する。
func (c *Client) CreateExport(ctx context.Context, userID string, in model.ExportInput) (*model.Export, error) {
	var e model.Export
	if err := c.do(ctx, "create_export", http.MethodPost, "/exports", userID, in, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateExport は輸出品を更新し、更新後のレコードを返す。
func (c *Client) UpdateExport(ctx context.Context, userID, id string, in model.ExportInput) (*model.Export, error) {
	var e model.Export
	if err := c.do(ctx, "update_export", http.MethodPut, "/exports/"+url.PathEscape(id), userID, in, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteExport は輸出品を削除する。
func (c *Client) DeleteExport(ctx context.Context, userID, id string) error {
	return c.do(ctx, "delete_export", http.MethodDelete, "/exports/"+url.PathEscape(id), userID, nil, nil)
}

// ListImports はユーザーの輸入一覧を取得する。
func (c *Client) ListImports(ctx context.Context, userID string) ([]model.Import, error) {
	var imports []model.Import
	if err := c.do(ctx, "list_imports", http.MethodGet, "/imports", userID, nil, &imports); err != nil {
		return nil, err
	}
	return imports, nil
}

// CreateImport は商品を指定数量だけ輸入する。
func (c *Client) CreateImport(ctx context.Context, userID, productID string, quantity int) error {
	in := model.ImportInput{ProductID: productID, Quantity: quantity}
	return c.do(ctx, "create_import", http.MethodPost, "/imports", userID, in, nil)
}

// DeleteImport は輸入記録を削除する。
func (c *Client) DeleteImport(ctx context.Context, userID, id string) error {
	return c.do(ctx, "delete_import", http.MethodDelete, "/imports/"+url.PathEscape(id), userID, nil, nil)
}

// do はリクエストを送り、2xxならoutにJSONをデコードする。outがnilならボディは読み捨てる。
func (c *Client) do(ctx context.Context, op, method, path, userID string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(op, 0, start)
		c.logger.Error("カタログAPIの呼び出しに失敗しました",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("catalog request %s failed: %w", op, err)
	}
	defer resp.Body.Close()
	c.observe(op, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
		c.logger.Warn("カタログAPIがエラーステータスを返しました",
			slog.String("operation", op),
			slog.Int("http_status", resp.StatusCode),
			slog.String("message", apiErr.Message),
		)
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Error("カタログAPIのレスポンスのパースに失敗しました",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) observe(op string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveCatalogRequest(op, status, time.Since(start))
	}
}

// errorMessage はエラーボディの {"message": "..."} を取り出す。取れなければ空文字。
func errorMessage(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil || len(b) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &payload); err != nil {
		return ""
	}
	return payload.Message
}
