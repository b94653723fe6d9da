// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrNotImage は画像URLが画像を返さないことを表す。
var ErrNotImage = errors.New("URL does not point to an image")

// allowedSchemes は画像URLとして許可するスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はURLの静的検証でブロックするネットワーク範囲。
// 実際の接続時はsafeurlがDNS解決後のIPアドレスも検証する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// NewSafeClient はプライベートIP・ループバック・メタデータIPへの接続を拒否するHTTPクライアントを生成する。
// safeurlはnet.DialerのControlフックでDNS解決後のIPアドレスを検証するため、
// DNS再バインディング攻撃にも対応している。
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ImageProbe は輸出品フォームで入力された画像URLを検証する。
// 静的検証のあと、有効な場合はHEADリクエストでContent-Typeがimage/*であることを確認する。
type ImageProbe struct {
	client  *http.Client
	logger  *slog.Logger
	enabled bool

	// allowPrivate はテストでループバックのサーバーを使うための設定。
	allowPrivate bool
}

// NewImageProbe はImageProbeを生成する。
// enabledがfalseの場合はネットワークに出ず、静的検証のみを行う。
func NewImageProbe(client *http.Client, logger *slog.Logger, enabled bool) *ImageProbe {
	return &ImageProbe{client: client, logger: logger, enabled: enabled}
}

// Check は画像URLを検証する。問題がなければnilを返す。
func (p *ImageProbe) Check(ctx context.Context, rawURL string) error {
	if err := p.validate(rawURL); err != nil {
		return err
	}
	if !p.enabled {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("invalid image URL: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("画像URLの確認に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("image URL is not reachable: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("image URL returned %d", resp.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return ErrNotImage
	}
	return nil
}

// ValidateURL はDNS解決を伴わない静的なURL検証を行う。
func ValidateURL(rawURL string) error {
	return validateURL(rawURL, false)
}

func (p *ImageProbe) validate(rawURL string) error {
	return validateURL(rawURL, p.allowPrivate)
}

func validateURL(rawURL string, allowPrivate bool) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %q", scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if allowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
