// Package connect はパートナー管理APIへの認証付きリクエストを提供する。
// API キーとテナントのなりすましヘッダーを付与し、JSONレスポンスをそのまま返す。
package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/connectframe/internal/metrics"
	"github.com/hitoshi/connectframe/internal/model"
)

const (
	// PagesEndpoint はテナントに公開されたページ一覧のエンドポイント。
	PagesEndpoint = "/public/v1/devops/pages"

	userAgent = "connectframe/1.0"
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 5 << 20
	// maxErrorBodySize はエラーに保持するレスポンスボディの上限。
	maxErrorBodySize = 4 << 10
)

// Config はゲートウェイクライアントの接続設定。
// 3つの値がすべて揃っていない場合、リクエストは送信されない。
type Config struct {
	// Host はAPIホスト名。スキームを含む場合はそのままベースURLとして使う。
	Host     string
	APIKey   string
	TenantID string
}

func (c Config) missing() []string {
	var missing []string
	if c.Host == "" {
		missing = append(missing, "API_HOST")
	}
	if c.TenantID == "" {
		missing = append(missing, "TIER_ACCOUNT_ID")
	}
	if c.APIKey == "" {
		missing = append(missing, "API_KEY")
	}
	return missing
}

// Client はパートナーAPIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	config     Config
}

// NewClient はClientの新しいインスタンスを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger, collector metrics.MetricsCollector) *Client {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    collector,
		config:     cfg,
	}
}

// WithTenant は指定テナントとして振る舞うClientのコピーを返す。
// tenantIDが空の場合は元のClientをそのまま返す。
func (c *Client) WithTenant(tenantID string) *Client {
	if tenantID == "" {
		return c
	}
	cp := *c
	cp.config.TenantID = tenantID
	return &cp
}

// TenantID はImpersonationヘッダーに設定されるテナントIDを返す。
func (c *Client) TenantID() string {
	return c.config.TenantID
}

// Get はGETリクエストを送信する。
func (c *Client) Get(ctx context.Context, endpoint string) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodGet, endpoint)
}

// Post はボディなしのPOSTリクエストを送信する。
func (c *Client) Post(ctx context.Context, endpoint string) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPost, endpoint)
}

// Request はエンドポイントにリクエストを送信し、JSONレスポンスボディを返す。
// レスポンスのスキーマ検証は行わない（オブジェクト・配列のどちらも返しうる）。
// 失敗時はエラーをログに記録してから *model.ConnectError を返す。
func (c *Client) Request(ctx context.Context, method, endpoint string) (json.RawMessage, error) {
	if method != http.MethodGet && method != http.MethodPost {
		err := fmt.Errorf("unsupported method: %s", method)
		c.logger.Error("unsupported request method",
			slog.String("method", method),
			slog.String("endpoint", endpoint),
		)
		return nil, err
	}

	if missing := c.config.missing(); len(missing) > 0 {
		err := model.NewConfigurationError(missing)
		c.logger.Error("required environment variables are not set",
			slog.Any("missing", missing),
		)
		return nil, err
	}

	reqURL := c.buildURL(endpoint)

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", c.config.APIKey)
	req.Header.Set("Impersonation", c.config.TenantID)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest(method, 0, time.Since(start))
		c.logger.Error("error occurred",
			slog.String("method", method),
			slog.String("url", reqURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamTransportError(method, reqURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.metrics.RecordUpstreamRequest(method, resp.StatusCode, time.Since(start))
	if err != nil {
		c.logger.Error("failed to read response body",
			slog.String("method", method),
			slog.String("url", reqURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamTransportError(method, reqURL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := string(body)
		if len(errBody) > maxErrorBodySize {
			errBody = errBody[:maxErrorBodySize]
		}
		c.logger.Error("HTTP error occurred",
			slog.String("method", method),
			slog.String("url", reqURL),
			slog.Int("http_status", resp.StatusCode),
			slog.String("body", errBody),
		)
		return nil, model.NewUpstreamHTTPError(method, reqURL, resp.StatusCode, errBody)
	}

	if !json.Valid(body) {
		err := fmt.Errorf("invalid JSON (%d bytes)", len(body))
		c.logger.Error("failed to parse response JSON",
			slog.String("method", method),
			slog.String("url", reqURL),
		)
		return nil, model.NewUpstreamDecodeError(method, reqURL, err)
	}

	return json.RawMessage(body), nil
}

// buildURL は設定されたホストとエンドポイントパスを連結する。
func (c *Client) buildURL(endpoint string) string {
	host := c.config.Host
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimRight(host, "/") + endpoint
	}
	return "https://" + host + endpoint
}
