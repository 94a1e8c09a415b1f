// Package iframe はパートナー拡張機能へのSSO用iframeディスクリプタを生成する。
//
// 生成は次の順で逐次的に行う。途中で失敗した場合は部分的な結果を返さない。
//  1. テナントのページ一覧を取得し、先頭のページを選ぶ
//  2. ページのログイン先を決定する
//  3. ログイン交換で短命の認可コードを取得する
//  4. コードを含むリダイレクトURLを組み立てる
package iframe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/hitoshi/connectframe/internal/connect"
	"github.com/hitoshi/connectframe/internal/metrics"
	"github.com/hitoshi/connectframe/internal/model"
	"github.com/hitoshi/connectframe/internal/security"
)

// DefaultIconURL はページがアイコンを持たない場合に使うアイコン。
const DefaultIconURL = "https://www.iana.org/_img/2022/iana-logo-header.svg"

// extensionLoginEndpoint は拡張機能IDで指定するログイン交換エンドポイント。
const extensionLoginEndpoint = "/public/v1/devops/extensions/%s/login"

// LoginMode はログイン交換エンドポイントの決定方法。
type LoginMode string

const (
	// LoginModeURI はページのlogin_uriをそのままログイン交換先として使う。
	LoginModeURI LoginMode = "uri"
	// LoginModeExtension は拡張機能IDからログイン交換先を組み立てる。
	LoginModeExtension LoginMode = "extension"
)

// ParseLoginMode は文字列をLoginModeに変換する。空文字列はLoginModeURIとして扱う。
func ParseLoginMode(s string) (LoginMode, error) {
	switch LoginMode(s) {
	case "", LoginModeURI:
		return LoginModeURI, nil
	case LoginModeExtension:
		return LoginModeExtension, nil
	default:
		return "", fmt.Errorf("unknown login mode: %q (allowed: uri, extension)", s)
	}
}

var extensionIDPattern = regexp.MustCompile(`EXT-\d+-\d+`)

// Config はディスクリプタ生成の設定。
type Config struct {
	LoginMode LoginMode
	// FallbackIconURL が空の場合はDefaultIconURLを使う。
	FallbackIconURL string
}

// Builder はiframeディスクリプタを生成する。
// リクエスト間で状態を共有しないため、複数のgoroutineから同時に呼び出せる。
type Builder struct {
	client  *connect.Client
	config  Config
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewBuilder はBuilderを生成する。
func NewBuilder(client *connect.Client, cfg Config, logger *slog.Logger, collector metrics.MetricsCollector) *Builder {
	if cfg.LoginMode == "" {
		cfg.LoginMode = LoginModeURI
	}
	if cfg.FallbackIconURL == "" {
		cfg.FallbackIconURL = DefaultIconURL
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Builder{
		client:  client,
		config:  cfg,
		logger:  logger,
		metrics: collector,
	}
}

// Build はテナントの先頭ページに対するiframeディスクリプタを生成する。
// tenantIDが空の場合は設定済みのテナントとして振る舞う。
func (b *Builder) Build(ctx context.Context, tenantID string) (*model.IframeDescriptor, error) {
	client := b.client.WithTenant(tenantID)

	desc, err := b.build(ctx, client)
	if err != nil {
		b.metrics.RecordBuildFailure(string(model.KindOf(err)))
		return nil, err
	}

	b.metrics.RecordDescriptorBuilt()
	b.logger.Info("iframe descriptor built",
		slog.String("tenant_id", client.TenantID()),
		slog.String("label", desc.Label),
	)
	return desc, nil
}

func (b *Builder) build(ctx context.Context, client *connect.Client) (*model.IframeDescriptor, error) {
	page, err := b.firstPage(ctx, client)
	if err != nil {
		return nil, err
	}

	endpoint, err := b.loginEndpoint(page)
	if err != nil {
		return nil, err
	}

	code, err := b.authCode(ctx, client, endpoint)
	if err != nil {
		return nil, err
	}

	return b.compose(page, code)
}

// firstPage はページ一覧を取得し、上流が返した順序で先頭のページを返す。
func (b *Builder) firstPage(ctx context.Context, client *connect.Client) (*model.Page, error) {
	body, err := client.Get(ctx, connect.PagesEndpoint)
	if err != nil {
		return nil, err
	}

	var pages []model.Page
	if err := json.Unmarshal(body, &pages); err != nil {
		b.logger.Error("pages response is not an array of pages",
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamDecodeError("GET", connect.PagesEndpoint, err)
	}

	if len(pages) == 0 {
		b.logger.Error("pages request returned empty array",
			slog.String("tenant_id", client.TenantID()),
		)
		return nil, model.NewEmptyResultError()
	}

	return &pages[0], nil
}

// loginEndpoint はログイン交換のPOST先を決定する。
// extensionモードでは明示的なextension.idを優先し、無い場合のみlogin_uriから抽出する。
func (b *Builder) loginEndpoint(page *model.Page) (string, error) {
	if b.config.LoginMode != LoginModeExtension {
		return page.Extension.LoginURI, nil
	}

	id := page.Extension.ID
	if id == "" {
		id = extensionIDPattern.FindString(page.Extension.LoginURI)
	}
	if id == "" {
		b.logger.Error("extension identifier not found",
			slog.String("login_uri", page.Extension.LoginURI),
		)
		return "", model.NewIdentifierNotFoundError(page.Extension.LoginURI)
	}

	return fmt.Sprintf(extensionLoginEndpoint, id), nil
}

// authCode はログイン交換を行い、認可コードを返す。
func (b *Builder) authCode(ctx context.Context, client *connect.Client, endpoint string) (string, error) {
	body, err := client.Post(ctx, endpoint)
	if err != nil {
		return "", err
	}

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		b.logger.Error("login response is not a JSON object",
			slog.String("error", err.Error()),
		)
		return "", model.NewUpstreamDecodeError("POST", endpoint, err)
	}

	raw, ok := resp["code"]
	var code string
	if ok {
		ok = json.Unmarshal(raw, &code) == nil
	}
	if !ok || code == "" {
		b.logger.Error(`"code" not in response JSON`,
			slog.String("endpoint", endpoint),
		)
		return "", model.NewMissingCodeError()
	}

	return code, nil
}

// compose はページと認可コードからディスクリプタを組み立てる。
// URLは https://{hostname}.{domain}{login_uri}?code={code}&redirect_to={page.url} の固定順で連結する。
func (b *Builder) compose(page *model.Page, code string) (*model.IframeDescriptor, error) {
	if page.Extension.Hostname == "" || page.Extension.Domain == "" {
		b.logger.Error("extension host is missing",
			slog.String("hostname", page.Extension.Hostname),
			slog.String("domain", page.Extension.Domain),
		)
		return nil, model.NewInvalidDescriptorError(fmt.Errorf("extension hostname and domain are required"))
	}

	host, err := security.ASCIIHost(page.Extension.Hostname + "." + page.Extension.Domain)
	if err != nil {
		b.logger.Error("extension host is invalid",
			slog.String("error", err.Error()),
		)
		return nil, model.NewInvalidDescriptorError(err)
	}

	iframeURL := "https://" + host + page.Extension.LoginURI +
		"?code=" + code +
		"&redirect_to=" + page.URL

	if err := security.ValidateDescriptorURL(iframeURL); err != nil {
		b.logger.Error("composed iframe URL is invalid",
			slog.String("host", host),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInvalidDescriptorError(err)
	}

	icon := b.config.FallbackIconURL
	if page.Icon != "" {
		icon = "https://" + host + page.Icon
	}

	return &model.IframeDescriptor{
		URL:   iframeURL,
		Label: page.Label,
		Icon:  icon,
	}, nil
}
