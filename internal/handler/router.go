package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/connectframe/internal/metrics"
	"github.com/hitoshi/connectframe/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigins []string
	// RateLimiter がnilの場合、/iframe_details にレート制限を適用しない。
	RateLimiter *middleware.RateLimiter

	// ディスクリプタ生成
	Builder DescriptorBuilder

	// Gatherer がnilの場合、/metrics を公開しない。
	Gatherer prometheus.Gatherer

	// 静的ファイル
	StaticDir string
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → Logging → SecurityHeaders → CORS
//
// /iframe_details にはクライアントIPごとのレート制限を追加で適用する。
// 上記以外のパスは静的ファイル配信にフォールバックする。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	iframeHandler := NewIframeHandler(deps.Builder)

	if deps.RateLimiter != nil {
		r.With(deps.RateLimiter.Middleware()).Get("/iframe_details", iframeHandler.GetIframeDetails)
	} else {
		r.Get("/iframe_details", iframeHandler.GetIframeDetails)
	}

	r.Get("/health", Health)

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// フロントエンドバンドル
	static := NewStaticHandler(deps.StaticDir)
	r.NotFound(static.ServeHTTP)

	return r
}
