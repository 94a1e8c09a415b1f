package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/connectframe/internal/config"
	"github.com/hitoshi/connectframe/internal/connect"
	"github.com/hitoshi/connectframe/internal/handler"
	"github.com/hitoshi/connectframe/internal/iframe"
	"github.com/hitoshi/connectframe/internal/logger"
	"github.com/hitoshi/connectframe/internal/metrics"
	"github.com/hitoshi/connectframe/internal/middleware"
	"github.com/hitoshi/connectframe/internal/security"
)

// stdout はdescribeサブコマンドの出力先。テストで差し替える。
var stdout io.Writer = os.Stdout

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// .envでLOG_LEVELが指定された場合に備えて設定値で再構成する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("api_host", cfg.APIHost),
		slog.String("login_mode", cfg.LoginMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandDescribe:
		return runDescribe(ctx, cfg, stdout, describeTenant(args))
	default:
		return runServe(ctx, cfg)
	}
}

// components はserveとdescribeで共有する依存関係。
type components struct {
	builder  *iframe.Builder
	gatherer prometheus.Gatherer
}

// wire は設定からディスクリプタ生成までの依存関係を組み立てる。
// メトリクスが無効な場合、gathererはnilになる。
func wire(cfg *config.Config, log *slog.Logger) (*components, error) {
	mode, err := iframe.ParseLoginMode(cfg.LoginMode)
	if err != nil {
		return nil, fmt.Errorf("invalid LOGIN_MODE: %w", err)
	}

	var (
		collector metrics.MetricsCollector = metrics.NopCollector{}
		gatherer  prometheus.Gatherer
	)
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(reg)
		gatherer = reg
	}

	if !cfg.UpstreamSSRFGuard {
		log.Warn("upstream SSRF guard is disabled")
	}

	client := connect.NewClient(
		connect.Config{
			Host:     cfg.APIHost,
			APIKey:   cfg.APIKey,
			TenantID: cfg.TierAccountID,
		},
		security.NewUpstreamClient(cfg.UpstreamTimeout, cfg.UpstreamSSRFGuard),
		log,
		collector,
	)

	builder := iframe.NewBuilder(client, iframe.Config{
		LoginMode:       mode,
		FallbackIconURL: cfg.IconFallbackURL,
	}, log, collector)

	return &components{builder: builder, gatherer: gatherer}, nil
}

// newServer はHTTPサーバーを構築する。
// 返されるcleanupはサーバー停止後に呼び出す。
func newServer(cfg *config.Config, log *slog.Logger) (*http.Server, func(), error) {
	c, err := wire(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	rateLimiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.RateLimitIframe))

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             log,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        rateLimiter,
		Builder:            c.builder,
		Gatherer:           c.gatherer,
		StaticDir:          cfg.StaticDir,
	})

	if _, err := os.Stat(cfg.StaticDir); err != nil {
		log.Warn("static directory is not available; static paths will return 404",
			slog.String("static_dir", cfg.StaticDir),
		)
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.UpstreamTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server, rateLimiter.Stop, nil
}

// runServe はHTTPサーバーモードで起動する。
// ctxがキャンセルされる（SIGINTまたはSIGTERMを受信する）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	server, cleanup, err := newServer(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("HTTP server stopped gracefully")
	return nil
}

// runDescribe はディスクリプタを1件生成し、JSONとしてoutに書き出す。
// 運用時の接続確認用サブコマンド。
func runDescribe(ctx context.Context, cfg *config.Config, out io.Writer, tenantID string) error {
	c, err := wire(cfg, slog.Default())
	if err != nil {
		return err
	}

	desc, err := c.builder.Build(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("describe failed: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(desc)
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
