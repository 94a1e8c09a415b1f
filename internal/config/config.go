package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// defaultCORSAllowedOrigins はフロントエンド開発サーバーを含む既定の許可オリジン。
var defaultCORSAllowedOrigins = []string{
	"http://localhost",
	"http://localhost:8080",
	"http://localhost:8000",
	"http://localhost:5173",
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Partner API
	APIHost       string
	APIKey        string
	TierAccountID string

	// Upstream
	UpstreamTimeout   time.Duration
	UpstreamSSRFGuard bool

	// Iframe
	LoginMode       string
	IconFallbackURL string

	// Rate Limit (req/min/client)
	RateLimitIframe int

	// Logging
	LogLevel string

	// Metrics
	MetricsEnabled bool

	// Server
	ServerPort string
	StaticDir  string

	// CORS
	CORSAllowedOrigins []string
}

// Load は.envファイルと環境変数からConfigを読み込む。
// .envファイル（ENV_FILEで変更可能）は存在する場合のみ読み込み、
// 既に設定されている環境変数は上書きしない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := loadEnvFile(getEnvString("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.APIHost = os.Getenv("API_HOST")
	if cfg.APIHost == "" {
		missing = append(missing, "API_HOST")
	}

	cfg.APIKey = os.Getenv("API_KEY")
	if cfg.APIKey == "" {
		missing = append(missing, "API_KEY")
	}

	cfg.TierAccountID = os.Getenv("TIER_ACCOUNT_ID")
	if cfg.TierAccountID == "" {
		missing = append(missing, "TIER_ACCOUNT_ID")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second)
	cfg.UpstreamSSRFGuard = getEnvBool("UPSTREAM_SSRF_GUARD", true)
	cfg.LoginMode = getEnvString("LOGIN_MODE", "uri")
	cfg.IconFallbackURL = getEnvString("ICON_FALLBACK_URL", "")
	cfg.RateLimitIframe = getEnvInt("RATE_LIMIT_IFRAME", 60)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", true)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.StaticDir = getEnvString("STATIC_DIR", "frontend/dist")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", defaultCORSAllowedOrigins)

	return cfg, nil
}

// loadEnvFile はdotenvファイルを読み込む。ファイルが存在しない場合は何もしない。
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を空要素を除いたスライスとして返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return append([]string(nil), defaultVal...)
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaultVal...)
	}
	return out
}
