package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// minAdminSecretBytes は管理者JWT署名鍵の最小長。
const minAdminSecretBytes = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Admin
	AdminJWTSecret string
	AdminTokenTTL  time.Duration

	// Recommendation
	GeminiAPIKey          string
	GeminiModel           string
	RecommendationTimeout time.Duration

	// Mail
	SendGridAPIKey     string
	SendGridBaseURL    string
	SendGridMaxRetries int
	MailFromEmail      string
	MailFromName       string
	SupportEmail       string
	ResultURL          string
	NotifyTimeout      time.Duration

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitUnlock  int

	// Worker
	CleanupInterval  time.Duration
	SessionRetention time.Duration

	// Matching
	MatchTopN int

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// DATABASE_URLが未設定、または値が不正な場合はエラーを返す。
// ADMIN_JWT_SECRETは管理APIを使うコマンドだけが必要とするため、RequireAdminSecretで検証する。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"DATABASE_URL"})
	}

	// Optional fields with defaults
	cfg.AdminJWTSecret = os.Getenv("ADMIN_JWT_SECRET")
	cfg.AdminTokenTTL = getEnvDuration("ADMIN_TOKEN_TTL", 12*time.Hour)
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.GeminiModel = getEnvString("GEMINI_MODEL", "gemini-2.5-flash")
	cfg.RecommendationTimeout = getEnvDuration("RECOMMENDATION_TIMEOUT", 20*time.Second)
	cfg.SendGridAPIKey = os.Getenv("SENDGRID_API_KEY")
	cfg.SendGridBaseURL = getEnvString("SENDGRID_BASE_URL", "https://api.sendgrid.com")
	cfg.SendGridMaxRetries = getEnvInt("SENDGRID_MAX_RETRIES", 2)
	cfg.MailFromEmail = os.Getenv("MAIL_FROM_EMAIL")
	cfg.MailFromName = getEnvString("MAIL_FROM_NAME", "CareerLens")
	cfg.SupportEmail = os.Getenv("SUPPORT_EMAIL")
	cfg.ResultURL = os.Getenv("RESULT_URL")
	cfg.NotifyTimeout = getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitUnlock = getEnvInt("RATE_LIMIT_UNLOCK", 20)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.SessionRetention = getEnvDuration("SESSION_RETENTION", 72*time.Hour)
	cfg.MatchTopN = getEnvInt("MATCH_TOP_N", 10)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string
	if c.MatchTopN < 1 || c.MatchTopN > 50 {
		problems = append(problems, "MATCH_TOP_N must be between 1 and 50")
	}
	if c.RateLimitGeneral < 1 || c.RateLimitUnlock < 1 {
		problems = append(problems, "rate limits must be positive")
	}
	if c.CleanupInterval <= 0 {
		problems = append(problems, "CLEANUP_INTERVAL must be positive")
	}
	if c.SendGridAPIKey != "" && c.MailFromEmail == "" {
		problems = append(problems, "MAIL_FROM_EMAIL is required when SENDGRID_API_KEY is set")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RequireAdminSecret は管理者JWT署名鍵が設定されているかを検証する。
func (c *Config) RequireAdminSecret() error {
	if c.AdminJWTSecret == "" {
		return errors.New("required environment variables are not set: [ADMIN_JWT_SECRET]")
	}
	if len(c.AdminJWTSecret) < minAdminSecretBytes {
		return fmt.Errorf("ADMIN_JWT_SECRET must be at least %d bytes", minAdminSecretBytes)
	}
	return nil
}

// MailEnabled はメール送信が設定されているかを返す。
func (c *Config) MailEnabled() bool {
	return c.SendGridAPIKey != ""
}

// RecommendationEnabled はコース推奨の生成が設定されているかを返す。
func (c *Config) RecommendationEnabled() bool {
	return c.GeminiAPIKey != ""
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
