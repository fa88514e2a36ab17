package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database。空の場合はプロセス内ストアで動作する。
	DatabaseURL string

	// Redis。空の場合はプロセス内ブローカーで配信する。
	RedisURL string

	// Session
	JWTSecret  string
	SessionTTL time.Duration
	BcryptCost int

	// Approval
	AdminEmail      string
	AdminWebhookURL string

	// SMTP
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string

	// Chat
	MessageCooldown  time.Duration
	MaxMessageLength int
	HistoryLimit     int
	MaxHistoryLimit  int

	// Rate Limit
	RateLimitAuth int
	TrustProxy    bool

	// Cleanup
	AnonRetentionDays int
	CleanupInterval   time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はまとめてエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 7*24*time.Hour)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 0)
	cfg.AdminEmail = os.Getenv("ADMIN_EMAIL")
	cfg.AdminWebhookURL = os.Getenv("ADMIN_WEBHOOK_URL")
	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUser = os.Getenv("SMTP_USER")
	cfg.SMTPPass = os.Getenv("SMTP_PASS")
	cfg.SMTPFrom = os.Getenv("SMTP_FROM")
	cfg.MessageCooldown = getEnvDuration("MESSAGE_COOLDOWN", 2*time.Second)
	cfg.MaxMessageLength = getEnvInt("MAX_MESSAGE_LENGTH", 500)
	cfg.HistoryLimit = getEnvInt("HISTORY_LIMIT", 50)
	cfg.MaxHistoryLimit = getEnvInt("MAX_HISTORY_LIMIT", 100)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)
	cfg.AnonRetentionDays = getEnvInt("ANON_RETENTION_DAYS", 90)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")

	return cfg, nil
}

// UsesDatabase はPostgreSQLを永続化に使うかを返す。
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// SMTPEnabled はSMTP通知に必要な設定が揃っているかを返す。
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.AdminEmail != ""
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
