// Package config は環境変数からの設定読み込みを提供する。
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// API
	APIBaseURL  string
	Platform    string
	ClientType  string
	HTTPTimeout time.Duration

	// Retry
	MaxRetries   int
	BackoffBase  time.Duration
	RequestRate  float64 // 送信レート（req/sec）
	RequestBurst int

	// Token
	RefreshBuffer time.Duration

	// OTP
	OTPMaxAttempts    int
	OTPDispatchLimit  int
	OTPDispatchWindow time.Duration
	OTPResendCooldown time.Duration

	// Session
	SessionIdleWindow time.Duration

	// Storage
	StorageDir string
	StorageKey []byte // 32バイトのAES鍵。未設定なら暗号化なし

	// Stub backend
	StubPort      string
	StubJWTSecret string
	StubAccessTTL time.Duration
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.APIBaseURL = os.Getenv("COINAUTH_API_BASE_URL")
	if cfg.APIBaseURL == "" {
		missing = append(missing, "COINAUTH_API_BASE_URL")
	}

	cfg.StorageDir = os.Getenv("COINAUTH_STORAGE_DIR")
	if cfg.StorageDir == "" {
		missing = append(missing, "COINAUTH_STORAGE_DIR")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.Platform = getEnvString("COINAUTH_PLATFORM", "android")
	cfg.ClientType = getEnvString("COINAUTH_CLIENT_TYPE", "mobile")
	cfg.HTTPTimeout = getEnvDuration("COINAUTH_HTTP_TIMEOUT", 10*time.Second)
	cfg.MaxRetries = getEnvInt("COINAUTH_MAX_RETRIES", 3)
	cfg.BackoffBase = getEnvDuration("COINAUTH_BACKOFF_BASE", time.Second)
	cfg.RequestRate = getEnvFloat("COINAUTH_REQUEST_RATE", 5)
	cfg.RequestBurst = getEnvInt("COINAUTH_REQUEST_BURST", 10)
	cfg.RefreshBuffer = getEnvDuration("COINAUTH_REFRESH_BUFFER", 5*time.Minute)
	cfg.OTPMaxAttempts = getEnvInt("COINAUTH_OTP_MAX_ATTEMPTS", 3)
	cfg.OTPDispatchLimit = getEnvInt("COINAUTH_OTP_DISPATCH_LIMIT", 3)
	cfg.OTPDispatchWindow = getEnvDuration("COINAUTH_OTP_DISPATCH_WINDOW", time.Hour)
	cfg.OTPResendCooldown = getEnvDuration("COINAUTH_OTP_RESEND_COOLDOWN", 60*time.Second)
	cfg.SessionIdleWindow = getEnvDuration("COINAUTH_SESSION_IDLE_WINDOW", 30*time.Minute)
	cfg.StubPort = getEnvString("COINAUTH_STUB_PORT", "8089")
	cfg.StubJWTSecret = getEnvString("COINAUTH_STUB_JWT_SECRET", "coinauth-dev-secret")
	cfg.StubAccessTTL = getEnvDuration("COINAUTH_STUB_ACCESS_TTL", 15*time.Minute)

	// ストレージ暗号鍵は16進64文字（32バイト）のみ受け付ける
	if keyHex := os.Getenv("COINAUTH_STORAGE_KEY"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("COINAUTH_STORAGE_KEY is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("COINAUTH_STORAGE_KEY must be 32 bytes (hex 64 chars), got %d bytes", len(key))
		}
		cfg.StorageKey = key
	}

	return cfg, nil
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
