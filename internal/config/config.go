// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config は変換サーバーの設定を保持する構造体です。
type Config struct {
	// 認証設定（AppUsername が空なら認証なしで起動）
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード制限
	MaxFileSize       int64  // ノートブックの最大サイズ（バイト）
	NotebookExtension string // 受け付ける拡張子

	// ジョブ/キュー設定
	QueueRedisURL     string // Asynq とジョブ状態保存用の Redis 接続URL
	JobExpireMinutes  int    // ジョブ記録の有効期限（分）。0 以下なら期限なし
	WorkerConcurrency int    // 変換ワーカーの並列数

	// ファイル保存設定
	MediaRoot string // ノートブックとPDFの保存先ディレクトリ
	MediaURL  string // 保存ファイルを配信するURLプレフィックス

	// 変換設定
	NbconvertPath  string        // jupyter 実行ファイルのパス
	NbconvertTo    string        // nbconvert の --to（pdf / webpdf）
	ConvertTimeout time.Duration // 1ジョブあたりの変換タイムアウト
}

// ClientConfig は CLI クライアントの設定です。
type ClientConfig struct {
	ServerURL       string
	PollInterval    time.Duration
	MaxFileSize     int64
	Extension       string
	MaxPollFailures int
	HTTPTimeout     time.Duration
	Username        string
	Password        string
}

const defaultMaxFileSize = 20 * 1024 * 1024 // 20MB

// Load は環境変数からサーバー設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		MaxFileSize:       getEnvAsInt64("MAX_FILE_SIZE", defaultMaxFileSize),
		NotebookExtension: getEnv("NOTEBOOK_EXTENSION", ".ipynb"),

		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireMinutes:  getEnvAsInt("JOB_EXPIRE_MINUTES", 0),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),

		MediaRoot: getEnv("MEDIA_ROOT", "./media"),
		MediaURL:  getEnv("MEDIA_URL", "/media/"),

		NbconvertPath:  getEnv("NBCONVERT_PATH", "jupyter"),
		NbconvertTo:    getEnv("NBCONVERT_FORMAT", "pdf"),
		ConvertTimeout: time.Duration(getEnvAsInt("CONVERT_TIMEOUT_SECONDS", 300)) * time.Second,
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadClient は環境変数から CLI クライアントの設定を読み込みます。
func LoadClient() (*ClientConfig, error) {
	loadEnvFile()

	cfg := &ClientConfig{
		ServerURL:       getEnv("NBFORGE_SERVER_URL", "http://localhost:8080"),
		PollInterval:    getEnvAsDuration("NBFORGE_POLL_INTERVAL", 2*time.Second),
		MaxFileSize:     getEnvAsInt64("NBFORGE_MAX_FILE_SIZE", defaultMaxFileSize),
		Extension:       getEnv("NBFORGE_EXTENSION", ".ipynb"),
		MaxPollFailures: getEnvAsInt("NBFORGE_MAX_POLL_FAILURES", 0),
		HTTPTimeout:     getEnvAsDuration("NBFORGE_HTTP_TIMEOUT", 30*time.Second),
		Username:        getEnv("NBFORGE_USERNAME", ""),
		Password:        getEnv("NBFORGE_PASSWORD", ""),
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("NBFORGE_SERVER_URL must not be empty")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("NBFORGE_POLL_INTERVAL must be positive")
	}
	return cfg, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// AuthEnabled はログイン保護を有効にするかを返します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != ""
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.NotebookExtension == "" {
		return fmt.Errorf("NOTEBOOK_EXTENSION must not be empty")
	}
	if c.MediaRoot == "" {
		return fmt.Errorf("MEDIA_ROOT must not be empty")
	}

	// ローカル開発では認証設定は任意
	if c.AuthEnabled() && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required when APP_USERNAME is set")
	}
	if c.GinMode == "release" {
		if c.AuthEnabled() && c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.NbconvertPath == "" {
			return fmt.Errorf("NBCONVERT_PATH is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "2s" 形式、または単位なしのミリ秒として取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	ms, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
