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
	// Database
	DatabaseURL string

	// Server
	ServerPort string
	BaseURL    string

	// 環境。developmentの場合はポート許可リストとSSRFガードを緩和する。
	DevEnv bool

	// Outbound HTTP
	FetchTimeout     time.Duration
	DeliveryTimeout  time.Duration
	ChallengeTimeout time.Duration
	FetchMaxSize     int64

	// TaskQueue
	TaskQueueOverride string // ワーカーが後続タスクを積むキューの上書き
	DispatchInterval  time.Duration
	DispatchBatchSize int
	TaskLease         time.Duration

	// Cron (workerモード)
	PollBootstrapSchedule string
	EventCleanupSchedule  string
	EventCleanupMaxAge    time.Duration

	// Rate Limit (req/min per client)
	RateLimitSubscribe int
	RateLimitPublish   int
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.DevEnv = strings.EqualFold(getEnvString("HUB_ENV", ""), "development")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 20*time.Second)
	cfg.DeliveryTimeout = getEnvDuration("DELIVERY_TIMEOUT", 30*time.Second)
	cfg.ChallengeTimeout = getEnvDuration("CHALLENGE_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.TaskQueueOverride = getEnvString("TASK_QUEUE_OVERRIDE", "")
	cfg.DispatchInterval = getEnvDuration("DISPATCH_INTERVAL", 1*time.Second)
	cfg.DispatchBatchSize = getEnvInt("DISPATCH_BATCH_SIZE", 20)
	cfg.TaskLease = getEnvDuration("TASK_LEASE", 60*time.Second)
	cfg.PollBootstrapSchedule = getEnvString("POLL_BOOTSTRAP_SCHEDULE", "@every 5m")
	cfg.EventCleanupSchedule = getEnvString("EVENT_CLEANUP_SCHEDULE", "@every 24h")
	cfg.EventCleanupMaxAge = getEnvDuration("EVENT_CLEANUP_MAX_AGE", 240*time.Hour)
	cfg.RateLimitSubscribe = getEnvInt("RATE_LIMIT_SUBSCRIBE", 600)
	cfg.RateLimitPublish = getEnvInt("RATE_LIMIT_PUBLISH", 6000)

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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
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
