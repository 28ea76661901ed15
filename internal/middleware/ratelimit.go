package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	SubscribeRate   rate.Limit    // 購読リクエストのレート（req/sec）
	SubscribeBurst  int           // 購読リクエストのバーストサイズ
	PublishRate     rate.Limit    // 公開通知のレート（req/sec）
	PublishBurst    int           // 公開通知のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// NewRateLimiterConfig はreq/minの設定値からRateLimiterConfigを構築する。
func NewRateLimiterConfig(subscribePerMin, publishPerMin int) RateLimiterConfig {
	return RateLimiterConfig{
		SubscribeRate:   rate.Limit(float64(subscribePerMin) / 60.0),
		SubscribeBurst:  subscribePerMin,
		PublishRate:     rate.Limit(float64(publishPerMin) / 60.0),
		PublishBurst:    publishPerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
// 購読リクエストと公開通知で独立したバケットを持つ。
type RateLimiter struct {
	config RateLimiterConfig

	subscribeMu       sync.RWMutex
	subscribeLimiters map[string]*clientLimiter

	publishMu       sync.RWMutex
	publishLimiters map[string]*clientLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:            config,
		subscribeLimiters: make(map[string]*clientLimiter),
		publishLimiters:   make(map[string]*clientLimiter),
		stopCh:            make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// clientKey はレート制限のキーとなるクライアントIPを返す。
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SubscribeMiddleware は購読リクエストのレート制限ミドルウェアを返す。
func (rl *RateLimiter) SubscribeMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware("subscribe", func(key string) *rate.Limiter {
		return rl.getOrCreate(&rl.subscribeMu, rl.subscribeLimiters, key,
			rl.config.SubscribeRate, rl.config.SubscribeBurst)
	})
}

// PublishMiddleware は公開通知のレート制限ミドルウェアを返す。
func (rl *RateLimiter) PublishMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware("publish", func(key string) *rate.Limiter {
		return rl.getOrCreate(&rl.publishMu, rl.publishLimiters, key,
			rl.config.PublishRate, rl.config.PublishBurst)
	})
}

func (rl *RateLimiter) middleware(limitType string, get func(key string) *rate.Limiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			if !get(key).Allow() {
				writeRateLimitResponse(w)
				slog.Warn("rate limit exceeded",
					slog.String("client", key),
					slog.String("limit_type", limitType),
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getOrCreate はクライアントのリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreate(mu *sync.RWMutex, limiters map[string]*clientLimiter, key string, limit rate.Limit, burst int) *rate.Limiter {
	mu.RLock()
	cl, exists := limiters[key]
	mu.RUnlock()

	if exists {
		mu.Lock()
		cl.lastAccess = time.Now()
		mu.Unlock()
		return cl.limiter
	}

	mu.Lock()
	defer mu.Unlock()

	// ダブルチェック
	if cl, exists := limiters[key]; exists {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(limit, burst)
	limiters[key] = &clientLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()

	rl.subscribeMu.Lock()
	for key, cl := range rl.subscribeLimiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(rl.subscribeLimiters, key)
		}
	}
	rl.subscribeMu.Unlock()

	rl.publishMu.Lock()
	for key, cl := range rl.publishLimiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(rl.publishLimiters, key)
		}
	}
	rl.publishMu.Unlock()
}

// retryAfterSeconds は過負荷応答のRetry-Afterヘッダー値（秒）。
const retryAfterSeconds = 120

// writeRateLimitResponse は503レスポンスを書き込む。
// ハブのクライアントはRetry-Afterを見て再送する。
func writeRateLimitResponse(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("Too many requests. Please try again later.\n"))
}
