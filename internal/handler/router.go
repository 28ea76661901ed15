package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/janaya/pubsubhubbub/internal/middleware"
	"github.com/janaya/pubsubhubbub/internal/repository"
	"github.com/janaya/pubsubhubbub/internal/taskqueue"
)

// CronHeader は周期トリガーがワーカーエンドポイントへ付与するヘッダー。
const CronHeader = "X-Hub-Cron"

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter
	DevEnv      bool

	// プロトコルエンドポイント
	HubHandler *HubHandler

	// 内部ワーカーエンドポイント
	WorkHandler *WorkHandler

	// 診断
	TopicRecords repository.FeedRecordRepository
	TopicFeeds   repository.FeedToFetchRepository
	TopicSubs    repository.SubscriptionRepository

	// ヘルスチェック
	Pinger interface{ Ping() error }

	// Prometheusスクレイプ
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成した
// chi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → (レート制限 | ワーカー認証)
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	topicHandler := NewTopicHandler(deps.TopicRecords, deps.TopicFeeds, deps.TopicSubs, deps.DevEnv)

	// --- プロトコルエンドポイント ---

	r.With(deps.RateLimiter.SubscribeMiddleware()).Post("/subscribe", deps.HubHandler.Subscribe)
	r.With(deps.RateLimiter.PublishMiddleware()).Post("/publish", deps.HubHandler.Publish)
	r.With(deps.RateLimiter.PublishMiddleware()).Post("/", deps.HubHandler.Root)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("PubSubHubbub hub. POST to /subscribe or /publish.\n"))
	})

	r.Get("/topic-details", topicHandler.Details)

	// --- 内部ワーカーエンドポイント ---
	// タスクディスパッチャと周期トリガーからのリクエストのみ許可する

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewWorkAuthMiddleware(taskqueue.TaskHeader, CronHeader, deps.DevEnv))

		r.Post("/work/subscriptions", deps.WorkHandler.Subscriptions)
		r.Post("/work/pull_feeds", deps.WorkHandler.PullFeeds)
		r.Post("/work/push_events", deps.WorkHandler.PushEvents)
		r.Get("/work/poll_bootstrap", deps.WorkHandler.PollBootstrap)
		r.Post("/work/poll_bootstrap", deps.WorkHandler.PollBootstrap)
		r.Post("/work/event_cleanup", deps.WorkHandler.EventCleanup)
	})

	// --- 運用エンドポイント ---

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if deps.Pinger != nil {
			if err := deps.Pinger.Ping(); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	return r
}
