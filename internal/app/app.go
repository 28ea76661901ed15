// Package app はアプリケーションの起動と依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/janaya/pubsubhubbub/internal/config"
	"github.com/janaya/pubsubhubbub/internal/database"
	"github.com/janaya/pubsubhubbub/internal/handler"
	"github.com/janaya/pubsubhubbub/internal/logger"
	"github.com/janaya/pubsubhubbub/internal/metrics"
	"github.com/janaya/pubsubhubbub/internal/middleware"
	"github.com/janaya/pubsubhubbub/internal/publish"
	"github.com/janaya/pubsubhubbub/internal/repository"
	"github.com/janaya/pubsubhubbub/internal/security"
	"github.com/janaya/pubsubhubbub/internal/subscription"
	"github.com/janaya/pubsubhubbub/internal/taskqueue"
	"github.com/janaya/pubsubhubbub/internal/worker/cleanup"
	"github.com/janaya/pubsubhubbub/internal/worker/poll"
	pullpkg "github.com/janaya/pubsubhubbub/internal/worker/pull"
	pushpkg "github.com/janaya/pubsubhubbub/internal/worker/push"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

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
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// hubServices はハブの全サービスとワーカーの束。serveとworkerで共用する。
type hubServices struct {
	subRepo     *repository.PostgresSubscriptionRepo
	feedRepo    *repository.PostgresFeedToFetchRepo
	recordRepo  *repository.PostgresFeedRecordRepo
	eventRepo   *repository.PostgresEventRepo
	knownRepo   *repository.PostgresKnownFeedRepo
	pollingRepo *repository.PostgresPollingRepo
	taskRepo    *repository.PostgresTaskRepo

	queue     *taskqueue.PostgresQueue
	registry  *prometheus.Registry
	collector *metrics.Collector

	subService  *subscription.Service
	pubService  *publish.Service
	puller      *pullpkg.Puller
	pushEngine  *pushpkg.Engine
	bootstrap   *poll.Bootstrap
	eventReaper *cleanup.Reaper
}

// buildServices はリポジトリからワーカーまでの依存関係を構築する。
func buildServices(cfg *config.Config, db *sql.DB) *hubServices {
	log := slog.Default()

	s := &hubServices{
		subRepo:     repository.NewPostgresSubscriptionRepo(db),
		feedRepo:    repository.NewPostgresFeedToFetchRepo(db),
		recordRepo:  repository.NewPostgresFeedRecordRepo(db),
		eventRepo:   repository.NewPostgresEventRepo(db),
		knownRepo:   repository.NewPostgresKnownFeedRepo(db),
		pollingRepo: repository.NewPostgresPollingRepo(db),
		taskRepo:    repository.NewPostgresTaskRepo(db),
		registry:    prometheus.NewRegistry(),
	}

	collector := metrics.NewCollector(s.registry)
	s.collector = collector
	s.queue = taskqueue.NewPostgresQueue(s.taskRepo, cfg.TaskQueueOverride, log)

	clientFactory := security.NewFactory(cfg.DevEnv)

	s.subService = subscription.NewService(
		s.subRepo, s.knownRepo, s.queue, clientFactory,
		cfg.ChallengeTimeout, collector, log,
	)
	s.pubService = publish.NewService(s.knownRepo, s.feedRepo, s.queue, log)
	s.puller = pullpkg.NewPuller(
		s.feedRepo, s.recordRepo, s.subRepo, s.queue, clientFactory,
		cfg.FetchTimeout, cfg.FetchMaxSize, collector, log,
	)
	s.pushEngine = pushpkg.NewEngine(
		s.eventRepo, s.subRepo, s.queue, clientFactory,
		cfg.DeliveryTimeout, collector, log,
	)
	s.bootstrap = poll.NewBootstrap(s.pollingRepo, s.knownRepo, s.feedRepo, s.queue, log)
	s.eventReaper = cleanup.NewReaper(s.eventRepo, cfg.EventCleanupMaxAge, log)

	return s
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// runServe はハブのHTTPサーバーモードで起動する。
// プロトコルエンドポイントと内部ワーカーエンドポイントを提供する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	s := buildServices(cfg, db)

	hubHandler := handler.NewHubHandler(s.subService, s.pubService, s.collector, cfg.DevEnv)
	workHandler := handler.NewWorkHandler(
		s.subService, s.puller, s.pushEngine, s.bootstrap, s.eventReaper)

	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitSubscribe, cfg.RateLimitPublish))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         slog.Default(),
		RateLimiter:    rateLimiter,
		DevEnv:         cfg.DevEnv,
		HubHandler:     hubHandler,
		WorkHandler:    workHandler,
		TopicRecords:   s.recordRepo,
		TopicFeeds:     s.feedRepo,
		TopicSubs:      s.subRepo,
		Pinger:         db,
		MetricsHandler: metrics.Handler(s.registry),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("hub server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down hub server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("hub server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// タスクディスパッチャと周期ジョブ（ブートストラップポーリング、
// イベントクリーンアップ）を実行する。ワーカーエンドポイントは
// serveモードのプロセスが提供する。
func runWorker(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	s := buildServices(cfg, db)

	dispatcher := taskqueue.NewDispatcher(
		s.taskRepo,
		&http.Client{Timeout: cfg.TaskLease},
		cfg.BaseURL,
		cfg.DispatchInterval,
		cfg.DispatchBatchSize,
		cfg.TaskLease,
		slog.Default(),
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	// 周期ジョブはHTTPを介さず直接実行する
	c := cron.New()
	if _, err := c.AddFunc(cfg.PollBootstrapSchedule, func() {
		if err := s.bootstrap.Trigger(ctx); err != nil {
			slog.Error("poll bootstrap trigger failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule poll bootstrap: %w", err)
	}
	if _, err := c.AddFunc(cfg.EventCleanupSchedule, func() {
		if err := s.eventReaper.Run(ctx); err != nil {
			slog.Error("event cleanup failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule event cleanup: %w", err)
	}
	c.Start()
	defer c.Stop()

	slog.Info("worker starting",
		slog.Duration("dispatch_interval", cfg.DispatchInterval),
		slog.String("poll_bootstrap_schedule", cfg.PollBootstrapSchedule),
		slog.String("event_cleanup_schedule", cfg.EventCleanupSchedule),
	)

	// ディスパッチループをメインgoroutineで実行（ブロッキング）
	dispatcher.Run(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
