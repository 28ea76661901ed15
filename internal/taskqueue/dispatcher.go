package taskqueue

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/janaya/pubsubhubbub/internal/repository"
)

// TaskHeader はディスパッチャが付与する認証ヘッダー。
// ワーカーエンドポイントはこのヘッダーの存在で内部リクエストと判定する。
const TaskHeader = "X-Hub-Task"

// Dispatcher はキューからタスクを取得し、自ハブのワーカーエンドポイントへ
// POSTする。2xx応答でタスクを削除し、それ以外はリース満了後に再実行させる
// （少なくとも1回の実行保証）。
type Dispatcher struct {
	repo      repository.TaskRepository
	client    *http.Client
	baseURL   string
	queues    []string
	interval  time.Duration
	batchSize int
	lease     time.Duration
	logger    *slog.Logger
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(repo repository.TaskRepository, client *http.Client, baseURL string, interval time.Duration, batchSize int, lease time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		client:    client,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		queues:    []string{QueueSubscriptions, QueueFeedPulls, QueueEventDelivery, QueuePolling},
		interval:  interval,
		batchSize: batchSize,
		lease:     lease,
		logger:    logger,
	}
}

// Run はコンテキストがキャンセルされるまでディスパッチループを実行する。
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("タスクディスパッチャを開始します",
		slog.Duration("interval", d.interval),
		slog.Int("batch_size", d.batchSize))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("タスクディスパッチャを停止します")
			return
		case <-ticker.C:
			d.dispatchOnce(ctx)
		}
	}
}

// dispatchOnce は全キューから期限到来タスクを取得して実行する。
func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	for _, queue := range d.queues {
		tasks, err := d.repo.ClaimDue(ctx, queue, d.batchSize, d.lease)
		if err != nil {
			d.logger.Error("タスクの取得に失敗しました",
				slog.String("queue", queue),
				slog.String("error", err.Error()))
			continue
		}
		for _, task := range tasks {
			d.execute(ctx, task.ID, task.Path, task.Params.Encode(), queue)
		}
	}
}

// execute は1タスクをワーカーエンドポイントへPOSTする。
func (d *Dispatcher) execute(ctx context.Context, id, path, body, queue string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.baseURL+path, strings.NewReader(body))
	if err != nil {
		d.logger.Error("タスクリクエストの構築に失敗しました",
			slog.String("task_id", id),
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(TaskHeader, queue)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("タスクの実行に失敗しました",
			slog.String("task_id", id),
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Warn("タスクがエラー応答を返しました。リース満了後に再実行されます",
			slog.String("task_id", id),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode))
		return
	}

	if err := d.repo.Delete(ctx, id); err != nil {
		d.logger.Error("完了タスクの削除に失敗しました",
			slog.String("task_id", id),
			slog.String("error", err.Error()))
	}
}
