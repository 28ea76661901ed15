// Package taskqueue はPostgreSQLを背後に持つ名前付きタスクキューを提供する。
//
// タスクは自ハブのワーカーエンドポイントへのHTTP POSTとしてディスパッチ
// される。Nameが設定されたタスクは同一キュー内で1つしか存在できず、
// 冪等な連鎖（ブートストラップの継続タスクなど）の基礎になる。
package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/janaya/pubsubhubbub/internal/model"
	"github.com/janaya/pubsubhubbub/internal/repository"
)

// キュー名。
const (
	// QueueSubscriptions は購読検証リトライ用のキュー。
	QueueSubscriptions = "subscriptions"
	// QueueFeedPulls はフィードフェッチ用のキュー。
	QueueFeedPulls = "feed-pulls"
	// QueueEventDelivery はイベント配信用のキュー。
	QueueEventDelivery = "event-delivery"
	// QueuePolling はブートストラップポーリング用のキュー。
	QueuePolling = "polling"
)

// insertAttempts はトランザクション外でのenqueueの即時リトライ回数。
const insertAttempts = 3

// TaskOptions はタスク登録時のオプション。
type TaskOptions struct {
	// Name は冪等性のためのタスク名。空なら無名タスク。
	Name string
	// Delay は実行までの遅延。
	Delay time.Duration
	// ETA は実行予定時刻。Delayより優先される。
	ETA time.Time
}

// Queue はタスクの登録インターフェース。
type Queue interface {
	// Add はタスクをキューへ登録する。同名タスクが既に存在する場合は
	// 何もせずfalseを返す。
	Add(ctx context.Context, queue, path string, params url.Values, opts TaskOptions) (bool, error)
}

// PostgresQueue はタスクテーブルを背後に持つQueue実装。
type PostgresQueue struct {
	repo repository.TaskRepository
	// queueOverride が空でない場合、全タスクをそのキューへ積む（検証用）。
	queueOverride string
	logger        *slog.Logger
	now           func() time.Time
}

// NewPostgresQueue はPostgresQueueを生成する。
func NewPostgresQueue(repo repository.TaskRepository, queueOverride string, logger *slog.Logger) *PostgresQueue {
	return &PostgresQueue{
		repo:          repo,
		queueOverride: queueOverride,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Add はタスクをキューへ登録する。一時的な失敗には数回の即時リトライを行う。
func (q *PostgresQueue) Add(ctx context.Context, queue, path string, params url.Values, opts TaskOptions) (bool, error) {
	if q.queueOverride != "" {
		queue = q.queueOverride
	}

	now := q.now()
	eta := now
	if !opts.ETA.IsZero() {
		eta = opts.ETA
	} else if opts.Delay > 0 {
		eta = now.Add(opts.Delay)
	}

	task := &model.Task{
		ID:        uuid.NewString(),
		Queue:     queue,
		Path:      path,
		Params:    params,
		Name:      opts.Name,
		ETA:       eta,
		CreatedAt: now,
	}

	var lastErr error
	for i := 0; i < insertAttempts; i++ {
		inserted, err := q.repo.Insert(ctx, task)
		if err == nil {
			return inserted, nil
		}
		lastErr = err
		q.logger.Warn("タスクの登録に失敗しました。リトライします",
			slog.String("queue", queue),
			slog.String("path", path),
			slog.Int("attempt", i+1),
			slog.String("error", err.Error()))
	}
	return false, fmt.Errorf("タスクの登録に失敗しました: %w", lastErr)
}

// compile-time interface check
var _ Queue = (*PostgresQueue)(nil)
