// Package poll は既知フィード全体を周期的にフェッチ対象へ積み直す
// ブートストラップポーリングを提供する。
//
// 周回はシングルトンのPollingMarkerで管理され、既知フィードの走査は
// 名前付きタスクの連鎖として進む。タスク名は周回の開始時刻とカーソル
// キーから決定的に導出されるため、タスクの重複実行があっても連鎖は
// 冪等に進行する。
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/janaya/pubsubhubbub/internal/model"
	"github.com/janaya/pubsubhubbub/internal/repository"
	"github.com/janaya/pubsubhubbub/internal/taskqueue"
	"github.com/janaya/pubsubhubbub/internal/worker/pull"
)

const (
	// bootstrapPeriod はブートストラップポーリングの周期。
	bootstrapPeriod = 3 * time.Hour
	// bootstrapChunkSize は1タスクで処理する既知フィード数。
	bootstrapChunkSize = 200
)

// WorkPath はブートストラップタスクのワーカーエンドポイント。
const WorkPath = "/work/poll_bootstrap"

// Bootstrap はポーリング周回の開始判定と既知フィードの走査を行う。
type Bootstrap struct {
	polling repository.PollingRepository
	known   repository.KnownFeedRepository
	feeds   repository.FeedToFetchRepository
	queue   taskqueue.Queue
	logger  *slog.Logger
	now     func() time.Time
}

// NewBootstrap はBootstrapを生成する。
func NewBootstrap(polling repository.PollingRepository, known repository.KnownFeedRepository, feeds repository.FeedToFetchRepository, queue taskqueue.Queue, logger *slog.Logger) *Bootstrap {
	return &Bootstrap{
		polling: polling,
		known:   known,
		feeds:   feeds,
		queue:   queue,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Trigger は新しい周回を開始すべきかを判定し、開始する場合は走査の
// 先頭タスクを積む。周期が到来していなければ何もしない。
func (b *Bootstrap) Trigger(ctx context.Context) error {
	now := b.now()
	marker, err := b.polling.GetMarker(ctx, now)
	if err != nil {
		return err
	}
	if !marker.ShouldProgress(bootstrapPeriod, now) {
		return nil
	}

	// 周回の開始時刻がそのままシーケンスIDになる
	sequence := strconv.FormatInt(marker.LastStart.Unix(), 10)
	params := url.Values{}
	params.Set("sequence", sequence)
	inserted, err := b.queue.Add(ctx, taskqueue.QueuePolling, WorkPath, params,
		taskqueue.TaskOptions{Name: sequence})
	if err != nil {
		return err
	}

	// マーカーの永続化はタスク登録成功の後。名前付きタスクなので
	// 再実行で重複登録にはならない。
	if err := b.polling.PutMarker(ctx, marker); err != nil {
		return err
	}
	if inserted {
		b.logger.Info("ブートストラップポーリングの周回を開始します",
			slog.String("sequence", sequence))
	}
	return nil
}

// Continue は既知フィードを1チャンク走査し、フェッチ対象へ積み直す。
// チャンクが空でなければ続きの名前付きタスクを連鎖させ、空のチャンクで
// 周回が完了する。
func (b *Bootstrap) Continue(ctx context.Context, sequence, currentKey string) error {
	feeds, err := b.known.ListAfterKey(ctx, currentKey, bootstrapChunkSize)
	if err != nil {
		return err
	}
	if len(feeds) == 0 {
		b.logger.Info("ブートストラップポーリングの周回が完了しました",
			slog.String("sequence", sequence))
		return nil
	}

	topics := make([]string, len(feeds))
	for i, kf := range feeds {
		topics[i] = kf.Topic
	}
	if _, err := b.feeds.InsertAll(ctx, topics, b.now()); err != nil {
		return err
	}
	for _, topic := range topics {
		if err := pull.EnqueuePull(ctx, b.queue, topic, time.Time{}); err != nil {
			return err
		}
	}

	b.logger.Info("既知フィードをフェッチ対象へ積み直しました",
		slog.String("sequence", sequence),
		slog.Int("count", len(topics)))

	// チャンクが空になるまで連鎖する。走査中に追加された既知フィードも
	// 同じ周回で拾われる。続きのタスク名はカーソルキーから決定的に導出する
	lastKey := feeds[len(feeds)-1].KeyName
	params := url.Values{}
	params.Set("sequence", sequence)
	params.Set("current_key", lastKey)
	name := fmt.Sprintf("%s-%s", sequence, model.Sha1Hash(lastKey))
	_, err = b.queue.Add(ctx, taskqueue.QueuePolling, WorkPath, params,
		taskqueue.TaskOptions{Name: name})
	return err
}
