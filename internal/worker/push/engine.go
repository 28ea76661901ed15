// Package push は配信イベントを購読者へ送り届けるエンジンを提供する。
//
// 配信はチャンク単位で進む。Normalモードでは購読者全体をcallback_hash順の
// カーソル（LastCallback）でページングし、失敗したコールバックを失敗リストへ
// 積む。全購読者を走査し終えるとRetryモードへ遷移し、失敗リストを指数
// バックオフで周回する。リトライ上限を超えたイベントはTotallyFailedのまま
// 残り、後で年齢ベースのクリーンアップが回収する。
package push

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/janaya/pubsubhubbub/internal/metrics"
	"github.com/janaya/pubsubhubbub/internal/model"
	"github.com/janaya/pubsubhubbub/internal/repository"
	"github.com/janaya/pubsubhubbub/internal/security"
	"github.com/janaya/pubsubhubbub/internal/taskqueue"
)

// subscriberChunkSize は1回の配信パスで処理する購読者数。
const subscriberChunkSize = 10

// WorkPath は配信タスクのワーカーエンドポイント。
const WorkPath = "/work/push_events"

// Engine は配信イベントのチャンク配信と状態遷移を行う。
type Engine struct {
	events    repository.EventRepository
	subs      repository.SubscriptionRepository
	queue     taskqueue.Queue
	client    *http.Client
	collector metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine はEngineを生成する。
func NewEngine(events repository.EventRepository, subs repository.SubscriptionRepository, queue taskqueue.Queue, factory security.OutboundClientFactory, deliveryTimeout time.Duration, collector metrics.MetricsCollector, logger *slog.Logger) *Engine {
	return &Engine{
		events:    events,
		subs:      subs,
		queue:     queue,
		client:    factory.NewClient(deliveryTimeout),
		collector: collector,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueDelivery は配信タスクをキューへ積む。
func EnqueueDelivery(ctx context.Context, queue taskqueue.Queue, eventID string, eta time.Time) error {
	params := url.Values{}
	params.Set("event_key", eventID)
	_, err := queue.Add(ctx, taskqueue.QueueEventDelivery, WorkPath, params,
		taskqueue.TaskOptions{ETA: eta})
	return err
}

// DeliverEvent はイベントの配信パスを1回実行する。
func (e *Engine) DeliverEvent(ctx context.Context, eventID string) error {
	event, err := e.events.FindByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event == nil {
		e.logger.Info("配信イベントが存在しません", slog.String("event_id", eventID))
		return nil
	}
	if event.TotallyFailed {
		e.logger.Info("完全失敗済みのイベントのためスキップします", slog.String("event_id", eventID))
		return nil
	}

	subscribers, more, err := e.nextSubscribers(ctx, event, subscriberChunkSize)
	if err != nil {
		return err
	}

	failed := e.deliverChunk(ctx, event, subscribers)
	return e.updateEvent(ctx, event, more, failed)
}

// nextSubscribers は次に配信すべき購読者のチャンクを返す。
// イベントのカーソル状態（LastCallback、FailedCallbacks）を進める。
// 2番目の返り値は、このチャンクの後にまだ購読者が残っているかを表す。
func (e *Engine) nextSubscribers(ctx context.Context, event *model.EventToDeliver, chunkSize int) ([]*model.Subscription, bool, error) {
	var subscribers []*model.Subscription
	var more bool

	if event.DeliveryMode == model.DeliveryModeNormal {
		// チャンク+1件取得し、余分の1件を次回カーソルの番兵にする
		all, err := e.subs.GetSubscribers(ctx, event.Topic, chunkSize+1, event.LastCallback)
		if err != nil {
			return nil, false, err
		}
		if len(all) > 0 {
			event.LastCallback = all[len(all)-1].Callback
		} else {
			event.LastCallback = ""
		}
		more = len(all) > chunkSize
		if more {
			all = all[:chunkSize]
		}
		subscribers = all
	} else {
		nextChunk := event.FailedCallbacks
		if len(nextChunk) > chunkSize {
			nextChunk = nextChunk[:chunkSize]
		}
		more = len(event.FailedCallbacks) > len(nextChunk)

		// 最後に配信した購読者のキーがチャンクに現れたら、リストを一周して
		// 先頭に戻ったことを意味する。重複配信を防ぐため手前で切り詰め、
		// このパスを終了して次のバックオフへ進む。
		if event.LastCallback != "" {
			sentinel := model.SubscriptionKeyName(event.LastCallback, event.Topic)
			for i, keyName := range nextChunk {
				if keyName == sentinel {
					nextChunk = nextChunk[:i]
					more = false
					break
				}
			}
		}

		list, err := e.subs.GetByKeyNames(ctx, nextChunk)
		if err != nil {
			return nil, false, err
		}
		event.FailedCallbacks = event.FailedCallbacks[len(nextChunk):]
		if len(list) > 0 {
			event.LastCallback = list[len(list)-1].Callback
		} else {
			event.LastCallback = ""
		}
		subscribers = list
	}

	return subscribers, more, nil
}

// deliverChunk はチャンク内の購読者へ並行に配信し、失敗した購読を返す。
func (e *Engine) deliverChunk(ctx context.Context, event *model.EventToDeliver, subscribers []*model.Subscription) []*model.Subscription {
	var (
		mu     sync.Mutex
		failed []*model.Subscription
		wg     sync.WaitGroup
	)

	for _, sub := range subscribers {
		wg.Add(1)
		go func(sub *model.Subscription) {
			defer wg.Done()
			start := time.Now()
			ok := e.deliverOne(ctx, event, sub)
			e.collector.RecordDeliveryLatency(time.Since(start))
			e.collector.RecordDeliveryResult(ok)
			if !ok {
				mu.Lock()
				failed = append(failed, sub)
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return failed
}

// deliverOne は1購読者へペイロードをPOSTする。成功は200または204。
func (e *Engine) deliverOne(ctx context.Context, event *model.EventToDeliver, sub *model.Subscription) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		sub.Callback, strings.NewReader(event.Payload))
	if err != nil {
		e.logger.Warn("配信リクエストの構築に失敗しました",
			slog.String("callback", sub.Callback),
			slog.String("error", err.Error()))
		return false
	}
	req.Header.Set("Content-Type", event.Format.ContentType())
	if sig := signature(event.Payload, sub); sig != "" {
		req.Header.Set("X-Hub-Signature", sig)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Info("配信に失敗しました",
			slog.String("callback", sub.Callback),
			slog.String("topic", event.Topic),
			slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		e.logger.Info("配信がエラー応答を返しました",
			slog.String("callback", sub.Callback),
			slog.String("topic", event.Topic),
			slog.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// signature はペイロードのHMAC-SHA1署名ヘッダー値を返す。
// 鍵は購読のsecretを優先し、無ければverify_tokenを使用する。
// どちらも無い購読には署名を付けない（空文字列を返す）。
func signature(payload string, sub *model.Subscription) string {
	key := sub.Secret
	if key == "" {
		key = sub.VerifyToken
	}
	if key == "" {
		return ""
	}
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(payload))
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

// updateEvent は配信結果をイベントへ反映し、次のパスを予約する。
// 全購読者への配信が完了し失敗が残っていなければイベントを削除する。
func (e *Engine) updateEvent(ctx context.Context, event *model.EventToDeliver, more bool, failed []*model.Subscription) error {
	now := e.now()
	event.LastModified = now

	// 失敗リストはcallback_hash順を保って追記する
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].CallbackHash < failed[j].CallbackHash
	})
	for _, sub := range failed {
		event.FailedCallbacks = append(event.FailedCallbacks, sub.KeyName)
	}

	if !more && len(event.FailedCallbacks) == 0 {
		e.logger.Info("配信が完了しました",
			slog.String("event_id", event.ID),
			slog.String("topic", event.Topic))
		return e.events.Delete(ctx, event.ID)
	}

	if !more {
		event.LastCallback = ""
		retryDelay := deliveryRetryDelay(event.RetryAttempts)
		event.LastModified = now.Add(retryDelay)
		event.RetryAttempts++
		if event.RetryAttempts > maxDeliveryFailures {
			event.TotallyFailed = true
			e.logger.Warn("配信のリトライ回数が上限に達しました",
				slog.String("event_id", event.ID),
				slog.String("topic", event.Topic),
				slog.Int("remaining_callbacks", len(event.FailedCallbacks)))
		}
		if event.DeliveryMode == model.DeliveryModeNormal {
			event.DeliveryMode = model.DeliveryModeRetry
			e.logger.Warn("通常配信が完了しました。失敗コールバックのリトライへ移行します",
				slog.String("event_id", event.ID),
				slog.Int("failed_callbacks", len(event.FailedCallbacks)))
		} else {
			e.logger.Warn("リトライ配信パスが完了しました",
				slog.String("event_id", event.ID),
				slog.Int("retry_attempts", event.RetryAttempts),
				slog.Int("failed_callbacks", len(event.FailedCallbacks)))
		}
	}

	if err := e.events.Update(ctx, event); err != nil {
		return err
	}
	if !event.TotallyFailed {
		return EnqueueDelivery(ctx, e.queue, event.ID, event.LastModified)
	}
	return nil
}
