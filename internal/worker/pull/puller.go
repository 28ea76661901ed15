// Package pull はフィードのフェッチと差分検出を行うワーカーを提供する。
package pull

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/janaya/pubsubhubbub/internal/feeddiff"
	"github.com/janaya/pubsubhubbub/internal/metrics"
	"github.com/janaya/pubsubhubbub/internal/model"
	"github.com/janaya/pubsubhubbub/internal/repository"
	"github.com/janaya/pubsubhubbub/internal/security"
	"github.com/janaya/pubsubhubbub/internal/taskqueue"
	pushworker "github.com/janaya/pubsubhubbub/internal/worker/push"
)

const (
	// maxRedirects はフィードフェッチで追跡するリダイレクトの上限。
	maxRedirects = 7
	// maxEntryLookups は1回のフェッチで照合するエントリ記録数の上限。
	maxEntryLookups = 500
	// maxNewEntries は1回のフェッチでコミットする新規エントリ数の上限。
	// 超過分はFeedToFetchを再登録して次のパスへ先送りする。
	maxNewEntries = 200
	// entryLookupChunk はエントリ記録のバッチ取得サイズ。
	entryLookupChunk = 100
	// commitSplitAttempts はコミット失敗時にエントリ数を半減させて
	// 再試行する回数。
	commitSplitAttempts = 4
)

// WorkPath はフィードフェッチタスクのワーカーエンドポイント。
const WorkPath = "/work/pull_feeds"

// Puller は1トピックのフェッチ・差分検出・コミットを行う。
type Puller struct {
	feeds     repository.FeedToFetchRepository
	records   repository.FeedRecordRepository
	subs      repository.SubscriptionRepository
	queue     taskqueue.Queue
	client    *http.Client
	maxSize   int64
	collector metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewPuller はPullerを生成する。
func NewPuller(feeds repository.FeedToFetchRepository, records repository.FeedRecordRepository, subs repository.SubscriptionRepository, queue taskqueue.Queue, factory security.OutboundClientFactory, fetchTimeout time.Duration, maxSize int64, collector metrics.MetricsCollector, logger *slog.Logger) *Puller {
	client := factory.NewClient(fetchTimeout)
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("リダイレクトが多すぎます（上限%d回）", maxRedirects)
		}
		return nil
	}
	return &Puller{
		feeds:     feeds,
		records:   records,
		subs:      subs,
		queue:     queue,
		client:    client,
		maxSize:   maxSize,
		collector: collector,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// EnqueuePull はトピックのフェッチタスクをキューへ積む。
func EnqueuePull(ctx context.Context, queue taskqueue.Queue, topic string, eta time.Time) error {
	params := url.Values{}
	params.Set("topic", topic)
	_, err := queue.Add(ctx, taskqueue.QueueFeedPulls, WorkPath, params,
		taskqueue.TaskOptions{ETA: eta})
	return err
}

// PullFeed はトピックのフェッチパスを1回実行する。
// FeedToFetchが存在しない、または完全失敗済みの場合は何もしない。
func (p *Puller) PullFeed(ctx context.Context, topic string) error {
	work, err := p.feeds.GetByTopic(ctx, topic)
	if err != nil {
		return err
	}
	if work == nil {
		p.logger.Info("フェッチ作業項目が存在しません", slog.String("topic", topic))
		return nil
	}
	if work.TotallyFailed {
		p.logger.Info("完全失敗済みのトピックのためスキップします", slog.String("topic", topic))
		return nil
	}

	// 購読者のいないトピックは遅延回収する
	hasSubs, err := p.subs.HasSubscribers(ctx, topic)
	if err != nil {
		return err
	}
	if !hasSubs {
		p.logger.Info("購読者がいないためトピックを回収します", slog.String("topic", topic))
		_, err := p.feeds.DoneDeleteKnownFeed(ctx, work)
		return err
	}

	record, err := p.records.GetOrCreate(ctx, topic)
	if err != nil {
		return err
	}

	status, header, content, err := p.fetch(ctx, topic, record)
	if err != nil {
		p.collector.RecordFetchResult(false)
		p.logger.Warn("フィードのフェッチに失敗しました",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
		return p.fetchFailed(ctx, work)
	}
	p.collector.RecordFetchStatus(status)

	switch {
	case status == http.StatusNotModified:
		p.collector.RecordFetchResult(true)
		p.logger.Info("フィードは未更新です", slog.String("topic", topic))
		_, err := p.feeds.Done(ctx, work)
		return err
	case status != http.StatusOK:
		p.collector.RecordFetchResult(false)
		p.logger.Warn("フィードがエラー応答を返しました",
			slog.String("topic", topic),
			slog.Int("status", status))
		return p.fetchFailed(ctx, work)
	}

	// 次回の条件付きGETのため、応答のキャッシュヘッダーを記録へ引き継ぐ
	record.LastModified = header.Get("Last-Modified")
	record.ETag = header.Get("ETag")

	contentType := strings.ToLower(header.Get("Content-Type"))
	format, headerFooter, entries, err := parseFeed(content, contentType)
	if err != nil {
		p.collector.RecordFetchResult(false)
		p.logger.Warn("フィードの解析に失敗しました",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
		return p.fetchFailed(ctx, work)
	}

	return p.commitChanges(ctx, work, record, format, contentType, headerFooter, entries)
}

// fetch は条件付きGETでフィードを取得する。
func (p *Puller) fetch(ctx context.Context, topic string, record *model.FeedRecord) (int, http.Header, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, topic, nil)
	if err != nil {
		return 0, nil, "", fmt.Errorf("フェッチリクエストの構築に失敗しました: %w", err)
	}
	for k, v := range record.GetRequestHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxSize))
	if err != nil {
		return 0, nil, "", fmt.Errorf("フィード本文の読み取りに失敗しました: %w", err)
	}
	return resp.StatusCode, resp.Header, string(body), nil
}

// parseFeed はContent-Typeのヒントとフィード内容からフォーマットを推定し、
// エンベロープとエントリを抽出する。第一候補で解析に失敗した場合は
// もう一方のフォーマットを試す。
func parseFeed(content, contentType string) (model.FeedFormat, string, []*feeddiff.Entry, error) {
	order := []model.FeedFormat{model.FormatAtom, model.FormatRSS}

	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "rss"):
		order = []model.FeedFormat{model.FormatRSS, model.FormatAtom}
	case strings.Contains(ct, "atom"):
		// デフォルトのまま
	default:
		if gofeed.DetectFeedType(strings.NewReader(content)) == gofeed.FeedTypeRSS {
			order = []model.FeedFormat{model.FormatRSS, model.FormatAtom}
		}
	}

	var firstErr error
	for _, format := range order {
		headerFooter, entries, err := feeddiff.Filter(content, format)
		if err == nil {
			return format, headerFooter, entries, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return "", "", nil, firstErr
}

// commitChanges は差分を検出し、フェッチ結果をコミットする。
func (p *Puller) commitChanges(ctx context.Context, work *model.FeedToFetch, record *model.FeedRecord, format model.FeedFormat, contentType, headerFooter string, entries []*feeddiff.Entry) error {
	topic := work.Topic
	now := p.now()

	changed, err := p.findChangedEntries(ctx, topic, entries)
	if err != nil {
		return err
	}

	// 先頭（新しい側）を優先し、超過分は次のパスへ先送りする
	deferred := false
	if len(changed) > maxNewEntries {
		changed = changed[:maxNewEntries]
		deferred = true
	}

	record.HeaderFooter = headerFooter
	record.ContentType = contentType
	record.LastUpdated = now

	var event *model.EventToDeliver
	var entryRecords []*model.FeedEntryRecord
	if len(changed) > 0 {
		payloads := make([]string, len(changed))
		for i, e := range changed {
			payloads[i] = e.Payload
			entryRecords = append(entryRecords,
				model.NewFeedEntryRecord(topic, e.ID, model.Sha1Hash(e.Payload)))
		}
		for _, er := range entryRecords {
			er.UpdateTime = now
		}
		event, err = model.NewEventToDeliver(p.newID(), topic, format, headerFooter, payloads, now)
		if err != nil {
			p.logger.Warn("配信イベントの構築に失敗しました",
				slog.String("topic", topic),
				slog.String("error", err.Error()))
			return p.fetchFailed(ctx, work)
		}
	}

	if err := p.commitWithSplitting(ctx, record, entryRecords, event); err != nil {
		p.logger.Error("フェッチ結果のコミットに失敗しました",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
		return p.fetchFailed(ctx, work)
	}

	p.collector.RecordFetchResult(true)
	p.collector.RecordEntriesCommitted(len(changed))

	if event != nil {
		if err := pushworker.EnqueueDelivery(ctx, p.queue, event.ID, time.Time{}); err != nil {
			return err
		}
		p.logger.Info("新規エントリをコミットしました",
			slog.String("topic", topic),
			slog.Int("entries", len(changed)),
			slog.String("event_id", event.ID))
	} else {
		p.logger.Info("フィードに変更はありません", slog.String("topic", topic))
	}

	done, err := p.feeds.Done(ctx, work)
	if err != nil {
		return err
	}
	if !done {
		p.logger.Info("フェッチ中に新しい通知が届いたため作業項目を残します",
			slog.String("topic", topic))
	}

	if deferred {
		// 残りのエントリを処理するため作業項目を再登録する
		if _, err := p.feeds.InsertAll(ctx, []string{topic}, p.now()); err != nil {
			return err
		}
		return EnqueuePull(ctx, p.queue, topic, time.Time{})
	}
	return nil
}

// findChangedEntries は既存のエントリ記録と照合し、新規または内容が
// 変わったエントリをドキュメント順で返す。照合数には上限がある。
func (p *Puller) findChangedEntries(ctx context.Context, topic string, entries []*feeddiff.Entry) ([]*feeddiff.Entry, error) {
	if len(entries) > maxEntryLookups {
		entries = entries[:maxEntryLookups]
	}

	existingHash := make(map[string]string)
	for start := 0; start < len(entries); start += entryLookupChunk {
		end := start + entryLookupChunk
		if end > len(entries) {
			end = len(entries)
		}
		ids := make([]string, 0, end-start)
		for _, e := range entries[start:end] {
			ids = append(ids, e.ID)
		}
		found, err := p.records.GetEntries(ctx, topic, ids)
		if err != nil {
			return nil, err
		}
		for _, rec := range found {
			existingHash[rec.EntryID] = rec.EntryContentHash
		}
	}

	var changed []*feeddiff.Entry
	for _, e := range entries {
		if hash, ok := existingHash[e.ID]; !ok || hash != model.Sha1Hash(e.Payload) {
			changed = append(changed, e)
		}
	}
	return changed, nil
}

// commitWithSplitting はコミットを試み、失敗時はエントリ数を半減させて
// 再試行する。巨大なトランザクションが繰り返し失敗する場合の保険。
func (p *Puller) commitWithSplitting(ctx context.Context, record *model.FeedRecord, entries []*model.FeedEntryRecord, event *model.EventToDeliver) error {
	var lastErr error
	for attempt := 0; attempt < commitSplitAttempts; attempt++ {
		err := p.records.CommitFetch(ctx, record, entries, event)
		if err == nil {
			return nil
		}
		lastErr = err
		if len(entries) > 1 {
			p.logger.Warn("コミットに失敗しました。エントリ数を半減して再試行します",
				slog.Int("entries", len(entries)),
				slog.String("error", err.Error()))
			entries = entries[:len(entries)/2]
		}
	}
	return lastErr
}

// fetchFailed はフェッチ失敗を記録し、指数バックオフでリトライを積む。
// 失敗回数が上限に達した場合は完全失敗として固定する。
func (p *Puller) fetchFailed(ctx context.Context, work *model.FeedToFetch) error {
	if work.FetchingFailures >= maxFetchFailures {
		p.logger.Warn("フェッチの失敗回数が上限に達しました",
			slog.String("topic", work.Topic),
			slog.Int("failures", work.FetchingFailures))
		work.TotallyFailed = true
		return p.feeds.Update(ctx, work)
	}

	now := p.now()
	work.ETA = nextFetchETA(now, work.FetchingFailures)
	work.FetchingFailures++
	if err := p.feeds.Update(ctx, work); err != nil {
		return err
	}

	p.logger.Info("フェッチに失敗しました。リトライを予約します",
		slog.String("topic", work.Topic),
		slog.Int("failures", work.FetchingFailures),
		slog.Time("eta", work.ETA))
	return EnqueuePull(ctx, p.queue, work.Topic, work.ETA)
}
