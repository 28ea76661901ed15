// Package publish は公開通知の受理とフェッチ作業の積み直しを提供する。
package publish

import (
	"context"
	"log/slog"
	"time"

	"github.com/janaya/pubsubhubbub/internal/repository"
	"github.com/janaya/pubsubhubbub/internal/taskqueue"
	"github.com/janaya/pubsubhubbub/internal/worker/pull"
)

// Service は公開通知を処理する。
type Service struct {
	known  repository.KnownFeedRepository
	feeds  repository.FeedToFetchRepository
	queue  taskqueue.Queue
	logger *slog.Logger
	now    func() time.Time
}

// NewService はServiceを生成する。
func NewService(known repository.KnownFeedRepository, feeds repository.FeedToFetchRepository, queue taskqueue.Queue, logger *slog.Logger) *Service {
	return &Service{
		known:  known,
		feeds:  feeds,
		queue:  queue,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Publish は通知されたトピックのうち既知フィードのみをフェッチ対象へ積む。
// 未知のトピックは黙って無視する。受理した既知トピック数を返す。
// FeedToFetchの上書き挿入により、同一トピックへの連続通知は自然に合流する。
func (s *Service) Publish(ctx context.Context, topics []string) (int, error) {
	known, err := s.known.CheckExists(ctx, topics)
	if err != nil {
		return 0, err
	}
	if len(known) == 0 {
		s.logger.Info("既知フィードに該当する通知がありません",
			slog.Int("topics", len(topics)))
		return 0, nil
	}

	if _, err := s.feeds.InsertAll(ctx, known, s.now()); err != nil {
		return 0, err
	}
	for _, topic := range known {
		if err := pull.EnqueuePull(ctx, s.queue, topic, time.Time{}); err != nil {
			return 0, err
		}
	}

	s.logger.Info("公開通知を受理しました",
		slog.Int("topics", len(topics)),
		slog.Int("accepted", len(known)))
	return len(known), nil
}
