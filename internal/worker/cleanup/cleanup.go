// Package cleanup は完全失敗した配信イベントの年齢ベース回収を提供する。
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/janaya/pubsubhubbub/internal/repository"
)

// WorkPath はクリーンアップタスクのワーカーエンドポイント。
const WorkPath = "/work/event_cleanup"

// Reaper は診断用に残された完全失敗イベントを期限後に削除する。
type Reaper struct {
	events repository.EventRepository
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewReaper はReaperを生成する。
func NewReaper(events repository.EventRepository, maxAge time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		events: events,
		maxAge: maxAge,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run は期限切れの完全失敗イベントを削除する。
func (r *Reaper) Run(ctx context.Context) error {
	cutoff := r.now().Add(-r.maxAge)
	deleted, err := r.events.DeleteTotallyFailedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		r.logger.Info("完全失敗イベントを回収しました",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff))
	}
	return nil
}
