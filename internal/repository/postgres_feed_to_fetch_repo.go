package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/janaya/pubsubhubbub/internal/model"
)

// PostgresFeedToFetchRepo はPostgreSQLを使用したフェッチ作業項目リポジトリ。
type PostgresFeedToFetchRepo struct {
	db *sql.DB
}

// NewPostgresFeedToFetchRepo はPostgresFeedToFetchRepoを生成する。
func NewPostgresFeedToFetchRepo(db *sql.DB) *PostgresFeedToFetchRepo {
	return &PostgresFeedToFetchRepo{db: db}
}

// GetByTopic はトピックのFeedToFetchを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedToFetchRepo) GetByTopic(ctx context.Context, topic string) (*model.FeedToFetch, error) {
	f := &model.FeedToFetch{}
	err := r.db.QueryRowContext(ctx,
		`SELECT key_name, topic, eta, fetching_failures, totally_failed
		 FROM feeds_to_fetch WHERE key_name = $1`,
		model.HashKeyName(topic),
	).Scan(&f.KeyName, &f.Topic, &f.ETA, &f.FetchingFailures, &f.TotallyFailed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フェッチ作業項目の取得に失敗しました: %w", err)
	}
	return f, nil
}

// InsertAll はトピック群のFeedToFetchを盲目的に上書き挿入する。
// 既存行はETAとリトライカウンタがリセットされる。
func (r *PostgresFeedToFetchRepo) InsertAll(ctx context.Context, topics []string, now time.Time) ([]*model.FeedToFetch, error) {
	if len(topics) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	work := make([]*model.FeedToFetch, 0, len(topics))
	for _, topic := range topics {
		f := model.NewFeedToFetch(topic, now)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO feeds_to_fetch (key_name, topic, eta, fetching_failures, totally_failed)
			 VALUES ($1, $2, $3, 0, FALSE)
			 ON CONFLICT (key_name) DO UPDATE SET
			     eta = EXCLUDED.eta,
			     fetching_failures = 0,
			     totally_failed = FALSE`,
			f.KeyName, f.Topic, f.ETA,
		)
		if err != nil {
			return nil, fmt.Errorf("フェッチ作業項目の登録に失敗しました: %w", err)
		}
		work = append(work, f)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("フェッチ作業項目のコミットに失敗しました: %w", err)
	}
	return work, nil
}

// Update はリトライ状態を更新する。
func (r *PostgresFeedToFetchRepo) Update(ctx context.Context, f *model.FeedToFetch) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds_to_fetch SET
		    eta = $2,
		    fetching_failures = $3,
		    totally_failed = $4
		 WHERE key_name = $1`,
		f.KeyName, f.ETA, f.FetchingFailures, f.TotallyFailed,
	)
	if err != nil {
		return fmt.Errorf("フェッチ作業項目の更新に失敗しました: %w", err)
	}
	return nil
}

// Done はフェッチ完了を記録する。ETAが変わっていない場合のみ削除する。
func (r *PostgresFeedToFetchRepo) Done(ctx context.Context, f *model.FeedToFetch) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM feeds_to_fetch WHERE key_name = $1 AND eta = $2`,
		f.KeyName, f.ETA,
	)
	if err != nil {
		return false, fmt.Errorf("フェッチ完了の記録に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("フェッチ完了の記録結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// DoneDeleteKnownFeed はDoneと同一トランザクションでKnownFeedも削除する。
func (r *PostgresFeedToFetchRepo) DoneDeleteKnownFeed(ctx context.Context, f *model.FeedToFetch) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM feeds_to_fetch WHERE key_name = $1 AND eta = $2`,
		f.KeyName, f.ETA,
	)
	if err != nil {
		return false, fmt.Errorf("フェッチ完了の記録に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("フェッチ完了の記録結果の取得に失敗しました: %w", err)
	}
	if n == 0 {
		// 並行するpublishがETAを進めている。KnownFeedも残す。
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM known_feeds WHERE key_name = $1`, f.KeyName,
	)
	if err != nil {
		return false, fmt.Errorf("既知フィードの削除に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("フェッチ完了のコミットに失敗しました: %w", err)
	}
	return true, nil
}

// compile-time interface check
var _ FeedToFetchRepository = (*PostgresFeedToFetchRepo)(nil)
