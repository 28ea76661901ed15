package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/janaya/pubsubhubbub/internal/model"
)

// PostgresEventRepo はPostgreSQLを使用した配信イベントリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
func (r *PostgresEventRepo) FindByID(ctx context.Context, id string) (*model.EventToDeliver, error) {
	e := &model.EventToDeliver{}
	var failed pq.StringArray
	err := r.db.QueryRowContext(ctx,
		`SELECT id, topic_key, topic, topic_hash, format, payload, last_callback,
		        failed_callbacks, delivery_mode, retry_attempts, last_modified,
		        totally_failed
		 FROM events_to_deliver WHERE id = $1`,
		id,
	).Scan(
		&e.ID, &e.TopicKey, &e.Topic, &e.TopicHash, &e.Format, &e.Payload,
		&e.LastCallback, &failed, &e.DeliveryMode, &e.RetryAttempts,
		&e.LastModified, &e.TotallyFailed,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("配信イベントの取得に失敗しました: %w", err)
	}
	e.FailedCallbacks = []string(failed)
	return e, nil
}

// Update は配信カーソルとリトライ状態を更新する。
func (r *PostgresEventRepo) Update(ctx context.Context, e *model.EventToDeliver) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE events_to_deliver SET
		    last_callback = $2,
		    failed_callbacks = $3,
		    delivery_mode = $4,
		    retry_attempts = $5,
		    last_modified = $6,
		    totally_failed = $7
		 WHERE id = $1`,
		e.ID, e.LastCallback, pq.Array(e.FailedCallbacks), e.DeliveryMode,
		e.RetryAttempts, e.LastModified, e.TotallyFailed,
	)
	if err != nil {
		return fmt.Errorf("配信イベントの更新に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定IDのイベントを削除する。
func (r *PostgresEventRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM events_to_deliver WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("配信イベントの削除に失敗しました: %w", err)
	}
	return nil
}

// DeleteTotallyFailedBefore は完全失敗かつ古いイベントを削除する。
func (r *PostgresEventRepo) DeleteTotallyFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM events_to_deliver
		 WHERE totally_failed = TRUE AND last_modified < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("完全失敗イベントの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("完全失敗イベントの削除結果の取得に失敗しました: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
