package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/janaya/pubsubhubbub/internal/model"
)

// PostgresKnownFeedRepo はPostgreSQLを使用した既知フィードリポジトリ。
type PostgresKnownFeedRepo struct {
	db *sql.DB
}

// NewPostgresKnownFeedRepo はPostgresKnownFeedRepoを生成する。
func NewPostgresKnownFeedRepo(db *sql.DB) *PostgresKnownFeedRepo {
	return &PostgresKnownFeedRepo{db: db}
}

// Put はトピックのマーカーを盲目的に上書きする。
func (r *PostgresKnownFeedRepo) Put(ctx context.Context, topic string) error {
	kf := model.NewKnownFeed(topic)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO known_feeds (key_name, topic)
		 VALUES ($1, $2)
		 ON CONFLICT (key_name) DO UPDATE SET topic = EXCLUDED.topic`,
		kf.KeyName, kf.Topic,
	)
	if err != nil {
		return fmt.Errorf("既知フィードの登録に失敗しました: %w", err)
	}
	return nil
}

// CheckExists は既知フィードであるトピックのみを返す。
func (r *PostgresKnownFeedRepo) CheckExists(ctx context.Context, topics []string) ([]string, error) {
	if len(topics) == 0 {
		return nil, nil
	}

	keyNames := make([]string, len(topics))
	for i, topic := range topics {
		keyNames[i] = model.HashKeyName(topic)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT topic FROM known_feeds WHERE key_name = ANY($1)`,
		pq.Array(keyNames),
	)
	if err != nil {
		return nil, fmt.Errorf("既知フィードの確認に失敗しました: %w", err)
	}
	defer rows.Close()

	var known []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("既知フィードの読み取りに失敗しました: %w", err)
		}
		known = append(known, topic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("既知フィードの走査に失敗しました: %w", err)
	}
	return known, nil
}

// ListAfterKey はキー名の辞書順でafterKeyより後のマーカーを取得する。
func (r *PostgresKnownFeedRepo) ListAfterKey(ctx context.Context, afterKey string, limit int) ([]*model.KnownFeed, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key_name, topic FROM known_feeds
		 WHERE key_name > $1
		 ORDER BY key_name ASC
		 LIMIT $2`,
		afterKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("既知フィードの一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.KnownFeed
	for rows.Next() {
		kf := &model.KnownFeed{}
		if err := rows.Scan(&kf.KeyName, &kf.Topic); err != nil {
			return nil, fmt.Errorf("既知フィードの読み取りに失敗しました: %w", err)
		}
		feeds = append(feeds, kf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("既知フィードの走査に失敗しました: %w", err)
	}
	return feeds, nil
}

// compile-time interface check
var _ KnownFeedRepository = (*PostgresKnownFeedRepo)(nil)
