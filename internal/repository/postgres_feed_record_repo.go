package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/janaya/pubsubhubbub/internal/model"
)

// PostgresFeedRecordRepo はPostgreSQLを使用したフィードレコードリポジトリ。
type PostgresFeedRecordRepo struct {
	db *sql.DB
}

// NewPostgresFeedRecordRepo はPostgresFeedRecordRepoを生成する。
func NewPostgresFeedRecordRepo(db *sql.DB) *PostgresFeedRecordRepo {
	return &PostgresFeedRecordRepo{db: db}
}

const feedRecordColumns = `key_name, topic, header_footer, content_type, last_modified, etag, last_updated`

func scanFeedRecord(row interface{ Scan(...any) error }) (*model.FeedRecord, error) {
	rec := &model.FeedRecord{}
	err := row.Scan(
		&rec.KeyName, &rec.Topic, &rec.HeaderFooter, &rec.ContentType,
		&rec.LastModified, &rec.ETag, &rec.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetOrCreate はトピックのFeedRecordを取得し、無ければ空のレコードを作成する。
func (r *PostgresFeedRecordRepo) GetOrCreate(ctx context.Context, topic string) (*model.FeedRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO feed_records (key_name, topic)
		 VALUES ($1, $2)
		 ON CONFLICT (key_name) DO UPDATE SET topic = feed_records.topic
		 RETURNING `+feedRecordColumns,
		model.HashKeyName(topic), topic,
	)
	rec, err := scanFeedRecord(row)
	if err != nil {
		return nil, fmt.Errorf("フィードレコードの取得または作成に失敗しました: %w", err)
	}
	return rec, nil
}

// FindByTopic はトピックのFeedRecordを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRecordRepo) FindByTopic(ctx context.Context, topic string) (*model.FeedRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+feedRecordColumns+` FROM feed_records WHERE key_name = $1`,
		model.HashKeyName(topic),
	)
	rec, err := scanFeedRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードレコードの取得に失敗しました: %w", err)
	}
	return rec, nil
}

// GetEntries はトピック配下のエントリ記録をentry_id群から取得する。
func (r *PostgresFeedRecordRepo) GetEntries(ctx context.Context, topic string, entryIDs []string) ([]*model.FeedEntryRecord, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}

	keyNames := make([]string, len(entryIDs))
	for i, id := range entryIDs {
		keyNames[i] = model.HashKeyName(id)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT topic_key, key_name, entry_id, entry_id_hash, entry_content_hash, update_time
		 FROM feed_entry_records
		 WHERE topic_key = $1 AND key_name = ANY($2)`,
		model.HashKeyName(topic), pq.Array(keyNames),
	)
	if err != nil {
		return nil, fmt.Errorf("エントリ記録の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.FeedEntryRecord
	for rows.Next() {
		e := &model.FeedEntryRecord{}
		err := rows.Scan(
			&e.TopicKey, &e.KeyName, &e.EntryID, &e.EntryIDHash,
			&e.EntryContentHash, &e.UpdateTime,
		)
		if err != nil {
			return nil, fmt.Errorf("エントリ記録の読み取りに失敗しました: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("エントリ記録の走査に失敗しました: %w", err)
	}
	return entries, nil
}

// CommitFetch はフェッチ結果を単一トランザクションでコミットする。
// FeedRecordの更新、エントリ記録のUPSERT、配信イベントの作成（eventがnilで
// ない場合）が全て成功するか全て失敗するかのどちらかになる。
func (r *PostgresFeedRecordRepo) CommitFetch(ctx context.Context, record *model.FeedRecord, entries []*model.FeedEntryRecord, event *model.EventToDeliver) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO feed_records (key_name, topic, header_footer, content_type,
		                           last_modified, etag, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (key_name) DO UPDATE SET
		     header_footer = EXCLUDED.header_footer,
		     content_type = EXCLUDED.content_type,
		     last_modified = EXCLUDED.last_modified,
		     etag = EXCLUDED.etag,
		     last_updated = EXCLUDED.last_updated`,
		record.KeyName, record.Topic, record.HeaderFooter, record.ContentType,
		record.LastModified, record.ETag, record.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("フィードレコードの更新に失敗しました: %w", err)
	}

	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO feed_entry_records (topic_key, key_name, entry_id,
			                                 entry_id_hash, entry_content_hash, update_time)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (topic_key, key_name) DO UPDATE SET
			     entry_content_hash = EXCLUDED.entry_content_hash,
			     update_time = EXCLUDED.update_time`,
			e.TopicKey, e.KeyName, e.EntryID, e.EntryIDHash,
			e.EntryContentHash, e.UpdateTime,
		)
		if err != nil {
			return fmt.Errorf("エントリ記録の更新に失敗しました: %w", err)
		}
	}

	if event != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events_to_deliver (id, topic_key, topic, topic_hash, format,
			                                payload, last_callback, failed_callbacks,
			                                delivery_mode, retry_attempts, last_modified,
			                                totally_failed)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			event.ID, event.TopicKey, event.Topic, event.TopicHash, event.Format,
			event.Payload, event.LastCallback, pq.Array(event.FailedCallbacks),
			event.DeliveryMode, event.RetryAttempts, event.LastModified,
			event.TotallyFailed,
		)
		if err != nil {
			return fmt.Errorf("配信イベントの作成に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("フェッチ結果のコミットに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ FeedRecordRepository = (*PostgresFeedRecordRepo)(nil)
