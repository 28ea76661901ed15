package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/janaya/pubsubhubbub/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

const subscriptionColumns = `key_name, callback, callback_hash, topic, topic_hash,
       state, verify_token, secret, lease_seconds, expiration_time,
       eta, confirm_failures, created_at, last_modified`

// scanSubscription は1行をSubscriptionへ読み取る。
func scanSubscription(row interface{ Scan(...any) error }) (*model.Subscription, error) {
	sub := &model.Subscription{}
	var verifyToken, secret sql.NullString
	err := row.Scan(
		&sub.KeyName, &sub.Callback, &sub.CallbackHash, &sub.Topic, &sub.TopicHash,
		&sub.State, &verifyToken, &secret, &sub.LeaseSeconds, &sub.ExpirationTime,
		&sub.ETA, &sub.ConfirmFailures, &sub.CreatedAt, &sub.LastModified,
	)
	if err != nil {
		return nil, err
	}
	sub.VerifyToken = nullStringValue(verifyToken)
	sub.Secret = nullStringValue(secret)
	return sub, nil
}

// FindByKeyName は指定キーの購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByKeyName(ctx context.Context, keyName string) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE key_name = $1`,
		keyName,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	return sub, nil
}

// Insert は(callback, topic)をVerified状態で作成または強制遷移させる。
func (r *PostgresSubscriptionRepo) Insert(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int64, now time.Time) (bool, error) {
	sub := model.NewSubscription(callback, topic, verifyToken, secret, leaseSeconds, now)
	var created bool
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (key_name, callback, callback_hash, topic, topic_hash,
		                            state, verify_token, secret, lease_seconds,
		                            expiration_time, eta, created_at, last_modified)
		 VALUES ($1, $2, $3, $4, $5, 'verified', $6, $7, $8, $9, $10, $10, $10)
		 ON CONFLICT (key_name) DO UPDATE SET
		     state = 'verified',
		     lease_seconds = EXCLUDED.lease_seconds,
		     expiration_time = EXCLUDED.expiration_time,
		     confirm_failures = 0,
		     last_modified = EXCLUDED.last_modified
		 RETURNING (created_at = last_modified)`,
		sub.KeyName, sub.Callback, sub.CallbackHash, sub.Topic, sub.TopicHash,
		nullString(verifyToken), nullString(secret), leaseSeconds,
		sub.ExpirationTime, now,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return created, nil
}

// RequestInsert は非同期検証待ちの購読を作成する。既存ならno-op。
func (r *PostgresSubscriptionRepo) RequestInsert(ctx context.Context, sub *model.Subscription) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (key_name, callback, callback_hash, topic, topic_hash,
		                            state, verify_token, secret, lease_seconds,
		                            expiration_time, eta, confirm_failures,
		                            created_at, last_modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (key_name) DO NOTHING`,
		sub.KeyName, sub.Callback, sub.CallbackHash, sub.Topic, sub.TopicHash,
		sub.State, nullString(sub.VerifyToken), nullString(sub.Secret),
		sub.LeaseSeconds, sub.ExpirationTime, sub.ETA, sub.ConfirmFailures,
		sub.CreatedAt, sub.LastModified,
	)
	if err != nil {
		return false, fmt.Errorf("購読リクエストの作成に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("購読リクエストの作成結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// Remove は購読を削除する。存在した場合はtrueを返す。
func (r *PostgresSubscriptionRepo) Remove(ctx context.Context, callback, topic string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE key_name = $1`,
		model.SubscriptionKeyName(callback, topic),
	)
	if err != nil {
		return false, fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("購読の削除結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// RequestRemove は購読をToDelete状態へ遷移させる。
func (r *PostgresSubscriptionRepo) RequestRemove(ctx context.Context, callback, topic, verifyToken string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET
		    state = 'to_delete',
		    verify_token = $2,
		    eta = $3,
		    last_modified = $3
		 WHERE key_name = $1 AND state <> 'to_delete'`,
		model.SubscriptionKeyName(callback, topic), nullString(verifyToken), now,
	)
	if err != nil {
		return false, fmt.Errorf("購読解除リクエストの記録に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("購読解除リクエストの記録結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// Update は検証リトライ状態を更新する。
func (r *PostgresSubscriptionRepo) Update(ctx context.Context, sub *model.Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET
		    state = $2,
		    verify_token = $3,
		    eta = $4,
		    confirm_failures = $5,
		    expiration_time = $6,
		    last_modified = $7
		 WHERE key_name = $1`,
		sub.KeyName, sub.State, nullString(sub.VerifyToken),
		sub.ETA, sub.ConfirmFailures, sub.ExpirationTime, sub.LastModified,
	)
	if err != nil {
		return fmt.Errorf("購読の更新に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定キーの購読を削除する。
func (r *PostgresSubscriptionRepo) Delete(ctx context.Context, keyName string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE key_name = $1`, keyName,
	)
	if err != nil {
		return fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	return nil
}

// HasSubscribers はトピックにVerified状態の購読者がいるかを返す。
func (r *PostgresSubscriptionRepo) HasSubscribers(ctx context.Context, topic string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM subscriptions
		    WHERE topic_hash = $1 AND state = 'verified'
		 )`,
		model.Sha1Hash(topic),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("購読者の有無の確認に失敗しました: %w", err)
	}
	return exists, nil
}

// GetSubscribers はトピックのVerified購読者をcallback_hash昇順で取得する。
func (r *PostgresSubscriptionRepo) GetSubscribers(ctx context.Context, topic string, count int, startingAtCallback string) ([]*model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
	          FROM subscriptions
	          WHERE topic_hash = $1 AND state = 'verified'`
	args := []any{model.Sha1Hash(topic)}
	if startingAtCallback != "" {
		query += ` AND callback_hash >= $3`
		args = append(args, count, model.Sha1Hash(startingAtCallback))
	} else {
		args = append(args, count)
	}
	query += ` ORDER BY callback_hash ASC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("購読者の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読者の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// GetByKeyNames は複数キーの購読を入力順を保って取得する。
func (r *PostgresSubscriptionRepo) GetByKeyNames(ctx context.Context, keyNames []string) ([]*model.Subscription, error) {
	if len(keyNames) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE key_name = ANY($1)`,
		pq.Array(keyNames),
	)
	if err != nil {
		return nil, fmt.Errorf("購読の一括取得に失敗しました: %w", err)
	}
	defer rows.Close()

	byKey := make(map[string]*model.Subscription, len(keyNames))
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("購読の一括読み取りに失敗しました: %w", err)
		}
		byKey[sub.KeyName] = sub
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読の一括走査に失敗しました: %w", err)
	}

	// 入力順を維持し、削除済みキーはスキップする
	subs := make([]*model.Subscription, 0, len(byKey))
	for _, keyName := range keyNames {
		if sub, ok := byKey[keyName]; ok {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
