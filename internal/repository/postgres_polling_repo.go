package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/janaya/pubsubhubbub/internal/model"
)

// PostgresPollingRepo はPostgreSQLを使用したポーリングマーカーリポジトリ。
type PostgresPollingRepo struct {
	db *sql.DB
}

// NewPostgresPollingRepo はPostgresPollingRepoを生成する。
func NewPostgresPollingRepo(db *sql.DB) *PostgresPollingRepo {
	return &PostgresPollingRepo{db: db}
}

// GetMarker はシングルトンのPollingMarkerを取得する。
// 存在しない場合は即座に開始可能な新規マーカーを返す（未永続化）。
func (r *PostgresPollingRepo) GetMarker(ctx context.Context, now time.Time) (*model.PollingMarker, error) {
	m := &model.PollingMarker{}
	var lastStart sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT last_start, next_start FROM polling_marker WHERE key_name = $1`,
		model.PollingMarkerKeyName,
	).Scan(&lastStart, &m.NextStart)
	if err == sql.ErrNoRows {
		return &model.PollingMarker{NextStart: now.Add(-60 * time.Second)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ポーリングマーカーの取得に失敗しました: %w", err)
	}
	if lastStart.Valid {
		m.LastStart = lastStart.Time
	}
	return m, nil
}

// PutMarker はマーカーをUPSERTする。
func (r *PostgresPollingRepo) PutMarker(ctx context.Context, m *model.PollingMarker) error {
	var lastStart sql.NullTime
	if !m.LastStart.IsZero() {
		lastStart = sql.NullTime{Time: m.LastStart, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO polling_marker (key_name, last_start, next_start)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key_name) DO UPDATE SET
		     last_start = EXCLUDED.last_start,
		     next_start = EXCLUDED.next_start`,
		model.PollingMarkerKeyName, lastStart, m.NextStart,
	)
	if err != nil {
		return fmt.Errorf("ポーリングマーカーの保存に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PollingRepository = (*PostgresPollingRepo)(nil)
