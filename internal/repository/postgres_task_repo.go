package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/janaya/pubsubhubbub/internal/model"
)

// PostgresTaskRepo はPostgreSQLを使用したタスクキューリポジトリ。
type PostgresTaskRepo struct {
	db *sql.DB
}

// NewPostgresTaskRepo はPostgresTaskRepoを生成する。
func NewPostgresTaskRepo(db *sql.DB) *PostgresTaskRepo {
	return &PostgresTaskRepo{db: db}
}

// Insert はタスクを登録する。同名タスクが既に存在する場合はfalseを返す。
func (r *PostgresTaskRepo) Insert(ctx context.Context, t *model.Task) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (id, queue, path, params, name, eta, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (queue, name) WHERE name IS NOT NULL DO NOTHING`,
		t.ID, t.Queue, t.Path, t.Params.Encode(), nullString(t.Name),
		t.ETA, t.Attempts, t.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("タスクの登録に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("タスクの登録結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// ClaimDue はETAが到来したタスクをリース付きで取得する。
// 取得した行のETAを進めることで、リース期間中は他のディスパッチャから
// 見えなくなる。削除されなければリース満了後に再取得される。
func (r *PostgresTaskRepo) ClaimDue(ctx context.Context, queue string, limit int, lease time.Duration) ([]*model.Task, error) {
	now := time.Now().UTC()
	rows, err := r.db.QueryContext(ctx,
		`UPDATE tasks SET eta = $3, attempts = attempts + 1
		 WHERE id IN (
		     SELECT id FROM tasks
		     WHERE queue = $1 AND eta <= $2
		     ORDER BY eta ASC
		     LIMIT $4
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, queue, path, params, name, eta, attempts, created_at`,
		queue, now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t := &model.Task{}
		var params string
		var name sql.NullString
		err := rows.Scan(&t.ID, &t.Queue, &t.Path, &params, &name, &t.ETA, &t.Attempts, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("タスクの読み取りに失敗しました: %w", err)
		}
		t.Name = nullStringValue(name)
		t.Params, err = url.ParseQuery(params)
		if err != nil {
			return nil, fmt.Errorf("タスクパラメータの解析に失敗しました: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("タスクの走査に失敗しました: %w", err)
	}
	return tasks, nil
}

// Delete は完了したタスクを削除する。
func (r *PostgresTaskRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("タスクの削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ TaskRepository = (*PostgresTaskRepo)(nil)
