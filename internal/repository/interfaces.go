// Package repository はデータ永続化のインターフェースを定義する。
//
// エンティティグループの原子性はトピック単位のSQLトランザクションとして
// 実現する。CommitFetchはフィードレコード、エントリレコード、配信イベントを
// 単一トランザクションで書き込み、Doneは読み込み時のETAが変わっていない
// 場合に限りFeedToFetchを削除する。
package repository

import (
	"context"
	"time"

	"github.com/janaya/pubsubhubbub/internal/model"
)

// SubscriptionRepository は購読データの永続化インターフェース。
type SubscriptionRepository interface {
	// FindByKeyName は指定キーの購読を取得する。見つからない場合はnilを返す。
	FindByKeyName(ctx context.Context, keyName string) (*model.Subscription, error)

	// Insert は(callback, topic)をVerified状態で作成または強制遷移させる。
	// 既存の購読がある場合はVerifiedへ遷移しリース期限を更新する。
	// 新規作成された場合はtrueを返す。
	Insert(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int64, now time.Time) (bool, error)

	// RequestInsert は非同期検証待ちの購読を作成する。
	// 同一キーの購読が既に存在する場合は何もせずfalseを返す。
	RequestInsert(ctx context.Context, sub *model.Subscription) (bool, error)

	// Remove は購読を削除する。存在した場合はtrueを返す。
	Remove(ctx context.Context, callback, topic string) (bool, error)

	// RequestRemove は購読をToDelete状態へ遷移させる。
	// 存在しない、または既にToDeleteの場合は何もせずfalseを返す。
	RequestRemove(ctx context.Context, callback, topic, verifyToken string, now time.Time) (bool, error)

	// Update は検証リトライ状態（eta、confirm_failures）を更新する。
	Update(ctx context.Context, sub *model.Subscription) error

	// Delete は指定キーの購読を削除する。
	Delete(ctx context.Context, keyName string) error

	// HasSubscribers はトピックにVerified状態の購読者がいるかを返す。
	HasSubscribers(ctx context.Context, topic string) (bool, error)

	// GetSubscribers はトピックのVerified購読者をcallback_hash昇順で取得する。
	// startingAtCallbackが空でない場合、そのコールバックのハッシュ以上から
	// （当該コールバック自身を含めて）取得する。
	GetSubscribers(ctx context.Context, topic string, count int, startingAtCallback string) ([]*model.Subscription, error)

	// GetByKeyNames は複数キーの購読を入力順を保って取得する。
	// 削除済みのキーは結果から除かれる。
	GetByKeyNames(ctx context.Context, keyNames []string) ([]*model.Subscription, error)
}

// FeedToFetchRepository はフェッチ作業項目の永続化インターフェース。
type FeedToFetchRepository interface {
	// GetByTopic はトピックのFeedToFetchを取得する。見つからない場合はnilを返す。
	GetByTopic(ctx context.Context, topic string) (*model.FeedToFetch, error)

	// InsertAll はトピック群のFeedToFetchを盲目的に上書き挿入する。
	// 既存行はETAが現在時刻、失敗カウンタが0にリセットされる。
	// 挿入（上書き）した作業項目を返す。
	InsertAll(ctx context.Context, topics []string, now time.Time) ([]*model.FeedToFetch, error)

	// Update はリトライ状態（eta、fetching_failures、totally_failed）を更新する。
	Update(ctx context.Context, f *model.FeedToFetch) error

	// Done はフェッチ完了を記録する。永続化されたETAがfのETAと一致する
	// 場合のみ削除しtrueを返す。一致しない場合は並行するpublishが
	// ETAを進めたことを意味し、行を残してfalseを返す。
	Done(ctx context.Context, f *model.FeedToFetch) (bool, error)

	// DoneDeleteKnownFeed はDoneと同一トランザクションでKnownFeedも削除する。
	// 購読者のいないトピックの遅延回収に使用する。
	DoneDeleteKnownFeed(ctx context.Context, f *model.FeedToFetch) (bool, error)
}

// FeedRecordRepository はフィードメタデータとエントリ記録の永続化インターフェース。
type FeedRecordRepository interface {
	// GetOrCreate はトピックのFeedRecordを取得し、無ければ作成する。
	GetOrCreate(ctx context.Context, topic string) (*model.FeedRecord, error)

	// FindByTopic はトピックのFeedRecordを取得する。見つからない場合はnilを返す。
	FindByTopic(ctx context.Context, topic string) (*model.FeedRecord, error)

	// GetEntries はトピック配下のエントリ記録をentry_id群から取得する。
	// 存在しないものは結果から除かれる。
	GetEntries(ctx context.Context, topic string, entryIDs []string) ([]*model.FeedEntryRecord, error)

	// CommitFetch はフェッチ結果を単一トランザクションでコミットする。
	// エントリ記録のUPSERT、FeedRecordの更新、配信イベントの作成が
	// 全て成功するか全て失敗するかのどちらかになる。eventはnil可。
	CommitFetch(ctx context.Context, record *model.FeedRecord, entries []*model.FeedEntryRecord, event *model.EventToDeliver) error
}

// EventRepository は配信イベントの永続化インターフェース。
// イベントの作成はFeedRecordRepository.CommitFetchで行われる。
type EventRepository interface {
	// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.EventToDeliver, error)

	// Update は配信カーソルとリトライ状態を更新する。
	Update(ctx context.Context, e *model.EventToDeliver) error

	// Delete は指定IDのイベントを削除する。
	Delete(ctx context.Context, id string) error

	// DeleteTotallyFailedBefore は完全失敗かつlast_modifiedがcutoffより
	// 古いイベントを削除し、削除件数を返す。
	DeleteTotallyFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// KnownFeedRepository は既知フィード集合の永続化インターフェース。
type KnownFeedRepository interface {
	// Put はトピックのマーカーを盲目的に上書きする。
	Put(ctx context.Context, topic string) error

	// CheckExists は既知フィードであるトピックのみを返す。順序は任意。
	CheckExists(ctx context.Context, topics []string) ([]string, error)

	// ListAfterKey はキー名の辞書順でafterKeyより後のマーカーを取得する。
	// afterKeyが空の場合は先頭から取得する。ブートストラップ走査用。
	ListAfterKey(ctx context.Context, afterKey string, limit int) ([]*model.KnownFeed, error)
}

// PollingRepository はブートストラップポーリングの進行状態の永続化インターフェース。
type PollingRepository interface {
	// GetMarker はシングルトンのPollingMarkerを取得する。
	// 存在しない場合はnext_start = now - 60秒の新規マーカーを返す（未永続化）。
	GetMarker(ctx context.Context, now time.Time) (*model.PollingMarker, error)

	// PutMarker はマーカーをUPSERTする。
	PutMarker(ctx context.Context, m *model.PollingMarker) error
}

// TaskRepository はタスクキューの永続化インターフェース。
type TaskRepository interface {
	// Insert はタスクを登録する。Nameが設定された同名タスクが同一キューに
	// 既に存在する場合は何もせずfalseを返す。
	Insert(ctx context.Context, t *model.Task) (bool, error)

	// ClaimDue はETAが到来したタスクをリース付きで取得する。
	// 取得した行のETAはnow + leaseへ進められ、attemptsが加算される。
	// リース期間中に削除されなければ再取得される（少なくとも1回の実行）。
	ClaimDue(ctx context.Context, queue string, limit int, lease time.Duration) ([]*model.Task, error)

	// Delete は完了したタスクを削除する。
	Delete(ctx context.Context, id string) error
}
