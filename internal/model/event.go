package model

import (
	"fmt"
	"strings"
	"time"
)

// FeedFormat はフィードのワイヤーフォーマット。
type FeedFormat string

const (
	// FormatAtom はAtom 1.0フィード。
	FormatAtom FeedFormat = "atom"
	// FormatRSS はRSS 2.0フィード。
	FormatRSS FeedFormat = "rss"
)

// ContentType は配信POSTで使用するContent-Typeヘッダー値を返す。
func (f FeedFormat) ContentType() string {
	if f == FormatRSS {
		return "application/rss+xml"
	}
	return "application/atom+xml"
}

// closeTag はフィードエンベロープの閉じタグを返す。
func (f FeedFormat) closeTag() string {
	if f == FormatRSS {
		return "</channel>"
	}
	return "</feed>"
}

// DeliveryMode は配信エンジンの動作モード。
type DeliveryMode string

const (
	// DeliveryModeNormal は購読者全体をカーソルで順に処理するモード。
	DeliveryModeNormal DeliveryMode = "normal"
	// DeliveryModeRetry は失敗コールバックのリストを周回するモード。
	DeliveryModeRetry DeliveryMode = "retry"
)

// EventToDeliver は購読者へ配信すべき1つの公開イベント。
//
// フェッチコミットのトランザクション内で作成され、配信エンジンが
// カーソル（LastCallback）と失敗リスト（FailedCallbacks）を永続化
// しながらチャンク単位で進める。全配信成功で削除され、リトライ上限を
// 超えるとTotallyFailedのまま診断用に残る（後で年齢ベースで回収）。
type EventToDeliver struct {
	ID              string
	TopicKey        string
	Topic           string
	TopicHash       string
	Format          FeedFormat
	Payload         string
	LastCallback    string   // Normalモードのページングカーソル兼Retryモードの番兵
	FailedCallbacks []string // 失敗したSubscriptionのキー名（順序維持）
	DeliveryMode    DeliveryMode
	RetryAttempts   int
	LastModified    time.Time // 次回配信のETAを兼ねる
	TotallyFailed   bool
}

// NewEventToDeliver はトピックの更新エントリ群から配信イベントを構築する。
// entryPayloadsは新しい順のエントリXML断片。ペイロードはXML宣言、
// エンベロープの閉じタグ直前まで、エントリ群、閉じタグ以降の順で組み立てる。
// エンベロープに閉じタグが見つからない場合はエラーを返す。
func NewEventToDeliver(id, topic string, format FeedFormat, headerFooter string, entryPayloads []string, now time.Time) (*EventToDeliver, error) {
	closeTag := format.closeTag()
	closeIndex := strings.LastIndex(headerFooter, closeTag)
	if closeIndex == -1 {
		return nil, fmt.Errorf("フィードエンベロープに %s が見つかりません", closeTag)
	}

	parts := make([]string, 0, len(entryPayloads)+3)
	parts = append(parts, `<?xml version="1.0" encoding="utf-8"?>`)
	parts = append(parts, headerFooter[:closeIndex])
	parts = append(parts, entryPayloads...)
	parts = append(parts, headerFooter[closeIndex:])

	return &EventToDeliver{
		ID:           id,
		TopicKey:     HashKeyName(topic),
		Topic:        topic,
		TopicHash:    Sha1Hash(topic),
		Format:       format,
		Payload:      strings.Join(parts, "\n"),
		DeliveryMode: DeliveryModeNormal,
		LastModified: now,
	}, nil
}
