package model

import "time"

// FeedToFetch はフェッチが必要なトピックを表す作業項目。
// キー名は hash(topic) のため、同一トピックへの複数回のinsertは
// 常に単一エンティティへの上書きになる。これが重複排除の要。
type FeedToFetch struct {
	KeyName          string
	Topic            string
	ETA              time.Time
	FetchingFailures int
	TotallyFailed    bool
}

// NewFeedToFetch はトピックに対するFeedToFetchを構築する。
func NewFeedToFetch(topic string, now time.Time) *FeedToFetch {
	return &FeedToFetch{
		KeyName: HashKeyName(topic),
		Topic:   topic,
		ETA:     now,
	}
}

// FeedRecord はトピックのフェッチ履歴のメタデータ。
// エントリ以外のフィードXML（エンベロープ）と条件付きGET用のヘッダーを保持する。
// トピックごとのエンティティグループの親で、FeedEntryRecordと
// EventToDeliverの書き込みは同一トランザクションでこのレコードと共にコミットされる。
type FeedRecord struct {
	KeyName      string
	Topic        string
	HeaderFooter string
	ContentType  string
	LastModified string // Last-Modifiedヘッダーの生文字列
	ETag         string
	LastUpdated  time.Time
}

// GetRequestHeaders はこのフィードをフェッチする際のリクエストヘッダーを返す。
func (r *FeedRecord) GetRequestHeaders() map[string]string {
	headers := map[string]string{
		"Cache-Control": "no-cache, no-store, max-age=1",
	}
	if r.LastModified != "" {
		headers["If-Modified-Since"] = r.LastModified
	}
	if r.ETag != "" {
		headers["If-None-Match"] = r.ETag
	}
	return headers
}

// FeedEntryRecord は1つのフィード内で観測済みの1エントリの記録。
// (topic, entry_id)ごとに高々1レコード。コンテンツハッシュの差分で
// エントリの新規/更新を判定する。
type FeedEntryRecord struct {
	TopicKey         string
	KeyName          string // hash(entry_id)
	EntryID          string
	EntryIDHash      string
	EntryContentHash string
	UpdateTime       time.Time
}

// NewFeedEntryRecord はトピック配下のエントリレコードを構築する。
func NewFeedEntryRecord(topic, entryID, contentHash string) *FeedEntryRecord {
	return &FeedEntryRecord{
		TopicKey:         HashKeyName(topic),
		KeyName:          HashKeyName(entryID),
		EntryID:          entryID,
		EntryIDHash:      Sha1Hash(entryID),
		EntryContentHash: contentHash,
	}
}

// KnownFeed は「一度でも購読されたことのあるトピック」のマーカー。
// 購読成功時に盲目的に上書きされる。最後の購読者が去った後は
// 古くなり得るが、フェッチパイプラインが遅延回収する。
type KnownFeed struct {
	KeyName string
	Topic   string
}

// NewKnownFeed はトピックのKnownFeedマーカーを構築する。
func NewKnownFeed(topic string) *KnownFeed {
	return &KnownFeed{KeyName: HashKeyName(topic), Topic: topic}
}

// PollingMarkerKeyName はPollingMarkerシングルトンのキー名。
const PollingMarkerKeyName = "the-mark"

// PollingMarker はブートストラップポーリングの周期を管理するシングルトン。
type PollingMarker struct {
	LastStart time.Time
	NextStart time.Time
}

// ShouldProgress はポーリングの新しい周回を開始すべきかを返す。
// 開始すべき場合はlast_start/next_startを進める（永続化は呼び出し側の責務）。
func (m *PollingMarker) ShouldProgress(period time.Duration, now time.Time) bool {
	if m.NextStart.Before(now) {
		m.LastStart = m.NextStart
		m.NextStart = now.Add(period)
		return true
	}
	return false
}
