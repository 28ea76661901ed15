package repository

import (
	"testing"

	"github.com/janaya/pubsubhubbub/internal/model"
)

// PostgresFeedRecordRepoはFeedRecordRepositoryインターフェースを満たすことを検証
func TestPostgresFeedRecordRepo_ImplementsInterface(t *testing.T) {
	var _ FeedRecordRepository = (*PostgresFeedRecordRepo)(nil)
}

// NewPostgresFeedRecordRepoが正しく初期化されることを検証
func TestNewPostgresFeedRecordRepo_Initializes(t *testing.T) {
	repo := NewPostgresFeedRecordRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// FeedEntryRecordモデルのフィールドが正しく構築されることを検証。
// (topic, entry_id)ごとに高々1行で、コンテンツハッシュの差分が
// エントリの新規/更新の判定基準になる。
func TestPostgresFeedRecordRepo_EntryModel_Fields(t *testing.T) {
	rec := model.NewFeedEntryRecord("http://example.com/feed", "tag:example.com,2026:e1", "contenthash")

	if rec.TopicKey != model.HashKeyName("http://example.com/feed") {
		t.Errorf("rec.TopicKey = %q, want %q", rec.TopicKey, model.HashKeyName("http://example.com/feed"))
	}
	if rec.KeyName != model.HashKeyName("tag:example.com,2026:e1") {
		t.Errorf("rec.KeyName = %q, want %q", rec.KeyName, model.HashKeyName("tag:example.com,2026:e1"))
	}
	if rec.EntryContentHash != "contenthash" {
		t.Errorf("rec.EntryContentHash = %q, want %q", rec.EntryContentHash, "contenthash")
	}
}
