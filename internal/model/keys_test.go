package model

import "testing"

// TestHashKeyName はキー名の導出が決定的であることを検証する。
func TestHashKeyName(t *testing.T) {
	key := HashKeyName("http://example.com/feed")
	if key != "hash_"+Sha1Hash("http://example.com/feed") {
		t.Errorf("HashKeyName = %q, want hash_ prefix + sha1", key)
	}
	if key != HashKeyName("http://example.com/feed") {
		t.Error("HashKeyName should be deterministic")
	}
}

// TestSubscriptionKeyName は(callback, topic)の組の区切りが衝突しないことを検証する。
func TestSubscriptionKeyName(t *testing.T) {
	a := SubscriptionKeyName("http://a.example/cb", "http://t.example/feed")
	b := SubscriptionKeyName("http://a.example/cb2", "http://t.example/feed")
	if a == b {
		t.Error("different callbacks should produce different key names")
	}
	if a != SubscriptionKeyName("http://a.example/cb", "http://t.example/feed") {
		t.Error("SubscriptionKeyName should be deterministic")
	}
}
