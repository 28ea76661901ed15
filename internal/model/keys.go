package model

import (
	"crypto/sha1"
	"encoding/hex"
)

// Sha1Hash は文字列のSHA-1ハッシュを16進文字列で返す。
// エンティティキーとコールバック/トピックの順序付けに使用する。
func Sha1Hash(value string) string {
	sum := sha1.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}

// HashKeyName は値のハッシュから導出した決定的なエンティティキー名を返す。
func HashKeyName(value string) string {
	return "hash_" + Sha1Hash(value)
}

// SubscriptionKeyName は(callback, topic)の組に対応するSubscriptionのキー名を返す。
func SubscriptionKeyName(callback, topic string) string {
	return HashKeyName(callback + "\n" + topic)
}
