// Package model はハブの永続化エンティティと状態遷移を定義する。
package model

import "time"

// SubscriptionState は購読のライフサイクル状態。
// 遷移: NotVerified → Verified → ToDelete → 削除。
// 検証の最大失敗回数を超えた場合はNotVerifiedからも削除される。
type SubscriptionState string

const (
	// SubscriptionNotVerified はチャレンジ検証待ちの状態。
	SubscriptionNotVerified SubscriptionState = "not_verified"
	// SubscriptionVerified はチャレンジ検証に成功し配信対象となった状態。
	SubscriptionVerified SubscriptionState = "verified"
	// SubscriptionToDelete は購読解除の検証待ちの状態。
	SubscriptionToDelete SubscriptionState = "to_delete"
)

// Subscription は1つの(callback, topic)組に対する購読リース。
// 非同期検証の作業項目としての役割も兼ねる。
// キー名は hash(callback + "\n" + topic) で、同一組は常に1エンティティに収束する。
type Subscription struct {
	KeyName         string
	Callback        string
	CallbackHash    string
	Topic           string
	TopicHash       string
	State           SubscriptionState
	VerifyToken     string
	Secret          string
	LeaseSeconds    int64
	ExpirationTime  time.Time
	ETA             time.Time
	ConfirmFailures int
	CreatedAt       time.Time
	LastModified    time.Time
}

// NewSubscription は検証待ち状態のSubscriptionを構築する。
func NewSubscription(callback, topic, verifyToken, secret string, leaseSeconds int64, now time.Time) *Subscription {
	return &Subscription{
		KeyName:        SubscriptionKeyName(callback, topic),
		Callback:       callback,
		CallbackHash:   Sha1Hash(callback),
		Topic:          topic,
		TopicHash:      Sha1Hash(topic),
		State:          SubscriptionNotVerified,
		VerifyToken:    verifyToken,
		Secret:         secret,
		LeaseSeconds:   leaseSeconds,
		ExpirationTime: now.Add(time.Duration(leaseSeconds) * time.Second),
		ETA:            now,
		CreatedAt:      now,
		LastModified:   now,
	}
}
