// Package subscription は購読の作成・解除とコールバック検証を提供する。
package subscription

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/janaya/pubsubhubbub/internal/metrics"
	"github.com/janaya/pubsubhubbub/internal/model"
	"github.com/janaya/pubsubhubbub/internal/repository"
	"github.com/janaya/pubsubhubbub/internal/security"
	"github.com/janaya/pubsubhubbub/internal/taskqueue"
)

const (
	// DefaultLeaseSeconds は省略時のリース期間（30日）。
	DefaultLeaseSeconds int64 = 30 * 24 * 60 * 60
	// MaxLeaseSeconds はリース期間の上限（90日）。
	MaxLeaseSeconds int64 = 90 * 24 * 60 * 60

	// maxConfirmFailures は検証を諦めるまでの失敗回数。
	maxConfirmFailures = 10
	// confirmRetryPeriod は検証リトライの基準間隔。失敗ごとに倍化する。
	confirmRetryPeriod = 300 * time.Second

	// challengeBytes はチャレンジ文字列の乱数バイト数。
	// base64url化で128文字になる。
	challengeBytes = 96
)

// WorkPath は検証リトライタスクのワーカーエンドポイント。
const WorkPath = "/work/subscriptions"

// Service は購読のライフサイクルを管理する。
type Service struct {
	subs      repository.SubscriptionRepository
	known     repository.KnownFeedRepository
	queue     taskqueue.Queue
	client    *http.Client
	collector metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
	newChal   func() (string, error)
}

// NewService はServiceを生成する。
// コールバック検証はリダイレクトを追わない。リダイレクト応答は
// 検証失敗として扱われる。
func NewService(subs repository.SubscriptionRepository, known repository.KnownFeedRepository, queue taskqueue.Queue, factory security.OutboundClientFactory, challengeTimeout time.Duration, collector metrics.MetricsCollector, logger *slog.Logger) *Service {
	client := factory.NewClient(challengeTimeout)
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Service{
		subs:      subs,
		known:     known,
		queue:     queue,
		client:    client,
		collector: collector,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newChal:   newChallenge,
	}
}

// newChallenge は予測不能な128文字のチャレンジ文字列を生成する。
func newChallenge() (string, error) {
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("チャレンジの生成に失敗しました: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ClampLease はリース秒数を既定値と上限に丸める。
func ClampLease(leaseSeconds int64) int64 {
	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSeconds
	}
	if leaseSeconds > MaxLeaseSeconds {
		leaseSeconds = MaxLeaseSeconds
	}
	return leaseSeconds
}

// ConfirmSubscription は購読者へチャレンジGETを送り、意図を検証する。
// 成功した場合はmodeに応じて購読の作成または削除を行い、trueを返す。
// コールバックが検証を拒否した（チャレンジ不一致や4xx応答の）場合は
// falseを返す。エラーは通信や永続化の失敗のみを表す。
func (s *Service) ConfirmSubscription(ctx context.Context, mode, topic, callback, verifyToken, secret string, leaseSeconds int64) (bool, error) {
	leaseSeconds = ClampLease(leaseSeconds)

	challenge, err := s.newChal()
	if err != nil {
		return false, err
	}

	params := url.Values{}
	params.Set("hub.mode", mode)
	params.Set("hub.topic", topic)
	params.Set("hub.challenge", challenge)
	if mode == "subscribe" {
		params.Set("hub.lease_seconds", fmt.Sprintf("%d", leaseSeconds))
	}
	if verifyToken != "" {
		params.Set("hub.verify_token", verifyToken)
	}

	sep := "?"
	if u, err := url.Parse(callback); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	verifyURL := callback + sep + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, verifyURL, nil)
	if err != nil {
		return false, fmt.Errorf("検証リクエストの構築に失敗しました: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.collector.RecordConfirmResult(false)
		s.logger.Info("コールバック検証のリクエストに失敗しました",
			slog.String("callback", callback),
			slog.String("topic", topic),
			slog.String("error", err.Error()))
		return false, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(len(challenge))+1))
	if err != nil {
		s.collector.RecordConfirmResult(false)
		s.logger.Info("コールバック検証の応答読み取りに失敗しました",
			slog.String("callback", callback),
			slog.String("error", err.Error()))
		return false, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || string(body) != challenge {
		s.collector.RecordConfirmResult(false)
		s.logger.Info("コールバックが検証を拒否しました",
			slog.String("callback", callback),
			slog.String("topic", topic),
			slog.String("mode", mode),
			slog.Int("status", resp.StatusCode))
		return false, nil
	}

	now := s.now()
	if mode == "subscribe" {
		if _, err := s.subs.Insert(ctx, callback, topic, verifyToken, secret, leaseSeconds, now); err != nil {
			return false, err
		}
		// 一度でも購読されたトピックはブートストラップポーリングの対象になる
		if err := s.known.Put(ctx, topic); err != nil {
			return false, err
		}
	} else {
		if _, err := s.subs.Remove(ctx, callback, topic); err != nil {
			return false, err
		}
	}

	s.collector.RecordConfirmResult(true)
	s.logger.Info("購読の検証に成功しました",
		slog.String("callback", callback),
		slog.String("topic", topic),
		slog.String("mode", mode))
	return true, nil
}

// RequestSubscribe は非同期検証の購読リクエストを記録し、検証タスクを積む。
func (s *Service) RequestSubscribe(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int64) error {
	sub := model.NewSubscription(callback, topic, verifyToken, secret, ClampLease(leaseSeconds), s.now())
	if _, err := s.subs.RequestInsert(ctx, sub); err != nil {
		return err
	}
	return s.enqueueConfirm(ctx, sub.KeyName, time.Time{})
}

// RequestUnsubscribe は購読をToDelete状態へ遷移させ、検証タスクを積む。
// 対象の購読が存在しない場合は何もせずfalseを返す。
func (s *Service) RequestUnsubscribe(ctx context.Context, callback, topic, verifyToken string) (bool, error) {
	changed, err := s.subs.RequestRemove(ctx, callback, topic, verifyToken, s.now())
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := s.enqueueConfirm(ctx, model.SubscriptionKeyName(callback, topic), time.Time{}); err != nil {
		return false, err
	}
	return true, nil
}

// enqueueConfirm は検証タスクをキューへ積む。
func (s *Service) enqueueConfirm(ctx context.Context, keyName string, eta time.Time) error {
	params := url.Values{}
	params.Set("subscription_key_name", keyName)
	_, err := s.queue.Add(ctx, taskqueue.QueueSubscriptions, WorkPath, params,
		taskqueue.TaskOptions{ETA: eta})
	return err
}

// ConfirmWork は検証タスクの本体。購読の状態に応じてチャレンジを送る。
// 検証失敗時はリトライをスケジュールする。
func (s *Service) ConfirmWork(ctx context.Context, keyName string) error {
	sub, err := s.subs.FindByKeyName(ctx, keyName)
	if err != nil {
		return err
	}
	if sub == nil {
		s.logger.Info("検証対象の購読が存在しません", slog.String("key_name", keyName))
		return nil
	}

	var mode string
	switch sub.State {
	case model.SubscriptionNotVerified:
		mode = "subscribe"
	case model.SubscriptionToDelete:
		mode = "unsubscribe"
	default:
		// 既に検証済み。やることはない。
		return nil
	}

	ok, err := s.ConfirmSubscription(ctx, mode, sub.Topic, sub.Callback, sub.VerifyToken, sub.Secret, sub.LeaseSeconds)
	if err != nil {
		return err
	}
	if !ok {
		return s.confirmFailed(ctx, sub)
	}
	return nil
}

// confirmFailed は検証失敗を記録し、指数バックオフでリトライを積む。
// 失敗回数が上限に達した場合は購読レコードを破棄する。
func (s *Service) confirmFailed(ctx context.Context, sub *model.Subscription) error {
	if sub.ConfirmFailures >= maxConfirmFailures {
		s.logger.Warn("検証の失敗回数が上限に達したため購読を破棄します",
			slog.String("callback", sub.Callback),
			slog.String("topic", sub.Topic),
			slog.Int("failures", sub.ConfirmFailures))
		return s.subs.Delete(ctx, sub.KeyName)
	}

	now := s.now()
	retryDelay := confirmRetryPeriod * (1 << sub.ConfirmFailures)
	sub.ETA = now.Add(retryDelay)
	sub.ConfirmFailures++
	sub.LastModified = now
	if err := s.subs.Update(ctx, sub); err != nil {
		return err
	}

	s.logger.Info("検証に失敗しました。リトライを予約します",
		slog.String("callback", sub.Callback),
		slog.String("topic", sub.Topic),
		slog.Int("failures", sub.ConfirmFailures),
		slog.Duration("retry_delay", retryDelay))
	return s.enqueueConfirm(ctx, sub.KeyName, sub.ETA)
}
