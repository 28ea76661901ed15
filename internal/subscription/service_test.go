package subscription

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/janaya/pubsubhubbub/internal/model"
	"github.com/janaya/pubsubhubbub/internal/security"
	"github.com/janaya/pubsubhubbub/internal/taskqueue"
)

// mockSubRepo はSubscriptionRepositoryのテスト用モック。
type mockSubRepo struct {
	findByKeyNameFn func(ctx context.Context, keyName string) (*model.Subscription, error)
	insertFn        func(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int64, now time.Time) (bool, error)
	requestInsertFn func(ctx context.Context, sub *model.Subscription) (bool, error)
	removeFn        func(ctx context.Context, callback, topic string) (bool, error)
	requestRemoveFn func(ctx context.Context, callback, topic, verifyToken string, now time.Time) (bool, error)
	updateFn        func(ctx context.Context, sub *model.Subscription) error
	deleteFn        func(ctx context.Context, keyName string) error
}

func (m *mockSubRepo) FindByKeyName(ctx context.Context, keyName string) (*model.Subscription, error) {
	if m.findByKeyNameFn != nil {
		return m.findByKeyNameFn(ctx, keyName)
	}
	return nil, nil
}

func (m *mockSubRepo) Insert(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int64, now time.Time) (bool, error) {
	if m.insertFn != nil {
		return m.insertFn(ctx, callback, topic, verifyToken, secret, leaseSeconds, now)
	}
	return true, nil
}

func (m *mockSubRepo) RequestInsert(ctx context.Context, sub *model.Subscription) (bool, error) {
	if m.requestInsertFn != nil {
		return m.requestInsertFn(ctx, sub)
	}
	return true, nil
}

func (m *mockSubRepo) Remove(ctx context.Context, callback, topic string) (bool, error) {
	if m.removeFn != nil {
		return m.removeFn(ctx, callback, topic)
	}
	return true, nil
}

func (m *mockSubRepo) RequestRemove(ctx context.Context, callback, topic, verifyToken string, now time.Time) (bool, error) {
	if m.requestRemoveFn != nil {
		return m.requestRemoveFn(ctx, callback, topic, verifyToken, now)
	}
	return true, nil
}

func (m *mockSubRepo) Update(ctx context.Context, sub *model.Subscription) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, sub)
	}
	return nil
}

func (m *mockSubRepo) Delete(ctx context.Context, keyName string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, keyName)
	}
	return nil
}

func (m *mockSubRepo) HasSubscribers(ctx context.Context, topic string) (bool, error) {
	return false, nil
}

func (m *mockSubRepo) GetSubscribers(ctx context.Context, topic string, count int, startingAtCallback string) ([]*model.Subscription, error) {
	return nil, nil
}

func (m *mockSubRepo) GetByKeyNames(ctx context.Context, keyNames []string) ([]*model.Subscription, error) {
	return nil, nil
}

// mockKnownRepo はKnownFeedRepositoryのテスト用モック。
type mockKnownRepo struct {
	putFn func(ctx context.Context, topic string) error
}

func (m *mockKnownRepo) Put(ctx context.Context, topic string) error {
	if m.putFn != nil {
		return m.putFn(ctx, topic)
	}
	return nil
}

func (m *mockKnownRepo) CheckExists(ctx context.Context, topics []string) ([]string, error) {
	return nil, nil
}

func (m *mockKnownRepo) ListAfterKey(ctx context.Context, afterKey string, limit int) ([]*model.KnownFeed, error) {
	return nil, nil
}

// mockQueue はtaskqueue.Queueのテスト用モック。
type mockQueue struct {
	addFn func(ctx context.Context, queue, path string, params url.Values, opts taskqueue.TaskOptions) (bool, error)
}

func (m *mockQueue) Add(ctx context.Context, queue, path string, params url.Values, opts taskqueue.TaskOptions) (bool, error) {
	if m.addFn != nil {
		return m.addFn(ctx, queue, path, params, opts)
	}
	return true, nil
}

// mockCollector はMetricsCollectorの何もしないモック。
type mockCollector struct{}

func (m *mockCollector) RecordSubscribeRequest(mode string, accepted bool) {}
func (m *mockCollector) RecordPublishRequest(topicCount int)               {}
func (m *mockCollector) RecordConfirmResult(success bool)                  {}
func (m *mockCollector) RecordFetchResult(success bool)                    {}
func (m *mockCollector) RecordFetchStatus(statusCode int)                  {}
func (m *mockCollector) RecordEntriesCommitted(count int)                  {}
func (m *mockCollector) RecordDeliveryResult(success bool)                 {}
func (m *mockCollector) RecordDeliveryLatency(duration time.Duration)      {}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestService(subs *mockSubRepo, known *mockKnownRepo, queue *mockQueue) *Service {
	s := NewService(subs, known, queue, security.NewDevFactory(), 5*time.Second, &mockCollector{}, newTestLogger(&bytes.Buffer{}))
	s.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	s.newChal = func() (string, error) { return "test-challenge-value", nil }
	return s
}

// TestService_ConfirmSubscription_Subscribe は購読のチャレンジ検証成功時に
// 購読が作成され既知フィードが登録されることを検証する。
func TestService_ConfirmSubscription_Subscribe(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(r.URL.Query().Get("hub.challenge")))
	}))
	defer server.Close()

	var inserted bool
	var insertedLease int64
	var putTopic string
	subs := &mockSubRepo{
		insertFn: func(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int64, now time.Time) (bool, error) {
			inserted = true
			insertedLease = leaseSeconds
			return true, nil
		},
	}
	known := &mockKnownRepo{
		putFn: func(ctx context.Context, topic string) error {
			putTopic = topic
			return nil
		},
	}
	s := newTestService(subs, known, &mockQueue{})

	ok, err := s.ConfirmSubscription(context.Background(), "subscribe",
		"http://example.com/feed", server.URL+"/cb", "token-1", "secret-1", 0)
	if err != nil {
		t.Fatalf("ConfirmSubscription returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected verification to succeed")
	}
	if !inserted {
		t.Error("subscription should have been inserted")
	}
	if insertedLease != DefaultLeaseSeconds {
		t.Errorf("lease = %d, want default %d", insertedLease, DefaultLeaseSeconds)
	}
	if putTopic != "http://example.com/feed" {
		t.Errorf("known feed topic = %q", putTopic)
	}

	if got := gotQuery.Get("hub.mode"); got != "subscribe" {
		t.Errorf("hub.mode = %q", got)
	}
	if got := gotQuery.Get("hub.topic"); got != "http://example.com/feed" {
		t.Errorf("hub.topic = %q", got)
	}
	if got := gotQuery.Get("hub.verify_token"); got != "token-1" {
		t.Errorf("hub.verify_token = %q", got)
	}
	if got := gotQuery.Get("hub.lease_seconds"); got == "" {
		t.Error("hub.lease_seconds should be sent on subscribe")
	}
}

// TestService_ConfirmSubscription_ChallengeMismatch はチャレンジ不一致が
// 検証拒否として扱われることを検証する。
func TestService_ConfirmSubscription_ChallengeMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wrong-answer"))
	}))
	defer server.Close()

	subs := &mockSubRepo{
		insertFn: func(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int64, now time.Time) (bool, error) {
			t.Error("Insert should not be called on mismatch")
			return false, nil
		},
	}
	s := newTestService(subs, &mockKnownRepo{}, &mockQueue{})

	ok, err := s.ConfirmSubscription(context.Background(), "subscribe",
		"http://example.com/feed", server.URL+"/cb", "", "", 0)
	if err != nil {
		t.Fatalf("ConfirmSubscription returned error: %v", err)
	}
	if ok {
		t.Error("expected verification to be refused")
	}
}

// TestService_ConfirmSubscription_Unsubscribe は購読解除の検証成功時に
// 購読が削除され、lease_secondsが送られないことを検証する。
func TestService_ConfirmSubscription_Unsubscribe(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(r.URL.Query().Get("hub.challenge")))
	}))
	defer server.Close()

	var removed bool
	subs := &mockSubRepo{
		removeFn: func(ctx context.Context, callback, topic string) (bool, error) {
			removed = true
			return true, nil
		},
	}
	s := newTestService(subs, &mockKnownRepo{}, &mockQueue{})

	ok, err := s.ConfirmSubscription(context.Background(), "unsubscribe",
		"http://example.com/feed", server.URL+"/cb", "", "", 0)
	if err != nil {
		t.Fatalf("ConfirmSubscription returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected verification to succeed")
	}
	if !removed {
		t.Error("subscription should have been removed")
	}
	if gotQuery.Has("hub.lease_seconds") {
		t.Error("hub.lease_seconds should not be sent on unsubscribe")
	}
}

// TestService_ConfirmSubscription_CallbackWithQuery は既存クエリを持つ
// コールバックへ&でパラメータが連結されることを検証する。
func TestService_ConfirmSubscription_CallbackWithQuery(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(r.URL.Query().Get("hub.challenge")))
	}))
	defer server.Close()

	s := newTestService(&mockSubRepo{}, &mockKnownRepo{}, &mockQueue{})

	ok, err := s.ConfirmSubscription(context.Background(), "subscribe",
		"http://example.com/feed", server.URL+"/cb?id=42", "", "", 3600)
	if err != nil {
		t.Fatalf("ConfirmSubscription returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected verification to succeed")
	}
	if got := gotQuery.Get("id"); got != "42" {
		t.Errorf("existing query param id = %q, want %q", got, "42")
	}
	if got := gotQuery.Get("hub.mode"); got != "subscribe" {
		t.Errorf("hub.mode = %q", got)
	}
}

// TestService_ConfirmSubscription_Redirect はリダイレクト応答が検証失敗と
// して扱われる（追跡されない）ことを検証する。
func TestService_ConfirmSubscription_Redirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/real" {
			w.Write([]byte(r.URL.Query().Get("hub.challenge")))
			return
		}
		http.Redirect(w, r, "/real?"+r.URL.RawQuery, http.StatusFound)
	}))
	defer server.Close()

	s := newTestService(&mockSubRepo{}, &mockKnownRepo{}, &mockQueue{})

	ok, err := s.ConfirmSubscription(context.Background(), "subscribe",
		"http://example.com/feed", server.URL+"/cb", "", "", 0)
	if err != nil {
		t.Fatalf("ConfirmSubscription returned error: %v", err)
	}
	if ok {
		t.Error("redirect response should be treated as refusal")
	}
}

// TestClampLease はリース秒数の丸めを検証する。
func TestClampLease(t *testing.T) {
	tests := []struct {
		name  string
		lease int64
		want  int64
	}{
		{"ゼロは既定値", 0, DefaultLeaseSeconds},
		{"負数は既定値", -100, DefaultLeaseSeconds},
		{"範囲内はそのまま", 3600, 3600},
		{"上限超過は上限", MaxLeaseSeconds + 1, MaxLeaseSeconds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampLease(tt.lease); got != tt.want {
				t.Errorf("ClampLease(%d) = %d, want %d", tt.lease, got, tt.want)
			}
		})
	}
}

// TestService_RequestUnsubscribe_Unknown は存在しない購読の解除リクエスト
// が何もせずfalseを返すことを検証する。
func TestService_RequestUnsubscribe_Unknown(t *testing.T) {
	subs := &mockSubRepo{
		requestRemoveFn: func(ctx context.Context, callback, topic, verifyToken string, now time.Time) (bool, error) {
			return false, nil
		},
	}
	queue := &mockQueue{
		addFn: func(ctx context.Context, q, path string, params url.Values, opts taskqueue.TaskOptions) (bool, error) {
			t.Error("no task should be enqueued for unknown subscription")
			return false, nil
		},
	}
	s := newTestService(subs, &mockKnownRepo{}, queue)

	changed, err := s.RequestUnsubscribe(context.Background(), "http://a.example/cb", "http://t.example/feed", "")
	if err != nil {
		t.Fatalf("RequestUnsubscribe returned error: %v", err)
	}
	if changed {
		t.Error("expected false for unknown subscription")
	}
}

// TestService_RequestSubscribe は非同期購読リクエストが検証タスクを
// 積むことを検証する。
func TestService_RequestSubscribe(t *testing.T) {
	var gotQueue, gotPath, gotKeyName string
	queue := &mockQueue{
		addFn: func(ctx context.Context, q, path string, params url.Values, opts taskqueue.TaskOptions) (bool, error) {
			gotQueue = q
			gotPath = path
			gotKeyName = params.Get("subscription_key_name")
			return true, nil
		},
	}
	s := newTestService(&mockSubRepo{}, &mockKnownRepo{}, queue)

	if err := s.RequestSubscribe(context.Background(), "http://a.example/cb", "http://t.example/feed", "", "", 0); err != nil {
		t.Fatalf("RequestSubscribe returned error: %v", err)
	}
	if gotQueue != taskqueue.QueueSubscriptions {
		t.Errorf("queue = %q, want %q", gotQueue, taskqueue.QueueSubscriptions)
	}
	if gotPath != WorkPath {
		t.Errorf("path = %q, want %q", gotPath, WorkPath)
	}
	want := model.SubscriptionKeyName("http://a.example/cb", "http://t.example/feed")
	if gotKeyName != want {
		t.Errorf("subscription_key_name = %q, want %q", gotKeyName, want)
	}
}

// TestService_ConfirmWork_RetryBackoff は検証失敗時の指数バックオフと
// リトライタスク登録を検証する。
func TestService_ConfirmWork_RetryBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	sub := model.NewSubscription(server.URL+"/cb", "http://t.example/feed", "", "", 3600, now)
	sub.ConfirmFailures = 2

	var updated *model.Subscription
	subs := &mockSubRepo{
		findByKeyNameFn: func(ctx context.Context, keyName string) (*model.Subscription, error) {
			return sub, nil
		},
		updateFn: func(ctx context.Context, s *model.Subscription) error {
			updated = s
			return nil
		},
	}
	var gotETA time.Time
	queue := &mockQueue{
		addFn: func(ctx context.Context, q, path string, params url.Values, opts taskqueue.TaskOptions) (bool, error) {
			gotETA = opts.ETA
			return true, nil
		},
	}
	s := newTestService(subs, &mockKnownRepo{}, queue)

	if err := s.ConfirmWork(context.Background(), sub.KeyName); err != nil {
		t.Fatalf("ConfirmWork returned error: %v", err)
	}
	if updated == nil {
		t.Fatal("subscription should have been updated")
	}
	if updated.ConfirmFailures != 3 {
		t.Errorf("ConfirmFailures = %d, want 3", updated.ConfirmFailures)
	}
	// 2回失敗済みなので遅延は 300秒 * 2^2 = 1200秒
	wantETA := now.Add(1200 * time.Second)
	if !updated.ETA.Equal(wantETA) {
		t.Errorf("ETA = %v, want %v", updated.ETA, wantETA)
	}
	if !gotETA.Equal(wantETA) {
		t.Errorf("enqueued ETA = %v, want %v", gotETA, wantETA)
	}
}

// TestService_ConfirmWork_GiveUp は失敗上限到達時に購読が破棄されることを検証する。
func TestService_ConfirmWork_GiveUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	sub := model.NewSubscription(server.URL+"/cb", "http://t.example/feed", "", "", 3600, now)
	sub.ConfirmFailures = 10

	var deletedKey string
	subs := &mockSubRepo{
		findByKeyNameFn: func(ctx context.Context, keyName string) (*model.Subscription, error) {
			return sub, nil
		},
		updateFn: func(ctx context.Context, s *model.Subscription) error {
			t.Error("Update should not be called after giving up")
			return nil
		},
		deleteFn: func(ctx context.Context, keyName string) error {
			deletedKey = keyName
			return nil
		},
	}
	s := newTestService(subs, &mockKnownRepo{}, &mockQueue{})

	if err := s.ConfirmWork(context.Background(), sub.KeyName); err != nil {
		t.Fatalf("ConfirmWork returned error: %v", err)
	}
	if deletedKey != sub.KeyName {
		t.Errorf("deleted key = %q, want %q", deletedKey, sub.KeyName)
	}
}

// TestService_ConfirmWork_MissingSubscription は存在しない購読のタスクが
// エラーなく無視されることを検証する。
func TestService_ConfirmWork_MissingSubscription(t *testing.T) {
	s := newTestService(&mockSubRepo{}, &mockKnownRepo{}, &mockQueue{})
	if err := s.ConfirmWork(context.Background(), "hash_missing"); err != nil {
		t.Fatalf("ConfirmWork returned error: %v", err)
	}
}
