package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// mockSubService はSubscriptionServiceInterfaceのテスト用モック。
type mockSubService struct {
	confirmFn            func(ctx context.Context, mode, topic, callback, verifyToken, secret string, leaseSeconds int64) (bool, error)
	requestSubscribeFn   func(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int64) error
	requestUnsubscribeFn func(ctx context.Context, callback, topic, verifyToken string) (bool, error)
}

func (m *mockSubService) ConfirmSubscription(ctx context.Context, mode, topic, callback, verifyToken, secret string, leaseSeconds int64) (bool, error) {
	if m.confirmFn != nil {
		return m.confirmFn(ctx, mode, topic, callback, verifyToken, secret, leaseSeconds)
	}
	return true, nil
}

func (m *mockSubService) RequestSubscribe(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int64) error {
	if m.requestSubscribeFn != nil {
		return m.requestSubscribeFn(ctx, callback, topic, verifyToken, secret, leaseSeconds)
	}
	return nil
}

func (m *mockSubService) RequestUnsubscribe(ctx context.Context, callback, topic, verifyToken string) (bool, error) {
	if m.requestUnsubscribeFn != nil {
		return m.requestUnsubscribeFn(ctx, callback, topic, verifyToken)
	}
	return true, nil
}

// mockPubService はPublishServiceInterfaceのテスト用モック。
type mockPubService struct {
	publishFn func(ctx context.Context, topics []string) (int, error)
}

func (m *mockPubService) Publish(ctx context.Context, topics []string) (int, error) {
	if m.publishFn != nil {
		return m.publishFn(ctx, topics)
	}
	return len(topics), nil
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

func newTestHubHandler(subs *mockSubService, pub *mockPubService) *HubHandler {
	return NewHubHandler(subs, pub, &mockCollector{}, false)
}

func postForm(handler http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func subscribeForm(mode, verify string) url.Values {
	form := url.Values{}
	form.Set("hub.mode", mode)
	form.Set("hub.callback", "http://subscriber.example.com/cb")
	form.Set("hub.topic", "http://publisher.example.com/feed")
	form.Set("hub.verify", verify)
	return form
}

// TestHubHandler_Subscribe_SyncSuccess は同期検証成功の204応答を検証する。
func TestHubHandler_Subscribe_SyncSuccess(t *testing.T) {
	var gotMode, gotTopic, gotCallback string
	subs := &mockSubService{
		confirmFn: func(ctx context.Context, mode, topic, callback, verifyToken, secret string, leaseSeconds int64) (bool, error) {
			gotMode, gotTopic, gotCallback = mode, topic, callback
			return true, nil
		},
	}
	h := newTestHubHandler(subs, &mockPubService{})

	rec := postForm(h.Subscribe, subscribeForm("subscribe", "sync"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if gotMode != "subscribe" {
		t.Errorf("mode = %q", gotMode)
	}
	if gotTopic != "http://publisher.example.com/feed" {
		t.Errorf("topic = %q", gotTopic)
	}
	if gotCallback != "http://subscriber.example.com/cb" {
		t.Errorf("callback = %q", gotCallback)
	}
}

// TestHubHandler_Subscribe_SyncRefused は購読者の検証拒否の409応答を検証する。
func TestHubHandler_Subscribe_SyncRefused(t *testing.T) {
	subs := &mockSubService{
		confirmFn: func(ctx context.Context, mode, topic, callback, verifyToken, secret string, leaseSeconds int64) (bool, error) {
			return false, nil
		},
	}
	h := newTestHubHandler(subs, &mockPubService{})

	rec := postForm(h.Subscribe, subscribeForm("subscribe", "sync"))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

// TestHubHandler_Subscribe_SyncError は内部エラーの503応答と
// Retry-Afterヘッダーを検証する。
func TestHubHandler_Subscribe_SyncError(t *testing.T) {
	subs := &mockSubService{
		confirmFn: func(ctx context.Context, mode, topic, callback, verifyToken, secret string, leaseSeconds int64) (bool, error) {
			return false, context.DeadlineExceeded
		},
	}
	h := newTestHubHandler(subs, &mockPubService{})

	rec := postForm(h.Subscribe, subscribeForm("subscribe", "sync"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "120" {
		t.Errorf("Retry-After = %q, want 120", got)
	}
}

// TestHubHandler_Subscribe_Async は非同期検証の202応答を検証する。
func TestHubHandler_Subscribe_Async(t *testing.T) {
	var requested bool
	subs := &mockSubService{
		requestSubscribeFn: func(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int64) error {
			requested = true
			return nil
		},
	}
	h := newTestHubHandler(subs, &mockPubService{})

	rec := postForm(h.Subscribe, subscribeForm("subscribe", "async"))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if !requested {
		t.Error("RequestSubscribe should have been called")
	}
}

// TestHubHandler_Subscribe_AsyncUnknownUnsubscribe は存在しない購読の
// 非同期解除が冪等に204を返すことを検証する。
func TestHubHandler_Subscribe_AsyncUnknownUnsubscribe(t *testing.T) {
	subs := &mockSubService{
		requestUnsubscribeFn: func(ctx context.Context, callback, topic, verifyToken string) (bool, error) {
			return false, nil
		},
	}
	h := newTestHubHandler(subs, &mockPubService{})

	rec := postForm(h.Subscribe, subscribeForm("unsubscribe", "async"))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

// TestHubHandler_Subscribe_AsyncUnsubscribe は既存購読の非同期解除の
// 202応答を検証する。
func TestHubHandler_Subscribe_AsyncUnsubscribe(t *testing.T) {
	h := newTestHubHandler(&mockSubService{}, &mockPubService{})

	rec := postForm(h.Subscribe, subscribeForm("unsubscribe", "async"))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

// TestHubHandler_Subscribe_ValidationErrors は不正リクエストの400応答を検証する。
func TestHubHandler_Subscribe_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(form url.Values)
	}{
		{"不正なhub.mode", func(f url.Values) { f.Set("hub.mode", "announce") }},
		{"不正なコールバック", func(f url.Values) { f.Set("hub.callback", "ftp://example.com/cb") }},
		{"コールバック欠落", func(f url.Values) { f.Del("hub.callback") }},
		{"不正なトピック", func(f url.Values) { f.Set("hub.topic", "http://example.com/feed#frag") }},
		{"hub.verify欠落", func(f url.Values) { f.Del("hub.verify") }},
		{"不明なhub.verify", func(f url.Values) { f.Set("hub.verify", "telepathy") }},
		{"不正なhub.lease_seconds", func(f url.Values) { f.Set("hub.lease_seconds", "soon") }},
	}

	h := newTestHubHandler(&mockSubService{}, &mockPubService{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := subscribeForm("subscribe", "sync")
			tt.mutate(form)
			rec := postForm(h.Subscribe, form)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
				t.Errorf("Content-Type = %q, want text/plain", ct)
			}
		})
	}
}

// TestHubHandler_Subscribe_VerifyList はカンマ区切りのhub.verifyリストを検証する。
func TestHubHandler_Subscribe_VerifyList(t *testing.T) {
	h := newTestHubHandler(&mockSubService{}, &mockPubService{})

	// syncを含むリストは同期検証が優先される
	rec := postForm(h.Subscribe, subscribeForm("subscribe", "async,sync"))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 for sync-capable request", rec.Code)
	}
}

// TestHubHandler_Publish は公開通知の受理を検証する。
func TestHubHandler_Publish(t *testing.T) {
	var gotTopics []string
	pub := &mockPubService{
		publishFn: func(ctx context.Context, topics []string) (int, error) {
			gotTopics = topics
			return len(topics), nil
		},
	}
	h := newTestHubHandler(&mockSubService{}, pub)

	form := url.Values{}
	form.Set("hub.mode", "publish")
	form.Add("hub.url", "http://example.com/feed1")
	form.Add("hub.url", "HTTP://EXAMPLE.com/feed2")

	rec := postForm(h.Publish, form)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(gotTopics) != 2 {
		t.Fatalf("topics = %d, want 2", len(gotTopics))
	}
	// トピックは正規化されて渡される
	if gotTopics[1] != "http://example.com/feed2" {
		t.Errorf("topics[1] = %q, want normalized URL", gotTopics[1])
	}
}

// TestHubHandler_Publish_Errors は公開通知の異常系を検証する。
func TestHubHandler_Publish_Errors(t *testing.T) {
	h := newTestHubHandler(&mockSubService{}, &mockPubService{})

	t.Run("hub.url欠落", func(t *testing.T) {
		form := url.Values{}
		form.Set("hub.mode", "publish")
		rec := postForm(h.Publish, form)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("不正なhub.url", func(t *testing.T) {
		form := url.Values{}
		form.Set("hub.mode", "publish")
		form.Add("hub.url", "not-a-url")
		rec := postForm(h.Publish, form)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("内部エラーは503", func(t *testing.T) {
		pub := &mockPubService{
			publishFn: func(ctx context.Context, topics []string) (int, error) {
				return 0, context.DeadlineExceeded
			},
		}
		h := newTestHubHandler(&mockSubService{}, pub)
		form := url.Values{}
		form.Set("hub.mode", "publish")
		form.Add("hub.url", "http://example.com/feed")
		rec := postForm(h.Publish, form)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
		if got := rec.Header().Get("Retry-After"); got != "120" {
			t.Errorf("Retry-After = %q, want 120", got)
		}
	})
}

// TestHubHandler_Root はhub.modeによる振り分けを検証する。
func TestHubHandler_Root(t *testing.T) {
	h := newTestHubHandler(&mockSubService{}, &mockPubService{})

	t.Run("publishへ振り分け", func(t *testing.T) {
		form := url.Values{}
		form.Set("hub.mode", "publish")
		form.Add("hub.url", "http://example.com/feed")
		rec := postForm(h.Root, form)
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
	})

	t.Run("subscribeへ振り分け", func(t *testing.T) {
		rec := postForm(h.Root, subscribeForm("subscribe", "sync"))
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
	})

	t.Run("不明なモードは400", func(t *testing.T) {
		form := url.Values{}
		form.Set("hub.mode", "mystery")
		rec := postForm(h.Root, form)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}
