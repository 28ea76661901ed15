package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/janaya/pubsubhubbub/internal/metrics"
	"github.com/janaya/pubsubhubbub/internal/urlutil"
)

// SubscriptionServiceInterface はハブハンドラーが必要とする購読サービス。
type SubscriptionServiceInterface interface {
	// ConfirmSubscription は同期検証を行い、成功時に購読を作成/削除する。
	ConfirmSubscription(ctx context.Context, mode, topic, callback, verifyToken, secret string, leaseSeconds int64) (bool, error)
	// RequestSubscribe は非同期検証の購読リクエストを記録する。
	RequestSubscribe(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int64) error
	// RequestUnsubscribe は非同期検証の購読解除リクエストを記録する。
	// 対象が存在しない場合はfalseを返す。
	RequestUnsubscribe(ctx context.Context, callback, topic, verifyToken string) (bool, error)
}

// PublishServiceInterface はハブハンドラーが必要とする公開通知サービス。
type PublishServiceInterface interface {
	// Publish は通知されたトピックをフェッチ対象へ積み、受理数を返す。
	Publish(ctx context.Context, topics []string) (int, error)
}

// HubHandler はハブのプロトコルエンドポイントのHTTPハンドラー。
type HubHandler struct {
	subs      SubscriptionServiceInterface
	publisher PublishServiceInterface
	collector metrics.MetricsCollector
	devEnv    bool
}

// NewHubHandler はHubHandlerを生成する。
func NewHubHandler(subs SubscriptionServiceInterface, publisher PublishServiceInterface, collector metrics.MetricsCollector, devEnv bool) *HubHandler {
	return &HubHandler{
		subs:      subs,
		publisher: publisher,
		collector: collector,
		devEnv:    devEnv,
	}
}

// writeHubError はプロトコルエラーをtext/plainで返す。
func writeHubError(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	fmt.Fprintf(w, format+"\n", args...)
}

// writeHubUnavailable は一時的な内部エラーをRetry-After付きで返す。
func writeHubUnavailable(w http.ResponseWriter, message string) {
	w.Header().Set("Retry-After", "120")
	writeHubError(w, http.StatusServiceUnavailable, "%s", message)
}

// Root はhub.modeで購読と公開通知を振り分ける。
// POST /
func (h *HubHandler) Root(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeHubError(w, http.StatusBadRequest, "could not parse form: %v", err)
		return
	}
	switch r.PostFormValue("hub.mode") {
	case "publish":
		h.Publish(w, r)
	case "subscribe", "unsubscribe":
		h.Subscribe(w, r)
	default:
		writeHubError(w, http.StatusBadRequest, "hub.mode is invalid")
	}
}

// Subscribe は購読・購読解除リクエストを処理する。
// POST /subscribe
func (h *HubHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeHubError(w, http.StatusBadRequest, "could not parse form: %v", err)
		return
	}

	mode := r.PostFormValue("hub.mode")
	if mode != "subscribe" && mode != "unsubscribe" {
		h.collector.RecordSubscribeRequest(mode, false)
		writeHubError(w, http.StatusBadRequest, "hub.mode must be subscribe or unsubscribe")
		return
	}

	callback := r.PostFormValue("hub.callback")
	if err := urlutil.Validate(callback, h.devEnv); err != nil {
		h.collector.RecordSubscribeRequest(mode, false)
		writeHubError(w, http.StatusBadRequest, "hub.callback is invalid: %v", err)
		return
	}
	topic := r.PostFormValue("hub.topic")
	if err := urlutil.Validate(topic, h.devEnv); err != nil {
		h.collector.RecordSubscribeRequest(mode, false)
		writeHubError(w, http.StatusBadRequest, "hub.topic is invalid: %v", err)
		return
	}
	callback = urlutil.Normalize(callback)
	topic = urlutil.Normalize(topic)

	verifyModes := strings.Fields(strings.ReplaceAll(r.PostFormValue("hub.verify"), ",", " "))
	sync, async := false, false
	for _, v := range verifyModes {
		switch v {
		case "sync":
			sync = true
		case "async":
			async = true
		}
	}
	if !sync && !async {
		h.collector.RecordSubscribeRequest(mode, false)
		writeHubError(w, http.StatusBadRequest, "hub.verify must include sync or async")
		return
	}

	verifyToken := r.PostFormValue("hub.verify_token")
	secret := r.PostFormValue("hub.secret")

	var leaseSeconds int64
	if raw := r.PostFormValue("hub.lease_seconds"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.collector.RecordSubscribeRequest(mode, false)
			writeHubError(w, http.StatusBadRequest, "hub.lease_seconds is invalid: %q", raw)
			return
		}
		leaseSeconds = parsed
	}

	ctx := r.Context()

	// 同期検証が可能な場合はその場で完結させる
	if sync {
		ok, err := h.subs.ConfirmSubscription(ctx, mode, topic, callback, verifyToken, secret, leaseSeconds)
		if err != nil {
			h.collector.RecordSubscribeRequest(mode, false)
			writeHubUnavailable(w, "error while confirming subscription")
			return
		}
		if !ok {
			h.collector.RecordSubscribeRequest(mode, false)
			writeHubError(w, http.StatusConflict, "error trying to confirm subscription")
			return
		}
		h.collector.RecordSubscribeRequest(mode, true)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if mode == "subscribe" {
		if err := h.subs.RequestSubscribe(ctx, callback, topic, verifyToken, secret, leaseSeconds); err != nil {
			h.collector.RecordSubscribeRequest(mode, false)
			writeHubUnavailable(w, "error while queueing verification")
			return
		}
	} else {
		requested, err := h.subs.RequestUnsubscribe(ctx, callback, topic, verifyToken)
		if err != nil {
			h.collector.RecordSubscribeRequest(mode, false)
			writeHubUnavailable(w, "error while queueing verification")
			return
		}
		if !requested {
			// 存在しない購読の解除は冪等に成功扱い
			h.collector.RecordSubscribeRequest(mode, true)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	h.collector.RecordSubscribeRequest(mode, true)
	w.WriteHeader(http.StatusAccepted)
}

// Publish は公開通知を処理する。
// POST /publish
func (h *HubHandler) Publish(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeHubError(w, http.StatusBadRequest, "could not parse form: %v", err)
		return
	}

	if mode := r.PostFormValue("hub.mode"); mode != "publish" {
		writeHubError(w, http.StatusBadRequest, "hub.mode must be publish")
		return
	}

	urls := r.PostForm["hub.url"]
	if len(urls) == 0 {
		writeHubError(w, http.StatusBadRequest, "hub.url is required")
		return
	}

	topics := make([]string, 0, len(urls))
	for _, raw := range urls {
		if err := urlutil.Validate(raw, h.devEnv); err != nil {
			writeHubError(w, http.StatusBadRequest, "hub.url is invalid: %v", err)
			return
		}
		topics = append(topics, urlutil.Normalize(raw))
	}

	accepted, err := h.publisher.Publish(r.Context(), topics)
	if err != nil {
		writeHubUnavailable(w, "error while queueing feed fetches")
		return
	}
	h.collector.RecordPublishRequest(accepted)
	w.WriteHeader(http.StatusNoContent)
}
