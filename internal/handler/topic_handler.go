package handler

import (
	"fmt"
	"html"
	"net/http"

	"github.com/microcosm-cc/bluemonday"

	"github.com/janaya/pubsubhubbub/internal/model"
	"github.com/janaya/pubsubhubbub/internal/repository"
	"github.com/janaya/pubsubhubbub/internal/urlutil"
)

// TopicHandler はトピックの診断情報を表示するデバッグ用ハンドラー。
type TopicHandler struct {
	records repository.FeedRecordRepository
	feeds   repository.FeedToFetchRepository
	subs    repository.SubscriptionRepository
	policy  *bluemonday.Policy
	devEnv  bool
}

// NewTopicHandler はTopicHandlerを生成する。
func NewTopicHandler(records repository.FeedRecordRepository, feeds repository.FeedToFetchRepository, subs repository.SubscriptionRepository, devEnv bool) *TopicHandler {
	return &TopicHandler{
		records: records,
		feeds:   feeds,
		subs:    subs,
		policy:  bluemonday.UGCPolicy(),
		devEnv:  devEnv,
	}
}

// Details はトピックのフェッチ状態と購読状況を表示する。
// GET /topic-details?hub.url=...
func (h *TopicHandler) Details(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("hub.url")
	if err := urlutil.Validate(rawURL, h.devEnv); err != nil {
		writeHubError(w, http.StatusBadRequest, "hub.url is invalid: %v", err)
		return
	}
	topic := urlutil.Normalize(rawURL)

	ctx := r.Context()
	record, err := h.records.FindByTopic(ctx, topic)
	if err != nil {
		writeHubUnavailable(w, "error while loading topic details")
		return
	}
	if record == nil {
		writeHubError(w, http.StatusNotFound, "topic is not known to this hub")
		return
	}

	work, err := h.feeds.GetByTopic(ctx, topic)
	if err != nil {
		writeHubUnavailable(w, "error while loading topic details")
		return
	}
	hasSubs, err := h.subs.HasSubscribers(ctx, topic)
	if err != nil {
		writeHubUnavailable(w, "error while loading topic details")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><title>Topic details</title></head><body>\n")
	fmt.Fprintf(w, "<h1>Topic details</h1>\n")
	fmt.Fprintf(w, "<dl>\n")
	fmt.Fprintf(w, "<dt>Topic</dt><dd>%s</dd>\n", html.EscapeString(record.Topic))
	fmt.Fprintf(w, "<dt>Content-Type</dt><dd>%s</dd>\n", html.EscapeString(record.ContentType))
	fmt.Fprintf(w, "<dt>ETag</dt><dd>%s</dd>\n", html.EscapeString(record.ETag))
	fmt.Fprintf(w, "<dt>Last-Modified</dt><dd>%s</dd>\n", html.EscapeString(record.LastModified))
	fmt.Fprintf(w, "<dt>Last updated</dt><dd>%s</dd>\n", record.LastUpdated.UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(w, "<dt>Has subscribers</dt><dd>%t</dd>\n", hasSubs)
	fmt.Fprintf(w, "<dt>Fetch pending</dt><dd>%s</dd>\n", fetchState(work))
	fmt.Fprintf(w, "</dl>\n")

	// 発行者由来のXMLはサニタイズしてから埋め込む
	fmt.Fprintf(w, "<h2>Feed envelope</h2>\n<pre>%s</pre>\n",
		h.policy.Sanitize(html.EscapeString(record.HeaderFooter)))
	fmt.Fprintf(w, "</body></html>\n")
}

// fetchState はFeedToFetchの状態の表示文字列を返す。
func fetchState(work *model.FeedToFetch) string {
	switch {
	case work == nil:
		return "none"
	case work.TotallyFailed:
		return fmt.Sprintf("totally failed after %d attempts", work.FetchingFailures)
	default:
		return fmt.Sprintf("pending (failures=%d, eta=%s)",
			work.FetchingFailures, work.ETA.UTC().Format("2006-01-02T15:04:05Z"))
	}
}
