// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーとワーカーから利用する。
type MetricsCollector interface {
	RecordSubscribeRequest(mode string, accepted bool)
	RecordPublishRequest(topicCount int)
	RecordConfirmResult(success bool)
	RecordFetchResult(success bool)
	RecordFetchStatus(statusCode int)
	RecordEntriesCommitted(count int)
	RecordDeliveryResult(success bool)
	RecordDeliveryLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	subscribeRequests *prometheus.CounterVec
	publishRequests   prometheus.Counter
	publishTopics     prometheus.Counter
	confirmResults    *prometheus.CounterVec
	fetchResults      *prometheus.CounterVec
	fetchStatus       *prometheus.CounterVec
	entriesCommitted  prometheus.Counter
	deliveryResults   *prometheus.CounterVec
	deliveryLatency   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		subscribeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_subscribe_requests_total",
			Help: "購読リクエストのモード・受理結果別の合計数",
		}, []string{"mode", "result"}),
		publishRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_publish_requests_total",
			Help: "公開通知リクエストの合計数",
		}),
		publishTopics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_publish_topics_total",
			Help: "公開通知で受理されたトピックの合計数",
		}),
		confirmResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_confirm_results_total",
			Help: "コールバック検証の結果別の合計数",
		}, []string{"result"}),
		fetchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_fetch_results_total",
			Help: "フィードフェッチの結果別の合計数",
		}, []string{"result"}),
		fetchStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_fetch_status_total",
			Help: "フィードフェッチのHTTPステータスコード別の合計数",
		}, []string{"status_code"}),
		entriesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_entries_committed_total",
			Help: "コミットされた新規・更新エントリの合計数",
		}),
		deliveryResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_delivery_results_total",
			Help: "購読者への配信の結果別の合計数",
		}, []string{"result"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hub_delivery_latency_seconds",
			Help:    "購読者への配信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.subscribeRequests,
		c.publishRequests,
		c.publishTopics,
		c.confirmResults,
		c.fetchResults,
		c.fetchStatus,
		c.entriesCommitted,
		c.deliveryResults,
		c.deliveryLatency,
	)

	return c
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordSubscribeRequest は購読リクエストを記録する。
func (c *Collector) RecordSubscribeRequest(mode string, accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	c.subscribeRequests.WithLabelValues(mode, result).Inc()
}

// RecordPublishRequest は公開通知を記録する。
func (c *Collector) RecordPublishRequest(topicCount int) {
	c.publishRequests.Inc()
	c.publishTopics.Add(float64(topicCount))
}

// RecordConfirmResult はコールバック検証の結果を記録する。
func (c *Collector) RecordConfirmResult(success bool) {
	c.confirmResults.WithLabelValues(resultLabel(success)).Inc()
}

// RecordFetchResult はフィードフェッチの結果を記録する。
func (c *Collector) RecordFetchResult(success bool) {
	c.fetchResults.WithLabelValues(resultLabel(success)).Inc()
}

// RecordFetchStatus はフィードフェッチのHTTPステータスコードを記録する。
func (c *Collector) RecordFetchStatus(statusCode int) {
	c.fetchStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordEntriesCommitted はコミットされたエントリ数を記録する。
func (c *Collector) RecordEntriesCommitted(count int) {
	c.entriesCommitted.Add(float64(count))
}

// RecordDeliveryResult は配信の結果を記録する。
func (c *Collector) RecordDeliveryResult(success bool) {
	c.deliveryResults.WithLabelValues(resultLabel(success)).Inc()
}

// RecordDeliveryLatency は配信のレイテンシを記録する。
func (c *Collector) RecordDeliveryLatency(duration time.Duration) {
	c.deliveryLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
