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
// ゲートウェイクライアントとディスクリプタ生成から利用する。
type MetricsCollector interface {
	// RecordUpstreamRequest はパートナーAPI呼び出しの結果を記録する。
	// 通信自体が失敗した場合はstatusCodeに0を渡す。
	RecordUpstreamRequest(method string, statusCode int, duration time.Duration)
	RecordDescriptorBuilt()
	RecordBuildFailure(kind string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	descriptorsBuilt prometheus.Counter
	buildFailures    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connectframe_upstream_requests_total",
			Help: "パートナーAPI呼び出しのメソッド・ステータス別の合計数",
		}, []string{"method", "status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "connectframe_upstream_latency_seconds",
			Help:    "パートナーAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		descriptorsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connectframe_descriptors_built_total",
			Help: "iframeディスクリプタ生成成功の合計数",
		}),
		buildFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connectframe_build_failures_total",
			Help: "iframeディスクリプタ生成失敗の種別ごとの合計数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.upstreamRequests,
		c.upstreamLatency,
		c.descriptorsBuilt,
		c.buildFailures,
	)

	return c
}

// RecordUpstreamRequest はパートナーAPI呼び出しを記録する。
func (c *Collector) RecordUpstreamRequest(method string, statusCode int, duration time.Duration) {
	c.upstreamRequests.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.upstreamLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDescriptorBuilt はディスクリプタ生成成功を記録する。
func (c *Collector) RecordDescriptorBuilt() {
	c.descriptorsBuilt.Inc()
}

// RecordBuildFailure はディスクリプタ生成失敗を記録する。
func (c *Collector) RecordBuildFailure(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	c.buildFailures.WithLabelValues(kind).Inc()
}

// NopCollector は何も記録しないMetricsCollector。
// メトリクスを無効化した場合やテストで使用する。
type NopCollector struct{}

func (NopCollector) RecordUpstreamRequest(string, int, time.Duration) {}
func (NopCollector) RecordDescriptorBuilt()                           {}
func (NopCollector) RecordBuildFailure(string)                        {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
