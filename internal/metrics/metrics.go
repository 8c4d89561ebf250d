// Package metrics はゲートウェイのPrometheusメトリクスを提供する。
//
// メトリクスは専用のレジストリに登録する。
// nilの *Metrics に対する記録メソッドは何もしないため、テストでは省略できる。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace はメトリクス名の接頭辞。
const namespace = "filegate"

// Metrics はゲートウェイのメトリクス一式。
type Metrics struct {
	registry *prometheus.Registry

	// RequestsTotal はルート・メソッド・ステータス別のリクエスト数。
	RequestsTotal *prometheus.CounterVec
	// RequestDuration はルート別のリクエスト処理時間。
	RequestDuration *prometheus.HistogramVec
	// RateLimitDecisions はレート制限の判定結果別の件数。
	RateLimitDecisions *prometheus.CounterVec
	// ThrottleDelay はスロットリングで加えた遅延。
	ThrottleDelay prometheus.Histogram
	// CacheResults はレスポンスキャッシュのヒット・ミス・書き込み件数。
	CacheResults *prometheus.CounterVec
	// UpstreamDuration はバックエンド別の転送時間と結果。
	UpstreamDuration *prometheus.HistogramVec
	// EventsTotal はイベント種類・結果別の件数。
	EventsTotal *prometheus.CounterVec
	// EventQueueDepth はイベント送信キューに溜まっている件数。
	EventQueueDepth prometheus.Gauge
	// StoreDegraded は共有ストアの障害によりフェイルオープンした件数。
	StoreDegraded *prometheus.CounterVec
}

// New は新しいレジストリにメトリクスを登録して返す。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests handled by the gateway",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of requests handled by the gateway",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Total number of rate limit decisions",
			},
			[]string{"action"},
		),
		ThrottleDelay: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "throttle_delay_seconds",
				Help:      "Delay added to throttled requests",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 25},
			},
		),
		CacheResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "response_cache_total",
				Help:      "Response cache lookups and writes",
			},
			[]string{"result"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_duration_seconds",
				Help:      "Duration of requests forwarded to backends",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend", "outcome"},
		),
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Domain events by type and result",
			},
			[]string{"type", "result"},
		),
		EventQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "event_queue_depth",
				Help:      "Number of events waiting to be published",
			},
		),
		StoreDegraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_degraded_total",
				Help:      "Operations that continued without the shared store",
			},
			[]string{"component"},
		),
	}
}

// Handler は/metricsエンドポイントのハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest はリクエスト1件の結果を記録する。
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveRateLimit はレート制限の判定結果を記録する。
func (m *Metrics) ObserveRateLimit(action string, delay time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(action).Inc()
	if delay > 0 {
		m.ThrottleDelay.Observe(delay.Seconds())
	}
}

// ObserveCache はレスポンスキャッシュの結果（hit, miss, store, drop）を記録する。
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.CacheResults.WithLabelValues(result).Inc()
}

// ObserveUpstream はバックエンドへの転送結果を記録する。
func (m *Metrics) ObserveUpstream(backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(backend, outcome).Observe(d.Seconds())
}

// ObserveEvent はイベントの処理結果（published, failed, dropped）を記録する。
func (m *Metrics) ObserveEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType, result).Inc()
}

// SetEventQueueDepth はイベント送信キューの件数を記録する。
func (m *Metrics) SetEventQueueDepth(n int) {
	if m == nil {
		return
	}
	m.EventQueueDepth.Set(float64(n))
}

// ObserveStoreDegraded は共有ストアなしで処理を続けたことを記録する。
func (m *Metrics) ObserveStoreDegraded(component string) {
	if m == nil {
		return
	}
	m.StoreDegraded.WithLabelValues(component).Inc()
}
