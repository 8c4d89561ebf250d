package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetrics はメトリクスの記録を検証する。
func TestMetrics(t *testing.T) {
	t.Parallel()

	t.Run("リクエストの結果がラベル別に記録されること", func(t *testing.T) {
		t.Parallel()

		m := New()
		m.ObserveRequest("files", http.MethodGet, http.StatusOK, 10*time.Millisecond)
		m.ObserveRequest("files", http.MethodGet, http.StatusOK, 20*time.Millisecond)
		m.ObserveRequest("files", http.MethodGet, http.StatusTooManyRequests, time.Millisecond)

		if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("files", "GET", "200")); got != 2 {
			t.Errorf("requests_total{status=200} = %v, want 2", got)
		}
		if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("files", "GET", "429")); got != 1 {
			t.Errorf("requests_total{status=429} = %v, want 1", got)
		}
	})

	t.Run("各コンポーネントのメトリクスが記録されること", func(t *testing.T) {
		t.Parallel()

		m := New()
		m.ObserveRateLimit("delay", 500*time.Millisecond)
		m.ObserveRateLimit("reject", 0)
		m.ObserveCache("hit")
		m.ObserveEvent("FILE_UPLOADED", "published")
		m.ObserveEvent("FILE_UPLOADED", "dropped")
		m.SetEventQueueDepth(3)
		m.ObserveStoreDegraded("ratelimit")

		if got := testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("delay")); got != 1 {
			t.Errorf("ratelimit_decisions_total{action=delay} = %v, want 1", got)
		}
		if got := testutil.CollectAndCount(m.ThrottleDelay); got != 1 {
			t.Errorf("throttle_delay_seconds の系列数 = %d, want 1", got)
		}
		if got := testutil.ToFloat64(m.CacheResults.WithLabelValues("hit")); got != 1 {
			t.Errorf("response_cache_total{result=hit} = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("FILE_UPLOADED", "dropped")); got != 1 {
			t.Errorf("events_total{result=dropped} = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.EventQueueDepth); got != 3 {
			t.Errorf("event_queue_depth = %v, want 3", got)
		}
		if got := testutil.ToFloat64(m.StoreDegraded.WithLabelValues("ratelimit")); got != 1 {
			t.Errorf("store_degraded_total = %v, want 1", got)
		}
	})

	t.Run("nilのMetricsでもパニックしないこと", func(t *testing.T) {
		t.Parallel()

		var m *Metrics
		m.ObserveRequest("files", http.MethodGet, http.StatusOK, time.Millisecond)
		m.ObserveRateLimit("allow", 0)
		m.ObserveCache("miss")
		m.ObserveUpstream("files", "ok", time.Millisecond)
		m.ObserveEvent("FILE_DELETED", "failed")
		m.SetEventQueueDepth(1)
		m.ObserveStoreDegraded("identity")
	})
}

// TestHandler は/metricsエンドポイントの出力を検証する。
func TestHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveUpstream("files", "ok", 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"filegate_upstream_duration_seconds", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("出力に %s が含まれていない", name)
		}
	}
}
