package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistersCollectorsAndHandlerServesThem(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := New()
	m.WebhookRequests.WithLabelValues("200").Inc()
	m.GatewayPoolSize.Set(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "signalrouter_webhook_requests_total") {
		t.Error("expected webhook_requests_total in scrape output")
	}
	if !strings.Contains(body, "signalrouter_gateway_pool_size 3") {
		t.Error("expected gateway_pool_size gauge value in scrape output")
	}
}

func TestTimerStopRunsWithHistogramObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	h := promHistogramForTest()
	timer := NewTimer(h)
	timer.Stop()
}

func promHistogramForTest() prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_histogram",
	})
}
