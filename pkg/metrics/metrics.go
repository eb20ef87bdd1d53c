// Package metrics exposes signalrouter's Prometheus collectors,
// replacing the teacher's hand-rolled internal/monitor.SystemMetrics
// (a sliding-window latency histogram plus atomic counters, polled via
// a JSON snapshot endpoint) with the ecosystem-standard
// prometheus/client_golang registry the rest of the pack's services
// already import. New registers the collectors on the default registry;
// cmd/signalrouter calls it once and discards the returned *Collectors,
// so no component records into them. Handler() serves the default
// registry via promhttp for a Prometheus scrape target.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles the metrics signalrouter registers. One instance is
// created at boot; the dispatcher, reconciler, webhook and gateway pool
// do not hold it or record into it.
type Collectors struct {
	WebhookRequests   *prometheus.CounterVec
	DispatchResults   *prometheus.CounterVec
	DispatchLatency   prometheus.Histogram
	ReconcileLoopTime *prometheus.HistogramVec
	CancelQueueDepth  prometheus.Gauge
	GatewayPoolSize   prometheus.Gauge
	GatewayFailures   *prometheus.CounterVec
	OrdersCreated     *prometheus.CounterVec
}

// New registers every collector against prometheus's default registry
// and returns the bundle. Calling this more than once panics (duplicate
// registration), matching promauto's own behavior -- callers should
// build exactly one Collectors per process, at boot.
func New() *Collectors {
	return &Collectors{
		WebhookRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "signalrouter_webhook_requests_total",
			Help: "Webhook requests received, by final HTTP status code.",
		}, []string{"status"}),

		DispatchResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "signalrouter_dispatch_results_total",
			Help: "Per-account dispatch outcomes, by result (filled, rejected, queued, error).",
		}, []string{"result"}),

		DispatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalrouter_dispatch_latency_seconds",
			Help:    "Time from webhook receipt to dispatch fan-out completion.",
			Buckets: prometheus.DefBuckets,
		}),

		ReconcileLoopTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signalrouter_reconcile_loop_seconds",
			Help:    "Per-iteration duration of a reconciler loop, by loop name (poll, cancel, sweep).",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),

		CancelQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "signalrouter_cancel_queue_depth",
			Help: "Number of cancel requests currently queued for retry.",
		}),

		GatewayPoolSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "signalrouter_gateway_pool_size",
			Help: "Number of cached exchange gateways currently held by the pool.",
		}),

		GatewayFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "signalrouter_gateway_failures_total",
			Help: "Gateway call failures recorded against the pool's circuit breaker, by exchange.",
		}, []string{"exchange"}),

		OrdersCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "signalrouter_orders_created_total",
			Help: "Orders successfully created on an exchange, by order type.",
		}, []string{"order_type"}),
	}
}

// Handler returns the HTTP handler Prometheus should scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration and records it into a
// Histogram on Stop, mirroring the teacher's own internal/monitor.Timer
// convenience wrapper but recording into a real Prometheus Histogram
// instead of the teacher's sliding-window sample slice.
type Timer struct {
	start time.Time
	obs   prometheus.Observer
}

// NewTimer starts a timer that will record into obs when Stop is called.
func NewTimer(obs prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), obs: obs}
}

// Stop records the elapsed duration in seconds and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.obs != nil {
		t.obs.Observe(elapsed.Seconds())
	}
	return elapsed
}
