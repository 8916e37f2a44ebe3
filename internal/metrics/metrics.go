package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds every Prometheus collector the relay exposes.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	subscriptionsCreated *prometheus.CounterVec
	subscriptionsDeleted *prometheus.CounterVec
	subscriptionsPurged  prometheus.Counter
	rateLimitRejections  prometheus.Counter

	chunksEnqueued   prometheus.Counter
	chunksRejected   *prometheus.CounterVec
	queueLiveBytes   prometheus.Gauge
	queueDepth       prometheus.Gauge

	deliveryOutcomes *prometheus.CounterVec
	deliveryDuration prometheus.Histogram

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered against the default registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a Metrics instance against a custom
// registry, used by tests to avoid collector-registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg)
}

func newMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes read from inbound webhook request bodies",
			},
			[]string{"method", "path"},
		),
		subscriptionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscriptions_created_total",
				Help: "Total number of subscriptions created",
			},
			[]string{"result"},
		),
		subscriptionsDeleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscriptions_deleted_total",
				Help: "Total number of subscriptions deleted",
			},
			[]string{"reason"}, // "requested", "ttl_expired", "dead_endpoint"
		),
		subscriptionsPurged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "subscriptions_ttl_purged_total",
				Help: "Total number of subscriptions removed by the TTL sweep",
			},
		),
		rateLimitRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limit_rejections_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
		),
		chunksEnqueued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chunks_enqueued_total",
				Help: "Total number of chunk envelopes written to the disk queue",
			},
		),
		chunksRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunks_rejected_total",
				Help: "Total number of chunks rejected before reaching the queue",
			},
			[]string{"reason"}, // "payload_too_large", "read_timeout", "queue_full"
		),
		queueLiveBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "queue_live_bytes",
				Help: "Total bytes of unacked entries in the disk queue",
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Number of unacked entries in the disk queue",
			},
		),
		deliveryOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_outcomes_total",
				Help: "Total number of delivery attempts by outcome",
			},
			[]string{"outcome"}, // delivered, gone, throttled, transient_failure, rejected
		),
		deliveryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "delivery_duration_seconds",
				Help:    "Duration of a single encrypt+POST delivery attempt",
				Buckets: prometheus.DefBuckets,
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	label := sanitizePathLabel(path)
	labels := prometheus.Labels{"method": method, "path": label, "status": http.StatusText(status)}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.httpRequestsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.httpRequestsTotal.With(labels).Inc()
		}
		if observer, ok := m.httpRequestDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.httpRequestDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.httpRequestsTotal.With(labels).Inc()
		m.httpRequestDuration.With(labels).Observe(duration.Seconds())
	}

	m.httpRequestBytes.WithLabelValues(method, label).Add(float64(bytes))
}

// sanitizePathLabel reduces high-cardinality paths (subscription uuids
// in particular) to a stable label.
// "/hook/3f9a0c1b2d4e" => "/hook/*"
func sanitizePathLabel(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) <= 1 {
		return "/" + segs[0]
	}
	return "/" + segs[0] + "/*"
}

// RecordSubscriptionCreated records the outcome of a subscribe request.
func (m *Metrics) RecordSubscriptionCreated(result string) {
	m.subscriptionsCreated.WithLabelValues(result).Inc()
}

// RecordSubscriptionDeleted records a subscription removal.
func (m *Metrics) RecordSubscriptionDeleted(reason string) {
	m.subscriptionsDeleted.WithLabelValues(reason).Inc()
}

// RecordSubscriptionsPurged adds n to the TTL-purge counter.
func (m *Metrics) RecordSubscriptionsPurged(n int) {
	m.subscriptionsPurged.Add(float64(n))
}

// RecordRateLimitRejection increments the rate-limit rejection counter.
func (m *Metrics) RecordRateLimitRejection() {
	m.rateLimitRejections.Inc()
}

// RecordChunkEnqueued increments the chunks-enqueued counter.
func (m *Metrics) RecordChunkEnqueued() {
	m.chunksEnqueued.Inc()
}

// RecordChunkRejected records a chunk rejected before queueing.
func (m *Metrics) RecordChunkRejected(reason string) {
	m.chunksRejected.WithLabelValues(reason).Inc()
}

// SetQueueStats updates the queue depth/live-bytes gauges, called
// periodically by the cleanup scheduler.
func (m *Metrics) SetQueueStats(depth int, liveBytes int64) {
	m.queueDepth.Set(float64(depth))
	m.queueLiveBytes.Set(float64(liveBytes))
}

// RecordDelivery records one delivery attempt's outcome and duration.
func (m *Metrics) RecordDelivery(outcome string, duration time.Duration) {
	m.deliveryOutcomes.WithLabelValues(outcome).Inc()
	m.deliveryDuration.Observe(duration.Seconds())
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts trace ID from context and returns prometheus Labels for exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
