package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster / ATR metrics
	clustersClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screener_clusters_closed_total",
			Help: "Total number of price clusters closed by symbol",
		},
		[]string{"symbol"},
	)

	// Detector metrics
	impulsesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screener_impulses_detected_total",
			Help: "Total number of impulses detected by symbol",
		},
		[]string{"symbol"},
	)

	impulsesSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screener_impulses_suppressed_total",
			Help: "Total number of impulse candidates suppressed, by gate",
		},
		[]string{"gate"},
	)

	detectorQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screener_detector_queue_depth",
			Help: "Current number of pending detector jobs",
		},
	)

	detectorLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "screener_detector_check_latency_milliseconds",
			Help:    "Detector.Check latency in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100},
		},
		[]string{"symbol"},
	)

	// Upstream mux metrics
	muxReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screener_upstream_reconnects_total",
			Help: "Total upstream WebSocket reconnect attempts, by session",
		},
		[]string{"session"},
	)

	muxSubscribedStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "screener_upstream_subscribed_streams",
			Help: "Current number of confirmed-subscribed streams, by session",
		},
		[]string{"session"},
	)

	// PushHub metrics
	pushHubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screener_pushhub_connections",
			Help: "Current number of accepted PushHub connections (authed and unauthed)",
		},
	)

	pushHubMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screener_pushhub_messages_total",
			Help: "Total PushHub client messages handled, by event",
		},
		[]string{"event"},
	)

	// Notifier metrics
	notifierQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screener_notifier_queue_depth",
			Help: "Current number of pending chat sink deliveries",
		},
	)

	notifierDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screener_notifier_deliveries_total",
			Help: "Total chat sink delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Universe fetch metrics
	universeSymbolsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screener_universe_symbols",
			Help: "Current number of symbols in the filtered universe",
		},
	)

	universeFetchErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "screener_universe_fetch_errors_total",
			Help: "Total universe fetch failures",
		},
	)

	// HTTP API metrics
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screener_api_requests_total",
			Help: "Total API requests by endpoint and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "screener_api_request_duration_milliseconds",
			Help:    "API request duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"endpoint", "method"},
	)

	// Runtime metrics
	memoryUsageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screener_memory_usage_bytes",
			Help: "Current memory usage in bytes",
		},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screener_goroutines_count",
			Help: "Current number of goroutines",
		},
	)
)

// MetricsCollector handles metrics collection and exposure.
type MetricsCollector struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		registry: prometheus.DefaultRegisterer.(*prometheus.Registry),
	}
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordClusterClose records one closed cluster for symbol.
func RecordClusterClose(symbol string) {
	clustersClosedTotal.WithLabelValues(symbol).Inc()
}

// RecordImpulseDetected records one delivered impulse for symbol.
func RecordImpulseDetected(symbol string) {
	impulsesDetectedTotal.WithLabelValues(symbol).Inc()
}

// RecordImpulseSuppressed records one impulse candidate rejected by the
// named gate. Its only caller is the engine, which passes "queue_full" when a
// detector job is dropped; the detector's cooldown and burst gates are not
// counted here.
func RecordImpulseSuppressed(gate string) {
	impulsesSuppressedTotal.WithLabelValues(gate).Inc()
}

// SetDetectorQueueDepth sets the current detector job queue depth.
func SetDetectorQueueDepth(depth int) {
	detectorQueueDepth.Set(float64(depth))
}

// RecordDetectorLatency records one Detector.Check call's latency.
func RecordDetectorLatency(symbol string, latencyMs float64) {
	detectorLatency.WithLabelValues(symbol).Observe(latencyMs)
}

// RecordMuxReconnect records one upstream session reconnect attempt.
func RecordMuxReconnect(session string) {
	muxReconnectsTotal.WithLabelValues(session).Inc()
}

// SetMuxSubscribedStreams sets the confirmed-subscribed stream count for a session.
func SetMuxSubscribedStreams(session string, count int) {
	muxSubscribedStreams.WithLabelValues(session).Set(float64(count))
}

// SetPushHubConnections sets the current PushHub connection count.
func SetPushHubConnections(count int) {
	pushHubConnections.Set(float64(count))
}

// RecordClientMetric records a client-reported PushHub metrics event.
func RecordClientMetric(event string) {
	pushHubMessagesTotal.WithLabelValues(event).Inc()
}

// SetNotifierQueueDepth sets the current chat sink queue depth.
func SetNotifierQueueDepth(depth int) {
	notifierQueueDepth.Set(float64(depth))
}

// RecordNotifierDelivery records one chat sink delivery outcome:
// "success", "retried", or "dropped".
func RecordNotifierDelivery(outcome string) {
	notifierDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// SetUniverseSymbols sets the current filtered-universe symbol count.
func SetUniverseSymbols(count int) {
	universeSymbolsGauge.Set(float64(count))
}

// RecordUniverseFetchError records one universe fetch failure.
func RecordUniverseFetchError() {
	universeFetchErrorsTotal.Inc()
}

// RecordAPIRequest records API request metrics.
func RecordAPIRequest(endpoint, method, status string, durationMs float64) {
	apiRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	apiRequestDuration.WithLabelValues(endpoint, method).Observe(durationMs)
}

// SetMemoryUsage sets memory usage.
func SetMemoryUsage(bytes uint64) {
	memoryUsageBytes.Set(float64(bytes))
}

// SetGoroutineCount sets goroutine count.
func SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// APIRequestMiddleware wraps HTTP handlers to record metrics.
func APIRequestMiddleware(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(wrapped, r)

		duration := float64(time.Since(start).Milliseconds())
		RecordAPIRequest(endpoint, r.Method, http.StatusText(wrapped.statusCode), duration)
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
