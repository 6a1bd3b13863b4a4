package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Webhook delivery metrics
	WebhookDeliveries       *prometheus.CounterVec
	WebhookDeliveryLatency  *prometheus.HistogramVec
	WebhookRetriesScheduled prometheus.Counter
	WebhookRetryBatch       prometheus.Histogram

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBQueryDuration     *prometheus.HistogramVec

	// Real-time metrics
	ChangeEvents          *prometheus.CounterVec
	StreamSubscribers     prometheus.Gauge
	StaleFetchesDiscarded prometheus.Counter

	// Business metrics
	AuditExports         *prometheus.CounterVec
	SecurityEventsSolved prometheus.Counter
	PaymentsConfirmed    *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		// Webhook delivery metrics
		WebhookDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts by outcome",
			},
			[]string{"event_code", "status"},
		),
		WebhookDeliveryLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_delivery_latency_seconds",
				Help:    "Outbound webhook request latency in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),
		WebhookRetriesScheduled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webhook_retries_scheduled_total",
				Help: "Total number of webhook retries scheduled",
			},
		),
		WebhookRetryBatch: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webhook_retry_batch_size",
				Help:    "Number of due retries picked up per worker tick",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),

		// Rate limiting metrics
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limiter"},
		),

		// Cache metrics
		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		// Database metrics
		DBConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"query_type"},
		),

		// Real-time metrics
		ChangeEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "change_events_total",
				Help: "Total number of row change notifications received",
			},
			[]string{"table", "type"},
		),
		StreamSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "activity_stream_subscribers",
				Help: "Number of open activity stream connections",
			},
		),
		StaleFetchesDiscarded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "activity_stale_fetches_discarded_total",
				Help: "Total number of superseded snapshot fetches whose results were dropped",
			},
		),

		// Business metrics
		AuditExports: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_exports_total",
				Help: "Total number of audit trail exports",
			},
			[]string{"outcome"},
		),
		SecurityEventsSolved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "security_events_resolved_total",
				Help: "Total number of security events resolved",
			},
		),
		PaymentsConfirmed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_confirmed_total",
				Help: "Total number of payment confirmations by resulting status",
			},
			[]string{"status"},
		),

		// Circuit breaker metrics
		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
			},
			[]string{"endpoint"},
		),
	}

	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	if metrics == nil {
		return Init()
	}
	return metrics
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordWebhookDelivery records one delivery attempt and its latency
func RecordWebhookDelivery(eventCode, status string, duration time.Duration) {
	m := Get()
	m.WebhookDeliveries.WithLabelValues(eventCode, status).Inc()
	m.WebhookDeliveryLatency.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRetryScheduled records a retry being queued
func RecordRetryScheduled() {
	Get().WebhookRetriesScheduled.Inc()
}

// RecordRetryBatch records how many due retries a worker tick picked up
func RecordRetryBatch(n int) {
	Get().WebhookRetryBatch.Observe(float64(n))
}

// RecordRateLimitHit records a rate limit hit
func RecordRateLimitHit(limiter string) {
	Get().RateLimitHits.WithLabelValues(limiter).Inc()
}

// RecordCacheHit records a cache hit
func RecordCacheHit(cacheType string) {
	Get().CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(cacheType string) {
	Get().CacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBQuery records a database query duration
func RecordDBQuery(queryType string, duration time.Duration) {
	Get().DBQueryDuration.WithLabelValues(queryType).Observe(duration.Seconds())
}

// SetDBConnections sets database connection metrics
func SetDBConnections(active, idle int) {
	Get().DBConnectionsActive.Set(float64(active))
	Get().DBConnectionsIdle.Set(float64(idle))
}

// RecordChangeEvent records a row change notification
func RecordChangeEvent(table, eventType string) {
	Get().ChangeEvents.WithLabelValues(table, eventType).Inc()
}

// AddStreamSubscribers adjusts the open stream gauge
func AddStreamSubscribers(delta int) {
	Get().StreamSubscribers.Add(float64(delta))
}

// RecordStaleFetchDiscarded records a snapshot dropped by the fence
func RecordStaleFetchDiscarded() {
	Get().StaleFetchesDiscarded.Inc()
}

// RecordAuditExport records an export attempt
func RecordAuditExport(outcome string) {
	Get().AuditExports.WithLabelValues(outcome).Inc()
}

// RecordSecurityEventResolved records a resolution
func RecordSecurityEventResolved() {
	Get().SecurityEventsSolved.Inc()
}

// RecordPaymentConfirmed records a confirmation outcome
func RecordPaymentConfirmed(status string) {
	Get().PaymentsConfirmed.WithLabelValues(status).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(endpoint string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(endpoint).Set(state)
}
