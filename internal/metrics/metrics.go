package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notify_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_notifications_created_total",
			Help: "Notifications created or coalesced, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	deliveriesAttempted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_deliveries_attempted_total",
			Help: "Delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notify_delivery_latency_seconds",
			Help:    "Time from delivery creation to a terminal state",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	rateLimitSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_rate_limit_skips_total",
			Help: "Deliveries skipped by the per-user rate limiter",
		},
		[]string{"channel"},
	)

	retriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_retries_scheduled_total",
			Help: "Deliveries pushed back into the retry queue",
		},
		[]string{"channel"},
	)

	notificationsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_notifications_expired_total",
			Help: "Notifications archived by the expiry sweep",
		},
	)

	schedulesFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_schedules_fired_total",
			Help: "Schedule executions by result",
		},
		[]string{"result"},
	)

	websocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notify_websocket_clients",
			Help: "Currently connected websocket clients",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notify_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationCreated records a create or coalesce, outcome is
// "created" or "updated"
func RecordNotificationCreated(notificationType, outcome string) {
	notificationsCreated.WithLabelValues(notificationType, outcome).Inc()
}

// RecordDeliveryAttempt records one send attempt's result
func RecordDeliveryAttempt(channel, result string) {
	deliveriesAttempted.WithLabelValues(channel, result).Inc()
}

// RecordDeliveryLatency records time from creation to terminal state
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordRateLimitSkip records a delivery skipped by the rate limiter
func RecordRateLimitSkip(channel string) {
	rateLimitSkips.WithLabelValues(channel).Inc()
}

// RecordRetryScheduled records a delivery scheduled for retry
func RecordRetryScheduled(channel string) {
	retriesScheduled.WithLabelValues(channel).Inc()
}

// RecordNotificationsExpired records notifications swept by expiry
func RecordNotificationsExpired(count int) {
	notificationsExpired.Add(float64(count))
}

// RecordScheduleFired records a schedule execution result
func RecordScheduleFired(result string) {
	schedulesFired.WithLabelValues(result).Inc()
}

// SetWebsocketClients sets the connected client count
func SetWebsocketClients(count int) {
	websocketClients.Set(float64(count))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
