package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmooth_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zmooth_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	NASCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmooth_nas_calls_total",
			Help: "NAS adapter calls by action and result",
		},
		[]string{"action", "result"},
	)

	NASCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zmooth_nas_call_duration_seconds",
			Help:    "NAS adapter call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"action"},
	)

	NASQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zmooth_nas_queue_length",
			Help: "NAS jobs waiting for retry",
		},
	)

	NASJobsDeadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmooth_nas_jobs_dead_total",
			Help: "NAS jobs that exhausted their retry budget",
		},
		[]string{"action"},
	)

	NASJobsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmooth_nas_jobs_dropped_total",
			Help: "Queued NAS jobs dropped because their entitlement no longer grants access",
		},
		[]string{"action"},
	)

	ActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmooth_activations_total",
			Help: "Entitlement activations by payment method and grant outcome",
		},
		[]string{"method", "grant"},
	)

	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmooth_purchases_total",
			Help: "Purchase attempts by method and resulting transaction status",
		},
		[]string{"method", "status"},
	)

	SessionsOpenedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zmooth_sessions_opened_total",
			Help: "Sessions opened",
		},
	)

	SessionsDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmooth_sessions_denied_total",
			Help: "Session attach attempts denied",
		},
		[]string{"reason"},
	)

	SessionsTerminatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmooth_sessions_terminated_total",
			Help: "Sessions terminated by cause",
		},
		[]string{"cause"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zmooth_active_sessions",
			Help: "Sessions currently active in the ledger",
		},
	)

	UsageBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zmooth_usage_bytes_total",
			Help: "Bytes charged against entitlements",
		},
	)

	SweepDeactivatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zmooth_sweep_deactivated_total",
			Help: "Entitlements deactivated by the expiry sweeper",
		},
	)

	SweepFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zmooth_sweep_failures_total",
			Help: "Per-entitlement sweep failures",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zmooth_sweep_duration_seconds",
			Help:    "Duration of one sweep pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	SessionsArchivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zmooth_sessions_archived_total",
			Help: "Closed sessions exported to object storage",
		},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zmooth_websocket_connections",
			Help: "Open live-usage websocket connections on this instance",
		},
	)

	WSEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmooth_websocket_events_total",
			Help: "Events pushed to websocket clients",
		},
		[]string{"result"},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func ObserveNASCall(action string, err error, took time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	NASCallsTotal.WithLabelValues(action, result).Inc()
	NASCallDuration.WithLabelValues(action).Observe(took.Seconds())
}

func RecordActivation(method string, grantPending bool) {
	grant := "granted"
	if grantPending {
		grant = "pending"
	}
	ActivationsTotal.WithLabelValues(method, grant).Inc()
}

func RecordPurchase(method, status string) {
	PurchasesTotal.WithLabelValues(method, status).Inc()
}

func RecordSessionDenied(reason string) {
	SessionsDeniedTotal.WithLabelValues(reason).Inc()
}

func RecordSessionTerminated(cause string) {
	SessionsTerminatedTotal.WithLabelValues(cause).Inc()
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
