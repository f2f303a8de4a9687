package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

var (
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Assignment attempts by path and outcome"},
		[]string{"path", "outcome"},
	)
	AssignLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "assign_latency_seconds", Help: "Time from request to committed assignment", Buckets: prometheus.DefBuckets},
		[]string{"path"},
	)
	EligibleDrivers = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "eligible_drivers",
		Help:      "Drivers left after the eligibility filter",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})

	ExpiredTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_expired_total", Help: "Offers reclaimed by the reaper"})
	ReassignedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_reassigned_total", Help: "Expired offers handed to a new driver"})
	ReaperErrors    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reaper_errors_total", Help: "Per-assignment reaper failures"})

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Published notifications by sink and result"},
		[]string{"sink", "result"},
	)
	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location updates accepted"})
	WSConnections   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
