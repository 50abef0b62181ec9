package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_watch", Name: "samples_total", Help: "Location samples by outcome"},
		[]string{"transport", "result"},
	)
	DeviationsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_watch", Name: "deviations_total", Help: "Transitions into deviation"})
	AlertsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_watch", Name: "alerts_total", Help: "Alerts raised"}, []string{"kind"})
	AlertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_watch", Name: "alerts_suppressed_total", Help: "Deviation alerts held back by the cooldown"})
	ActiveRides      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_watch", Name: "active_rides", Help: "Rides held in the registry"})

	Subscribers      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_watch", Name: "subscribers", Help: "Connected broadcast subscribers"})
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_watch", Name: "broadcast_dropped_total", Help: "Events dropped for slow subscribers"})

	WSSessionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_watch", Name: "ws_sessions_open", Help: "Open websocket sessions by route"},
		[]string{"path"},
	)
	WSSessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_watch",
			Name:      "ws_session_duration_seconds",
			Help:      "Websocket session lifetime",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"path"},
	)

	SideEffectErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_watch", Name: "side_effect_errors_total", Help: "Failed store, notifier and stream calls"},
		[]string{"op"},
	)
	SideEffectQueueDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_watch", Name: "side_effect_queue_dropped_total", Help: "Side effects dropped because the worker queue was full"})
	SideEffectLatency      = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "ride_watch", Name: "side_effect_duration_seconds", Help: "Side effect latency", Buckets: prometheus.DefBuckets},
		[]string{"op"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_watch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_watch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
