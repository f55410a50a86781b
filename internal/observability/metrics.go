package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ambulance_dispatch"

var (
	RelaySessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "relay_sessions", Help: "Number of connected relay sessions"})

	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "relay_messages_total", Help: "Messages received for relay by type"},
		[]string{"type"},
	)
	RelaySynthesizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "relay_synthesized_total", Help: "Derived status messages broadcast by source type"},
		[]string{"type"},
	)
	RelayDroppedSessions = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "relay_dropped_sessions_total", Help: "Sessions dropped for a full send buffer"})
	RelayInvalidFrames   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "relay_invalid_frames_total", Help: "Frames that failed to parse"})

	RouteLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "route_lookups_total", Help: "Route lookups by source"},
		[]string{"source"},
	)

	OfflineQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "offline_queue_depth", Help: "Unsynced location updates awaiting replay"})
	OfflineReplayed   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offline_replayed_total", Help: "Queued location updates replayed after reconnect"})

	RideRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_records_total", Help: "Ride record writes by milestone and result"},
		[]string{"milestone", "result"},
	)

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
