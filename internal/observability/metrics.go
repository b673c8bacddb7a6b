package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_realtime"

var (
	ConnectionsOpen     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_open", Help: "Open realtime channels"})
	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connections_rejected_total", Help: "Channels refused by the per-address limiter"})
	BoundIdentities     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "bound_identities", Help: "Identities with a bound channel"})
	DriversAvailable    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_available", Help: "Drivers currently available for matching"})
	SweptBindings       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "swept_bindings_total", Help: "Bindings pruned because their channel died silently"})

	BroadcastsTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "broadcasts_total", Help: "Ride requests broadcast to drivers"})
	DriversNotifiedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "drivers_notified_total", Help: "Ride request notifications delivered"})
	BroadcastFanout      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "broadcast_fanout", Help: "Drivers notified per ride request", Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100}})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Trip transitions by outcome"},
		[]string{"transition", "result"},
	)
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_total", Help: "Inbound channel events by outcome"},
		[]string{"event", "result"},
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
