package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Signaling metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_connections",
			Help: "Live signaling connections",
		},
	)

	Rooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_rooms",
			Help: "Rooms with at least one member",
		},
	)

	RelayedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_relayed_events_total",
			Help: "Events delivered to connections",
		},
		[]string{"event"},
	)

	DroppedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_dropped_events_total",
			Help: "Events dropped because the connection buffer was full",
		},
		[]string{"event"},
	)

	RejectedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_rejected_events_total",
			Help: "Inbound events answered with an error",
		},
		[]string{"code"},
	)

	CallsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_calls_ended_total",
			Help: "Call sessions that reached a terminal state",
		},
		[]string{"reason"},
	)

	ArchivedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_archived_messages_total",
			Help: "Chat messages handed to the history store",
		},
		[]string{"result"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)
)
