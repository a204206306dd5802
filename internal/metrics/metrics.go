// Package metrics exposes the broker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feltwire_connections_current",
			Help: "Currently registered connections",
		},
	)

	RoomsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feltwire_rooms_current",
			Help: "Rooms currently in the room table",
		},
	)

	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feltwire_messages_processed_total",
			Help: "Inbound messages processed by the core",
		},
		[]string{"type"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feltwire_rate_limit_rejections_total",
			Help: "Messages rejected by the rate limiter",
		},
		[]string{"kind"}, // "limited" or "blocked"
	)

	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feltwire_auth_attempts_total",
			Help: "Authentication attempts",
		},
		[]string{"outcome"}, // "success" or "failure"
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feltwire_messages_delivered_total",
			Help: "Messages queued onto client send buffers",
		},
	)

	SlowConsumersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feltwire_slow_consumers_dropped_total",
			Help: "Connections closed because their send buffer overflowed",
		},
	)
)
