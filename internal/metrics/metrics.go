// Package metrics holds the prometheus collectors of the sync hub. They are
// registered with the default registry and served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "collabtext"

var (
	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms",
		Help:      "Rooms resident in memory.",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Open sync connections.",
	})

	Updates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_total",
		Help:      "Document updates received, by outcome.",
	}, []string{"outcome"})

	DroppedConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_connections_total",
		Help:      "Connections closed by the hub, by reason.",
	}, []string{"reason"})

	LogAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "persist",
		Name:      "appends_total",
		Help:      "Durable log appends, by result.",
	}, []string{"result"})

	Compactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "persist",
		Name:      "compactions_total",
		Help:      "Log compactions, by result.",
	}, []string{"result"})

	ReplayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "persist",
		Name:      "replay_seconds",
		Help:      "Time spent replaying a room log.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	Pushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "pushes_total",
		Help:      "Autosave pushes to the project store, by result.",
	}, []string{"result"})

	Hydrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "hydrations_total",
		Help:      "Room hydrations, by source.",
	}, []string{"source"})
)

// Result label values.
const (
	OK    = "ok"
	Error = "error"
)
