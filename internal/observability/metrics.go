// Package observability provides the relay's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "collab"

	// OutcomeLoaded labels a room load that replayed persisted history.
	OutcomeLoaded = "loaded"
	// OutcomeFresh labels a room created with no persisted history.
	OutcomeFresh = "fresh"
	// OutcomeDegraded labels a room published empty after a load failure.
	OutcomeDegraded = "degraded"
)

// Metrics aggregates the relay's counters and gauges. Construct once per
// process (or per test registry) via NewMetrics.
type Metrics struct {
	RoomsActive          prometheus.Gauge
	ConnectionsActive    prometheus.Gauge
	ConnectionsTotal     prometheus.Counter
	MessagesTotal        *prometheus.CounterVec
	MessageErrorsTotal   *prometheus.CounterVec
	RoomLoadsTotal       *prometheus.CounterVec
	RoomEvictionsTotal   prometheus.Counter
	EventsAppendedTotal  prometheus.Counter
	PersistenceFailures  *prometheus.CounterVec
	BroadcastDropsTotal  prometheus.Counter
	JoinsRejectedTotal   *prometheus.CounterVec
}

// NewMetrics registers the relay metrics on the provided registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rooms_active",
			Help:      "Number of rooms currently resident in the registry",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of open client connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total client connections accepted",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Messages handled by type",
		}, []string{"type"}),
		MessageErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "message_errors_total",
			Help:      "Per-message handling failures by reason",
		}, []string{"reason"}),
		RoomLoadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "room_loads_total",
			Help:      "Room initializations by outcome",
		}, []string{"outcome"}),
		RoomEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "room_evictions_total",
			Help:      "Rooms evicted after their inactivity window",
		}),
		EventsAppendedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_appended_total",
			Help:      "Document updates durably appended",
		}),
		PersistenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "persistence_failures_total",
			Help:      "Event store failures by operation",
		}, []string{"operation"}),
		BroadcastDropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_drops_total",
			Help:      "Broadcast frames dropped on slow consumers",
		}),
		JoinsRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "joins_rejected_total",
			Help:      "Joins rejected by advisory caps",
		}, []string{"cap"}),
	}
}
