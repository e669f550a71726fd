// Package metrics exposes Prometheus instrumentation for the Gateway, Room
// Registry, and Session layers: gauges and counters wired into the
// connection hubs, purely additive and never load-bearing for correctness.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "active_rooms",
		Help:      "Number of Rooms currently resident in the registry.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "active_sessions",
		Help:      "Number of WebSocket sessions currently connected.",
	})

	UpdatesMerged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "updates_merged_total",
		Help:      "CRDT updates successfully merged into a Room's state.",
	}, []string{"doc_id"})

	UpdatesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "updates_rejected_total",
		Help:      "Updates rejected for permission or malformed-data reasons.",
	}, []string{"reason"})

	SlowConsumerEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "slow_consumer_evictions_total",
		Help:      "Sessions closed for exceeding their outbound queue capacity.",
	})

	PersistFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "persist_failures_total",
		Help:      "Repository save_state failures, before retry.",
	}, []string{"doc_id"})
)

var registerOnce sync.Once

// Register adds every collector to reg exactly once per process, so the
// Gateway can call it on every construction (production and tests alike)
// without tripping the default registry's "duplicate metrics" panic. Tests
// wanting isolated counts should pass a fresh prometheus.NewRegistry()
// directly to MustRegister instead of going through this helper.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			ActiveRooms,
			ActiveSessions,
			UpdatesMerged,
			UpdatesRejected,
			SlowConsumerEvictions,
			PersistFailures,
		)
	})
}
