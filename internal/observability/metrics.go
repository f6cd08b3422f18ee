package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report bridge activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessions      prometheus.Gauge
	requests      *prometheus.CounterVec
	routed        *prometheus.CounterVec
	bindings      *prometheus.CounterVec
	platformEvent *prometheus.CounterVec
}

// MustNewMetrics constructs a Metrics instance registered with reg.
// Registration errors panic, mirroring the promauto helpers.
//
// Precondition: reg must be non-nil.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fgate",
			Subsystem: "bridge",
			Name:      "sessions",
			Help:      "Number of live game-server sessions.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fgate",
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Outbound correlated requests by method and outcome.",
		}, []string{"method", "outcome"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fgate",
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Messages routed between game servers and chat platforms.",
		}, []string{"direction", "outcome"}),
		bindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fgate",
			Subsystem: "binding",
			Name:      "events_total",
			Help:      "Account binding events by kind.",
		}, []string{"event"}),
		platformEvent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fgate",
			Subsystem: "chatbridge",
			Name:      "inbound_events_total",
			Help:      "Inbound chat platform events by adapter type and kind.",
		}, []string{"adapter_type", "kind"}),
	}
	reg.MustRegister(m.sessions, m.requests, m.routed, m.bindings, m.platformEvent)
	return m
}

// SessionOpened marks a game-server session as live.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionClosed marks a game-server session as gone.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// ObserveRequest counts one outbound request outcome.
func (m *Metrics) ObserveRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

// ObserveRouted counts one routing decision.
func (m *Metrics) ObserveRouted(direction, outcome string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(direction, outcome).Inc()
}

// ObserveBinding counts one binding lifecycle event.
func (m *Metrics) ObserveBinding(event string) {
	if m == nil {
		return
	}
	m.bindings.WithLabelValues(event).Inc()
}

// ObservePlatformEvent counts one inbound chat platform event.
func (m *Metrics) ObservePlatformEvent(adapterType, kind string) {
	if m == nil {
		return
	}
	m.platformEvent.WithLabelValues(adapterType, kind).Inc()
}
