package metrics

import "github.com/prometheus/client_golang/prometheus"

// RoutingMetrics counts vendor accept-race outcomes.
type RoutingMetrics struct {
	outcomes *prometheus.CounterVec
}

// NewRoutingMetrics registers the routing metrics on the provided registerer.
func NewRoutingMetrics(reg prometheus.Registerer) *RoutingMetrics {
	if reg == nil {
		return &RoutingMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vendor_accept_outcomes_total",
		Help: "Vendor accept attempts by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(outcomes)
	return &RoutingMetrics{outcomes: outcomes}
}

// IncOutcome increments the counter for one accept-race outcome.
func (m *RoutingMetrics) IncOutcome(outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}
