package metrics

import "github.com/prometheus/client_golang/prometheus"

// breakerLevels encodes breaker states for the provider_breaker_state gauge.
var breakerLevels = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// breakerMetrics tracks the circuit breakers guarding the embedding provider
// and the bus. Both metric sets embed it, so each satisfies
// resilience.BreakerObserver.
type breakerMetrics struct {
	breakerService     string
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
}

func newBreakerMetrics(service string) breakerMetrics {
	return breakerMetrics{
		breakerService: service,
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per operation (0 closed, 1 half-open, 2 open).",
			},
			[]string{"service", "operation"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker transitions per operation by target state.",
			},
			[]string{"service", "operation", "to"},
		),
	}
}

func (b breakerMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{b.breakerState, b.breakerTransitions}
}

func (b breakerMetrics) BreakerTransition(operation, _, to string) {
	b.breakerTransitions.WithLabelValues(b.breakerService, operation, to).Inc()
	if level, ok := breakerLevels[to]; ok {
		b.breakerState.WithLabelValues(b.breakerService, operation).Set(level)
	}
}
