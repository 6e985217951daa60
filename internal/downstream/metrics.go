package downstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

var (
	downstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordering_downstream_attempts_total",
		Help: "Total number of HTTP attempts to downstream services grouped by target and result.",
	}, []string{"target", "result"})
	downstreamDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordering_downstream_deliveries_total",
		Help: "Total number of fact deliveries grouped by target and outcome.",
	}, []string{"target", "outcome"})
	downstreamDeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ordering_downstream_delivery_duration_seconds",
		Help:    "Duration of fact delivery including retries.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"target"})
	downstreamCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ordering_downstream_circuit_state",
		Help: "Circuit breaker state per target: 0 closed, 1 half-open, 2 open.",
	}, []string{"target"})
	downstreamTokenFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordering_downstream_token_fetches_total",
		Help: "Total number of client-credentials token requests grouped by target and result.",
	}, []string{"target", "result"})
)

func recordCircuitState(target domain.Target, status domain.CircuitStatus) {
	value := 0.0
	switch status {
	case domain.CircuitHalfOpen:
		value = 1
	case domain.CircuitOpen:
		value = 2
	}
	downstreamCircuitState.WithLabelValues(string(target)).Set(value)
}
