package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PlacementMetrics содержит метрики оформления заказов и распространения фактов.
type PlacementMetrics struct {
	// Счётчики оформления
	placementsStarted  prometheus.Counter
	ordersPlaced       prometheus.Counter
	placementsRejected *prometheus.CounterVec

	placementDuration prometheus.Histogram
	stateDuration     *prometheus.HistogramVec

	timelineEvents prometheus.Counter
	propagations   *prometheus.CounterVec

	activePlacements prometheus.Gauge
}

// NewPlacementMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewPlacementMetrics() *PlacementMetrics {
	return newPlacementMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newPlacementMetricsWithRegisterer(registerer prometheus.Registerer) *PlacementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PlacementMetrics{
		placementsStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordering_placements_started_total",
			Help: "Total number of order placements started",
		}),
		ordersPlaced: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordering_orders_placed_total",
			Help: "Total number of orders committed",
		}),
		placementsRejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordering_placements_rejected_total",
			Help: "Total number of rejected order placements grouped by reason",
		}, []string{"reason"}),
		placementDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "ordering_placement_duration_seconds",
			Help:    "Duration of order placement in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stateDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "ordering_placement_state_duration_seconds",
			Help:    "Duration of individual placement states in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"state"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordering_timeline_events_total",
			Help: "Total number of placement timeline events recorded",
		}),
		propagations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordering_fact_propagations_total",
			Help: "Synchronous fact propagation results grouped by target and outcome",
		}, []string{"target", "outcome"}),
		activePlacements: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ordering_active_placements",
			Help: "Number of order placements in progress",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		return reuseRegistered[prometheus.Counter](err, opts.Name, "counter")
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		return reuseRegistered[*prometheus.CounterVec](err, opts.Name, "counter vec")
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		return reuseRegistered[prometheus.Gauge](err, opts.Name, "gauge")
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		return reuseRegistered[prometheus.Histogram](err, opts.Name, "histogram")
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		return reuseRegistered[*prometheus.HistogramVec](err, opts.Name, "histogram vec")
	}
	return collector
}

// reuseRegistered возвращает уже зарегистрированный коллектор того же типа
// (повторное создание метрик в тестах и при рестарте компонентов).
func reuseRegistered[T prometheus.Collector](err error, name, kind string) T {
	alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError)
	if !ok {
		panic(fmt.Sprintf("register %s %q: %v", kind, name, err))
	}
	existing, ok := alreadyRegistered.ExistingCollector.(T)
	if !ok {
		panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
	}
	return existing
}

// RecordPlacementStarted увеличивает счётчик начатых оформлений.
func (m *PlacementMetrics) RecordPlacementStarted() {
	m.placementsStarted.Inc()
	m.activePlacements.Inc()
}

// RecordPlacementFinished уменьшает количество активных оформлений.
func (m *PlacementMetrics) RecordPlacementFinished(duration time.Duration) {
	m.activePlacements.Dec()
	m.placementDuration.Observe(duration.Seconds())
}

// RecordOrderPlaced увеличивает счётчик созданных заказов.
func (m *PlacementMetrics) RecordOrderPlaced() {
	m.ordersPlaced.Inc()
}

// RecordPlacementRejected учитывает отказ с причиной (kind ошибки).
func (m *PlacementMetrics) RecordPlacementRejected(reason string) {
	m.placementsRejected.WithLabelValues(reason).Inc()
}

// RecordStateDuration записывает время шага автомата оформления.
func (m *PlacementMetrics) RecordStateDuration(state string, duration time.Duration) {
	m.stateDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *PlacementMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordPropagation учитывает результат синхронной доставки факта.
func (m *PlacementMetrics) RecordPropagation(target, outcome string) {
	m.propagations.WithLabelValues(target, outcome).Inc()
}
