package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewPlacementMetrics_ReusesRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := newPlacementMetricsWithRegisterer(reg)
	second := newPlacementMetricsWithRegisterer(reg)

	if first.ordersPlaced != second.ordersPlaced {
		t.Fatal("second instance must reuse already registered counter")
	}
	if first.propagations != second.propagations {
		t.Fatal("second instance must reuse already registered counter vec")
	}
}

func TestRecordPlacementLifecycle(t *testing.T) {
	m := newPlacementMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordPlacementStarted()
	m.RecordPlacementStarted()
	m.RecordPlacementFinished(100 * time.Millisecond)

	gauge := &dto.Metric{}
	if err := m.activePlacements.Write(gauge); err != nil {
		t.Fatalf("failed to write gauge: %v", err)
	}
	if gauge.Gauge.GetValue() != 1.0 {
		t.Errorf("expected 1 active placement, got %f", gauge.Gauge.GetValue())
	}

	started := &dto.Metric{}
	if err := m.placementsStarted.Write(started); err != nil {
		t.Fatalf("failed to write counter: %v", err)
	}
	if started.Counter.GetValue() != 2.0 {
		t.Errorf("expected 2 started placements, got %f", started.Counter.GetValue())
	}

	duration := &dto.Metric{}
	if err := m.placementDuration.Write(duration); err != nil {
		t.Fatalf("failed to write histogram: %v", err)
	}
	if duration.Histogram.GetSampleCount() != 1 {
		t.Errorf("expected 1 duration sample, got %d", duration.Histogram.GetSampleCount())
	}
}

func TestRecordPlacementRejected(t *testing.T) {
	m := newPlacementMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordPlacementRejected("conflict")
	m.RecordPlacementRejected("conflict")
	m.RecordPlacementRejected("not_found")

	metric := &dto.Metric{}
	if err := m.placementsRejected.WithLabelValues("conflict").Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2.0 {
		t.Errorf("expected 2 conflict rejections, got %f", metric.Counter.GetValue())
	}
}

func TestRecordStateDuration(t *testing.T) {
	m := newPlacementMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordStateDuration("reserving", 5*time.Millisecond)
	m.RecordStateDuration("committing", 20*time.Millisecond)
	m.RecordStateDuration("committing", 30*time.Millisecond)

	metric := &dto.Metric{}
	observer := m.stateDuration.WithLabelValues("committing")
	if err := observer.(prometheus.Histogram).Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 2 {
		t.Errorf("expected 2 samples for committing, got %d", metric.Histogram.GetSampleCount())
	}
	sum := metric.Histogram.GetSampleSum()
	if sum < 0.049 || sum > 0.051 {
		t.Errorf("expected sum around 0.05, got %f", sum)
	}
}

func TestRecordPropagationAndTimeline(t *testing.T) {
	m := newPlacementMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordPropagation("staff-product", "unavailable")
	m.RecordTimelineEvent()
	m.RecordTimelineEvent()

	propagation := &dto.Metric{}
	if err := m.propagations.WithLabelValues("staff-product", "unavailable").Write(propagation); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if propagation.Counter.GetValue() != 1.0 {
		t.Errorf("expected 1 propagation, got %f", propagation.Counter.GetValue())
	}

	timeline := &dto.Metric{}
	if err := m.timelineEvents.Write(timeline); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if timeline.Counter.GetValue() != 2.0 {
		t.Errorf("expected 2 timeline events, got %f", timeline.Counter.GetValue())
	}
}
