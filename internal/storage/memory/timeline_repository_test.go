package memory

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

func TestTimelineRepository_OrdersByOccurred(t *testing.T) {
	ctx := context.Background()
	repo := NewTimelineRepository()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	_ = repo.Append(ctx, domain.TimelineEvent{PlacementID: "p1", CustomerID: 1, State: domain.PlacementReserving, Occurred: base.Add(time.Second)})
	_ = repo.Append(ctx, domain.TimelineEvent{PlacementID: "p1", CustomerID: 1, State: domain.PlacementValidating, Occurred: base})
	_ = repo.Append(ctx, domain.TimelineEvent{PlacementID: "p2", CustomerID: 2, State: domain.PlacementValidating, Occurred: base})

	events, err := repo.ListByCustomer(ctx, 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 2 || events[0].State != domain.PlacementValidating {
		t.Fatalf("unexpected events: %+v", events)
	}
}
