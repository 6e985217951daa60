package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

type timelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO placement_timeline (placement_id, customer_id, order_id, state, reason, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, event.PlacementID, event.CustomerID, event.OrderID, string(event.State), event.Reason, event.Occurred); err != nil {
		return fmt.Errorf("append timeline event: %w", err)
	}
	return nil
}

func (r *timelineRepository) ListByCustomer(ctx context.Context, customerID int64) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT placement_id, customer_id, order_id, state, reason, occurred_at
		FROM placement_timeline
		WHERE customer_id = $1
		ORDER BY occurred_at ASC, id ASC
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list timeline events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.TimelineEvent, 0)
	for rows.Next() {
		var (
			event domain.TimelineEvent
			state string
		)
		if err := rows.Scan(&event.PlacementID, &event.CustomerID, &event.OrderID, &state, &event.Reason, &event.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		event.State = domain.PlacementState(state)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline events: %w", err)
	}
	return events, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
