package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

// timelineRepositoryInMemory хранит события оформления в памяти (для разработки/тестов).
type timelineRepositoryInMemory struct {
	mu     sync.RWMutex
	events map[int64][]domain.TimelineEvent
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineRepositoryInMemory{events: make(map[int64][]domain.TimelineEvent)}
}

// Append добавляет событие в хронологию клиента.
func (r *timelineRepositoryInMemory) Append(_ context.Context, event domain.TimelineEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := append(r.events[event.CustomerID], event)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Occurred.Before(events[j].Occurred)
	})
	r.events[event.CustomerID] = events
	return nil
}

// ListByCustomer возвращает события клиента в хронологическом порядке.
func (r *timelineRepositoryInMemory) ListByCustomer(_ context.Context, customerID int64) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.events[customerID]), nil
}

var _ domain.TimelineRepository = (*timelineRepositoryInMemory)(nil)
