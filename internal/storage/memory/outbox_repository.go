package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

// outboxRepositoryInMemory хранит компенсационный outbox в памяти.
// Записи индексируются по ID и по ключу дедупликации.
type outboxRepositoryInMemory struct {
	mu    sync.RWMutex
	byID  map[string]*domain.OutboxEntry
	byKey map[string]string
}

// NewOutboxRepository создаёт in-memory реализацию outbox.
func NewOutboxRepository() domain.OutboxRepository {
	return &outboxRepositoryInMemory{
		byID:  make(map[string]*domain.OutboxEntry),
		byKey: make(map[string]string),
	}
}

// Enqueue вставляет запись или обновляет существующую с тем же ключом.
func (r *outboxRepositoryInMemory) Enqueue(_ context.Context, entry domain.OutboxEntry) (domain.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[entry.DedupeKey]; ok {
		current := r.byID[id]
		if current.Status == domain.OutboxPending && entry.Status == domain.OutboxPending {
			current.Attempts++
		} else {
			current.Attempts = entry.Attempts
		}
		if current.Status != domain.OutboxPending || entry.Status != domain.OutboxPending ||
			entry.NextAttemptAt.After(current.NextAttemptAt) {
			current.NextAttemptAt = entry.NextAttemptAt
		}
		current.Status = entry.Status
		current.Payload = slices.Clone(entry.Payload)
		current.LeaseID = ""
		current.LastError = entry.LastError
		current.UpdatedAt = entry.UpdatedAt
		current.DeliveredAt = time.Time{}
		return *current, nil
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Payload = slices.Clone(entry.Payload)
	stored := entry
	r.byID[entry.ID] = &stored
	r.byKey[entry.DedupeKey] = entry.ID
	return entry, nil
}

// ClaimDue забирает созревшие записи и продлевает их NextAttemptAt на lease.
func (r *outboxRepositoryInMemory) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]domain.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	due := make([]*domain.OutboxEntry, 0)
	for _, entry := range r.byID {
		if entry.Status == domain.OutboxPending && !entry.NextAttemptAt.After(now) {
			due = append(due, entry)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	leaseID := uuid.NewString()
	result := make([]domain.OutboxEntry, 0, len(due))
	for _, entry := range due {
		entry.NextAttemptAt = now.Add(lease)
		entry.LeaseID = leaseID
		result = append(result, *entry)
	}
	return result, nil
}

func (r *outboxRepositoryInMemory) MarkDelivered(_ context.Context, id, leaseID string, at time.Time) error {
	return r.updatePending(id, leaseID, func(entry *domain.OutboxEntry) {
		entry.Status = domain.OutboxDelivered
		entry.Attempts++
		entry.LastError = ""
		entry.DeliveredAt = at
		entry.UpdatedAt = at
	})
}

func (r *outboxRepositoryInMemory) MarkTerminal(_ context.Context, id, leaseID, reason string, at time.Time) error {
	return r.updatePending(id, leaseID, func(entry *domain.OutboxEntry) {
		entry.Status = domain.OutboxTerminal
		entry.Attempts++
		entry.LastError = reason
		entry.UpdatedAt = at
	})
}

func (r *outboxRepositoryInMemory) Reschedule(_ context.Context, id, leaseID string, attempts int, next time.Time, reason string, at time.Time) error {
	return r.updatePending(id, leaseID, func(entry *domain.OutboxEntry) {
		entry.Attempts = attempts
		entry.NextAttemptAt = next
		entry.LastError = reason
		entry.UpdatedAt = at
	})
}

// updatePending меняет только ожидающую запись: вытесненную или доставленную
// за время попытки запись диспетчер не трогает. Запись, переписанную Enqueue
// или забранную другим воркером, тоже.
func (r *outboxRepositoryInMemory) updatePending(id, leaseID string, mutate func(entry *domain.OutboxEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byID[id]
	if !ok {
		return domain.ErrOutboxNotFound
	}
	if entry.Status != domain.OutboxPending {
		return nil
	}
	if entry.LeaseID != leaseID {
		return domain.ErrOutboxLeaseLost
	}
	mutate(entry)
	entry.LeaseID = ""
	return nil
}

func (r *outboxRepositoryInMemory) Supersede(_ context.Context, keys []string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, key := range keys {
		id, ok := r.byKey[key]
		if !ok {
			continue
		}
		entry := r.byID[id]
		if entry.Status != domain.OutboxPending {
			continue
		}
		entry.Status = domain.OutboxSuperseded
		entry.UpdatedAt = at
		count++
	}
	return count, nil
}

func (r *outboxRepositoryInMemory) Get(_ context.Context, id string) (domain.OutboxEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byID[id]
	if !ok {
		return domain.OutboxEntry{}, domain.ErrOutboxNotFound
	}
	return *entry, nil
}

func (r *outboxRepositoryInMemory) GetByKey(ctx context.Context, key string) (domain.OutboxEntry, error) {
	r.mu.RLock()
	id, ok := r.byKey[key]
	r.mu.RUnlock()
	if !ok {
		return domain.OutboxEntry{}, domain.ErrOutboxNotFound
	}
	return r.Get(ctx, id)
}

// List возвращает записи по фильтру, старые первыми.
func (r *outboxRepositoryInMemory) List(_ context.Context, filter domain.OutboxFilter) ([]domain.OutboxEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.OutboxEntry, 0)
	for _, entry := range r.byID {
		if filter.Matches(*entry) {
			result = append(result, *entry)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Requeue возвращает запись в pending; доставленную запись вернуть нельзя.
func (r *outboxRepositoryInMemory) Requeue(_ context.Context, id string, at time.Time) (domain.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byID[id]
	if !ok {
		return domain.OutboxEntry{}, domain.ErrOutboxNotFound
	}
	if entry.Status == domain.OutboxDelivered {
		return domain.OutboxEntry{}, domain.ErrOutboxDelivered
	}
	entry.Status = domain.OutboxPending
	entry.LeaseID = ""
	entry.NextAttemptAt = at
	entry.UpdatedAt = at
	return *entry, nil
}

func (r *outboxRepositoryInMemory) Stats(context.Context) (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, entry := range r.byID {
		switch entry.Status {
		case domain.OutboxPending:
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || entry.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = entry.CreatedAt
			}
		case domain.OutboxTerminal:
			stats.TerminalCount++
		case domain.OutboxDelivered:
			stats.DeliveredCount++
		}
	}
	return stats, nil
}

func (r *outboxRepositoryInMemory) PurgeDelivered(_ context.Context, before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, entry := range r.byID {
		if limit > 0 && removed >= limit {
			break
		}
		if entry.Status != domain.OutboxDelivered && entry.Status != domain.OutboxSuperseded {
			continue
		}
		if !entry.UpdatedAt.Before(before) {
			continue
		}
		delete(r.byID, id)
		delete(r.byKey, entry.DedupeKey)
		removed++
	}
	return removed, nil
}

var _ domain.OutboxRepository = (*outboxRepositoryInMemory)(nil)
