package domain

import "time"

// OutboxStatus — состояние записи компенсационного outbox.
type OutboxStatus string

const (
	// OutboxPending — ждёт доставки; диспетчер забирает её после NextAttemptAt.
	OutboxPending OutboxStatus = "pending"
	// OutboxDelivered — доставлено, хранится для аудита.
	OutboxDelivered OutboxStatus = "delivered"
	// OutboxTerminal — сервис отклонил факт; нужна ручная проверка.
	OutboxTerminal OutboxStatus = "terminal"
	// OutboxSuperseded — более свежий факт с тем же ключом доставлен напрямую.
	OutboxSuperseded OutboxStatus = "superseded"
)

// OutboxEntry — факт, который не удалось доставить синхронно.
type OutboxEntry struct {
	ID            string
	DedupeKey     string
	Kind          FactKind
	Subject       string
	SubjectID     int64
	Target        Target
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeliveredAt   time.Time
	// LeaseID выдаёт ClaimDue; пустой у записи, которую ещё никто не забрал.
	// Повторный Enqueue сбрасывает его, и завершить старую попытку уже нельзя.
	LeaseID string
}

// Fact восстанавливает факт для повторной доставки.
func (e OutboxEntry) Fact() Fact {
	return Fact{Kind: e.Kind, Subject: e.Subject, SubjectID: e.SubjectID, Payload: e.Payload}
}

// NewOutboxEntry готовит запись после неудачной синхронной попытки (attempts=1).
func NewOutboxEntry(fact Fact, lastErr string, nextAttemptAt, now time.Time) OutboxEntry {
	return OutboxEntry{
		DedupeKey:     fact.DedupeKey(),
		Kind:          fact.Kind,
		Subject:       fact.Subject,
		SubjectID:     fact.SubjectID,
		Target:        fact.Target(),
		Payload:       fact.Payload,
		Status:        OutboxPending,
		Attempts:      1,
		NextAttemptAt: nextAttemptAt.UTC(),
		LastError:     lastErr,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}

// OutboxFilter ограничивает выборку для инспекции.
type OutboxFilter struct {
	Status OutboxStatus
	Target Target
	Limit  int
}

// Matches проверяет запись на соответствие фильтру (пустые поля не ограничивают).
func (f OutboxFilter) Matches(e OutboxEntry) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Target != "" && e.Target != f.Target {
		return false
	}
	return true
}

// OutboxStats описывает текущее состояние backlog.
type OutboxStats struct {
	PendingCount    int
	TerminalCount   int
	DeliveredCount  int
	OldestPendingAt time.Time
}
