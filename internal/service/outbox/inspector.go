package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

const defaultListLimit = 100

// Inspector даёт операционный доступ к outbox: просмотр, статистика и ручной возврат в очередь.
type Inspector struct {
	repo   domain.OutboxRepository
	logger *log.Entry
	now    func() time.Time
}

// NewInspector создаёт Inspector.
func NewInspector(repo domain.OutboxRepository, logger *log.Entry) *Inspector {
	if logger == nil {
		logger = log.WithField("component", "outbox-inspector")
	}
	return &Inspector{repo: repo, logger: logger, now: time.Now}
}

// List возвращает записи по фильтру; без лимита отдаёт не больше 100.
func (i *Inspector) List(ctx context.Context, filter domain.OutboxFilter) ([]domain.OutboxEntry, error) {
	switch filter.Status {
	case "", domain.OutboxPending, domain.OutboxDelivered, domain.OutboxTerminal, domain.OutboxSuperseded:
	default:
		return nil, domain.ValidationError(fmt.Errorf("unknown outbox status %q", filter.Status))
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	return i.repo.List(ctx, filter)
}

// Get возвращает запись по ID.
func (i *Inspector) Get(ctx context.Context, id string) (domain.OutboxEntry, error) {
	return i.repo.Get(ctx, id)
}

// Stats возвращает состояние backlog и обновляет метрики.
func (i *Inspector) Stats(ctx context.Context) (domain.OutboxStats, error) {
	stats, err := i.repo.Stats(ctx)
	if err != nil {
		return domain.OutboxStats{}, err
	}
	RecordBacklog(stats, i.now())
	return stats, nil
}

// Requeue делает запись доступной диспетчеру немедленно. Доставленные записи не возвращаются.
func (i *Inspector) Requeue(ctx context.Context, id string) (domain.OutboxEntry, error) {
	if id == "" {
		return domain.OutboxEntry{}, domain.ValidationError(errors.New("outbox id is required"))
	}
	entry, err := i.repo.Requeue(ctx, id, i.now().UTC())
	if err != nil {
		return domain.OutboxEntry{}, err
	}
	i.logger.WithFields(log.Fields{
		"outbox_id":  entry.ID,
		"dedupe_key": entry.DedupeKey,
	}).Info("outbox entry requeued")
	return entry, nil
}
