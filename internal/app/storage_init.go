package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordering/internal/config"
	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/health"
	"github.com/vladislavdragonenkov/ordering/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordering/internal/storage/postgres"
)

// storage объединяет выбранное хранилище и его вспомогательные репозитории.
type storage struct {
	Store    domain.Store
	Outbox   domain.OutboxRepository
	Timeline domain.TimelineRepository
	Pinger   health.Pinger
	close    func() error
}

func (s *storage) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// openStorage открывает memory или postgres хранилище по конфигурации.
func openStorage(ctx context.Context, cfg *config.Config, logger *log.Entry) (*storage, error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		logger.WithField("storage", cfg.Storage).Info("postgres storage ready")
		return &storage{
			Store:    store,
			Outbox:   postgres.NewOutboxRepository(store),
			Timeline: postgres.NewTimelineRepository(store),
			Pinger:   store,
			close:    store.Close,
		}, nil
	default:
		store := memory.NewStore()
		logger.WithField("storage", cfg.Storage).Warn("using in-memory storage, state is lost on restart")
		return &storage{
			Store:    store,
			Outbox:   memory.NewOutboxRepository(),
			Timeline: memory.NewTimelineRepository(),
			Pinger:   store,
		}, nil
	}
}
