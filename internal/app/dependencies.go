package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordering/internal/config"
	"github.com/vladislavdragonenkov/ordering/internal/downstream"
	"github.com/vladislavdragonenkov/ordering/internal/metrics"
	"github.com/vladislavdragonenkov/ordering/internal/service/basket"
	"github.com/vladislavdragonenkov/ordering/internal/service/catalog"
	"github.com/vladislavdragonenkov/ordering/internal/service/customer"
	"github.com/vladislavdragonenkov/ordering/internal/service/customerlock"
	"github.com/vladislavdragonenkov/ordering/internal/service/ordering"
	"github.com/vladislavdragonenkov/ordering/internal/service/outbox"
	"github.com/vladislavdragonenkov/ordering/internal/service/propagation"
)

const tokenNamespace = "ordering:tokens"

// Dependencies содержит все компоненты процесса.
type Dependencies struct {
	Storage    *storage
	Downstream *downstream.Client
	Propagator *propagation.Propagator

	Ledger       *catalog.Ledger
	Baskets      *basket.Service
	Customers    *customer.Service
	Orchestrator *ordering.Orchestrator

	Dispatcher *outbox.Dispatcher
	Retention  *outbox.RetentionWorker
	Inspector  *outbox.Inspector

	Kafka  *kafkaComponents
	Logger *log.Entry

	redis *redis.Client
}

// NewDependencies создаёт и связывает компоненты по конфигурации.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps := &Dependencies{Storage: store, Logger: logger}

	deps.Kafka = initKafkaProducer(cfg, logger)

	tokenStore, err := deps.tokenStore(ctx, cfg)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}
	for _, target := range cfg.Targets {
		if target.BaseURL == "" {
			logger.WithField("target", string(target.Target)).
				Warn("downstream base url is not set, facts for this target will wait in outbox")
		}
	}
	deps.Downstream = downstream.NewClient(cfg.Targets,
		downstream.WithLogger(logger.WithField("component", "downstream-client")),
		downstream.WithTokenStore(tokenStore),
		downstream.WithTokenSafetyMargin(cfg.TokenSafetyMargin),
	)

	placementMetrics := metrics.NewPlacementMetrics()
	deadLetters := deps.Kafka.deadLetters()

	deps.Propagator = propagation.New(deps.Downstream, store.Outbox,
		propagation.WithLogger(logger.WithField("component", "propagator")),
		propagation.WithMetrics(placementMetrics),
		propagation.WithDeadLetters(deadLetters),
	)

	locks := customerlock.New()
	deps.Ledger = catalog.NewLedger(store.Store, logger.WithField("component", "stock-ledger"))
	deps.Baskets = basket.NewService(store.Store, locks, logger.WithField("component", "basket"))
	deps.Customers = customer.NewService(store.Store, deps.Propagator, locks, logger.WithField("component", "customer"))
	deps.Orchestrator = newOrchestrator(cfg, deps, locks, placementMetrics)

	deps.Dispatcher = outbox.NewDispatcher(store.Outbox, deps.Downstream,
		outbox.WithLogger(logger.WithField("component", "outbox-dispatcher")),
		outbox.WithDeadLetters(deadLetters),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithWorkers(cfg.OutboxWorkers),
		outbox.WithLease(cfg.OutboxLease),
		outbox.WithBackoff(cfg.OutboxBackoffBase, cfg.OutboxBackoffMax),
	)
	deps.Retention = outbox.NewRetentionWorker(store.Outbox,
		outbox.WithRetentionLogger(logger.WithField("component", "outbox-retention")),
		outbox.WithRetention(cfg.OutboxRetention),
	)
	deps.Inspector = outbox.NewInspector(store.Outbox, logger.WithField("component", "outbox-inspector"))

	return deps, nil
}

// tokenStore выбирает общий кэш токенов в Redis или локальный в памяти.
func (d *Dependencies) tokenStore(ctx context.Context, cfg *config.Config) (downstream.TokenStore, error) {
	if cfg.RedisAddr == "" {
		return downstream.NewMemoryTokenStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	d.redis = client
	d.Logger.WithField("addr", cfg.RedisAddr).Info("redis token cache connected")
	return downstream.NewRedisTokenStore(client, tokenNamespace), nil
}

// Close освобождает соединения в обратном порядке создания.
func (d *Dependencies) Close() error {
	var errs []error
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	closeKafka(d.Kafka, d.Logger)
	if err := d.Storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}
