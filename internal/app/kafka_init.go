package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordering/internal/config"
	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ordering/internal/service/catalog"
)

// kafkaComponents держит producer и построенные на нём паблишеры.
type kafkaComponents struct {
	producer    *kafka.Producer
	orderEvents *kafka.OrderEventPublisher
	rejected    *kafka.OutboxTopicPublisher
}

// initKafkaProducer инициализирует Kafka producer, если заданы brokers.
// Возвращает nil, если brokers пустой или брокер недоступен: сервис работает без событий.
func initKafkaProducer(cfg *config.Config, logger *log.Entry) *kafkaComponents {
	if len(cfg.KafkaBrokers) == 0 {
		return nil
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil
	}

	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
	return &kafkaComponents{
		producer:    producer,
		orderEvents: kafka.NewOrderEventPublisher(producer, cfg.KafkaOrderEventsTopic),
		rejected:    kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic),
	}
}

func (k *kafkaComponents) events() domain.OrderEventPublisher {
	if k == nil {
		return nil
	}
	return k.orderEvents
}

func (k *kafkaComponents) deadLetters() domain.DeadLetterPublisher {
	if k == nil {
		return nil
	}
	return k.rejected
}

// newStockConsumer подписывает Stock Ledger на корректировки остатков от staff-product.
func newStockConsumer(cfg *config.Config, k *kafkaComponents, ledger *catalog.Ledger, logger *log.Entry) (*kafka.Consumer, error) {
	if k == nil {
		return nil, nil
	}
	return kafka.NewConsumer(
		cfg.KafkaBrokers,
		cfg.KafkaConsumerGroup,
		[]string{cfg.KafkaStockTopic},
		kafka.NewStockAdjustmentHandler(ledger, logger.WithField("component", "stock-consumer")),
		kafka.WithConsumerLogger(logger.WithField("component", "kafka-consumer")),
		kafka.WithDLQ(k.producer, cfg.KafkaDLQTopic),
	)
}

// closeKafka закрывает Kafka producer, если он создан.
func closeKafka(k *kafkaComponents, logger *log.Entry) {
	if k == nil {
		return
	}

	if err := k.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
