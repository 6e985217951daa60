package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const clientID = "ordering-service"

// Producer публикует события сервиса синхронно: SendMessage возвращается после подтверждения всех реплик.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// newProducerConfig собирает настройки idempotent producer.
func newProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Retry.Backoff = 200 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

// NewProducer подключается к брокерам.
func NewProducer(brokers []string, logger *log.Entry) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka producer: no brokers configured")
	}
	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{producer: producer, logger: logger}, nil
}

// PublishEvent кодирует событие в JSON, тип события уходит в заголовок x-event-type.
func (p *Producer) PublishEvent(topic, key string, eventType EventType, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return p.send(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(eventType)},
		},
		Timestamp: time.Now(),
	})
}

func (p *Producer) send(msg *sarama.ProducerMessage) error {
	logger := p.logger.WithField("topic", msg.Topic)
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.WithError(err).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", msg.Topic, err)
	}
	logger.WithFields(log.Fields{
		"partition": partition,
		"offset":    offset,
	}).Debug("kafka message sent")
	return nil
}

// Close дожидается отправки буфера и закрывает соединения.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
