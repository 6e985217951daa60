package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

// OutboxTopicPublisher копирует отклонённые записи outbox в DLQ topic для ручного разбора.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер отклонённых фактов.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

type rejectedFact struct {
	EventType  EventType       `json:"event_type"`
	OutboxID   string          `json:"outbox_id"`
	DedupeKey  string          `json:"dedupe_key"`
	Kind       string          `json:"kind"`
	Target     string          `json:"target"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error"`
	Payload    json.RawMessage `json:"payload"`
	RejectedAt time.Time       `json:"rejected_at"`
}

// PublishDeadLetter отправляет запись с ключом dedupe_key.
func (p *OutboxTopicPublisher) PublishDeadLetter(ctx context.Context, entry domain.OutboxEntry) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka outbox publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(rejectedFact{
		EventType:  EventTypeFactRejected,
		OutboxID:   entry.ID,
		DedupeKey:  entry.DedupeKey,
		Kind:       string(entry.Kind),
		Target:     string(entry.Target),
		Attempts:   entry.Attempts,
		LastError:  entry.LastError,
		Payload:    json.RawMessage(entry.Payload),
		RejectedAt: entry.UpdatedAt,
	})
	if err != nil {
		return err
	}

	return p.producer.send(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(entry.DedupeKey),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(EventTypeFactRejected)},
			{Key: []byte(HeaderErrorMessage), Value: []byte(entry.LastError)},
			{Key: []byte(HeaderFailedAt), Value: []byte(entry.UpdatedAt.UTC().Format(time.RFC3339))},
		},
		Timestamp: time.Now(),
	})
}

var _ domain.DeadLetterPublisher = (*OutboxTopicPublisher)(nil)
