package kafka

import (
	"context"
	"errors"
	"strconv"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

// OrderEventPublisher публикует order.placed, ключом сообщения служит id заказа.
type OrderEventPublisher struct {
	producer *Producer
	topic    string
}

// NewOrderEventPublisher создаёт publisher событий заказа.
func NewOrderEventPublisher(producer *Producer, topic string) *OrderEventPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OrderEventPublisher{producer: producer, topic: topic}
}

func (p *OrderEventPublisher) PublishOrderPlaced(ctx context.Context, order domain.Order) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka order publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.producer.PublishEvent(p.topic, strconv.FormatInt(order.ID, 10), EventTypeOrderPlaced, NewOrderPlacedEvent(order))
}

var _ domain.OrderEventPublisher = (*OrderEventPublisher)(nil)
