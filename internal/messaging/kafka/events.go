package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

// EventType определяет тип события
type EventType string

const (
	EventTypeOrderPlaced   EventType = "order.placed"
	EventTypeStockAdjusted EventType = "stock.adjusted"
	EventTypeFactRejected  EventType = "fact.rejected"
)

// Topics для Kafka
const (
	TopicOrderEvents      = "ordering.order.events"
	TopicStockAdjustments = "ordering.stock.adjustments"
	TopicDeadLetterQueue  = "ordering.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// OrderPlacedEvent публикуется после коммита заказа.
type OrderPlacedEvent struct {
	EventID    string           `json:"event_id"`
	EventType  EventType        `json:"event_type"`
	OrderID    int64            `json:"order_id"`
	CustomerID int64            `json:"customer_id"`
	Total      string           `json:"total"`
	Items      []OrderEventItem `json:"items"`
	PlacedAt   time.Time        `json:"placed_at"`
	Timestamp  time.Time        `json:"timestamp"`
}

type OrderEventItem struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

// NewOrderPlacedEvent создает событие по оформленному заказу
func NewOrderPlacedEvent(order domain.Order) *OrderPlacedEvent {
	items := make([]OrderEventItem, 0, len(order.Lines))
	for _, line := range order.Lines {
		items = append(items, OrderEventItem{
			ProductID: line.ProductID,
			Name:      line.ProductName,
			UnitPrice: line.UnitPrice.StringFixed(2),
			Quantity:  line.Quantity,
		})
	}
	return &OrderPlacedEvent{
		EventID:    uuid.NewString(),
		EventType:  EventTypeOrderPlaced,
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Total:      order.Total.StringFixed(2),
		Items:      items,
		PlacedAt:   order.CreatedAt,
		Timestamp:  time.Now().UTC(),
	}
}

// StockAdjustment приходит от staff-product, когда склад пополняется или списывается вручную.
type StockAdjustment struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	ProductID int64     `json:"product_id"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseStockAdjustment парсит StockAdjustment из сообщения
func ParseStockAdjustment(message *sarama.ConsumerMessage) (*StockAdjustment, error) {
	var event StockAdjustment
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stock adjustment: %w", err)
	}
	return &event, nil
}

// ParseOrderPlacedEvent парсит OrderPlacedEvent из сообщения
func ParseOrderPlacedEvent(message *sarama.ConsumerMessage) (*OrderPlacedEvent, error) {
	var event OrderPlacedEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order placed event: %w", err)
	}
	return &event, nil
}
