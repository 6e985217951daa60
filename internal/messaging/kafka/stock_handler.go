package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

// StockRestocker применяет корректировку остатка.
type StockRestocker interface {
	Restock(ctx context.Context, productID int64, delta int) (domain.Product, error)
}

// NewStockAdjustmentHandler возвращает обработчик ordering.stock.adjustments.
// Некорректные сообщения и бизнес-отказы сразу уходят в DLQ, сбои хранилища повторяются.
func NewStockAdjustmentHandler(ledger StockRestocker, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "stock-adjustments")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParseStockAdjustment(message)
		if err != nil {
			return Permanent(err)
		}
		if event.ProductID <= 0 {
			return Permanent(errors.New("stock adjustment without product_id"))
		}

		product, err := ledger.Restock(ctx, event.ProductID, event.Delta)
		if err != nil {
			err = fmt.Errorf("restock product %d: %w", event.ProductID, err)
			if domain.KindOf(err) != domain.KindInternal {
				return Permanent(err)
			}
			return err
		}

		logger.WithFields(log.Fields{
			"event_id":   event.EventID,
			"product_id": product.ID,
			"delta":      event.Delta,
			"quantity":   product.Quantity,
		}).Debug("stock adjustment message applied")
		return nil
	}
}
