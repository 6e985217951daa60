package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/service/catalog"
	"github.com/vladislavdragonenkov/ordering/internal/storage/memory"
)

func TestStockAdjustmentHandler(t *testing.T) {
	ctx := context.Background()
	ledger := catalog.NewLedger(memory.NewStore(), nil)
	product, err := ledger.AddProduct(ctx, catalog.NewProduct{Name: "A", Price: decimal.RequireFromString("1.99"), Quantity: 2})
	if err != nil {
		t.Fatalf("add product: %v", err)
	}
	handler := NewStockAdjustmentHandler(ledger, nil)

	restock := &sarama.ConsumerMessage{Value: []byte(`{"event_type":"stock.adjusted","product_id":1,"delta":8}`)}
	if err := handler(ctx, restock); err != nil {
		t.Fatalf("restock: %v", err)
	}
	current, err := ledger.Product(ctx, product.ID)
	if err != nil {
		t.Fatalf("product: %v", err)
	}
	if current.Quantity != 10 {
		t.Fatalf("expected quantity 10, got %d", current.Quantity)
	}

	cases := map[string]string{
		"malformed":       `{`,
		"missing product": `{"delta":1}`,
		"unknown product": `{"product_id":99,"delta":1}`,
		"negative result": `{"product_id":1,"delta":-11}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			err := handler(ctx, &sarama.ConsumerMessage{Value: []byte(body)})
			if !IsPermanent(err) {
				t.Fatalf("expected permanent error, got %v", err)
			}
		})
	}
}

func TestStockAdjustmentHandlerRetriesStorageFailures(t *testing.T) {
	handler := NewStockAdjustmentHandler(failingRestocker{}, nil)
	err := handler(context.Background(), &sarama.ConsumerMessage{Value: []byte(`{"product_id":1,"delta":1}`)})
	if err == nil || IsPermanent(err) {
		t.Fatalf("storage failure must be retryable, got %v", err)
	}
}

type failingRestocker struct{}

func (failingRestocker) Restock(context.Context, int64, int) (domain.Product, error) {
	return domain.Product{}, errors.New("connection reset")
}
