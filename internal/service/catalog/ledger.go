package catalog

import (
	"context"
	"fmt"

	validation "github.com/jellydator/validation"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

// NewProduct описывает новый товар.
type NewProduct struct {
	ID       int64
	Name     string
	Price    decimal.Decimal
	Quantity int
}

// Validate проверяет карточку товара.
func (p NewProduct) Validate() error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.Name,
			validation.Required.Error("name is required"),
			validation.Length(1, 255).Error("name must be between 1 and 255 characters"),
		),
		validation.Field(&p.Price, validation.By(nonNegativePrice)),
		validation.Field(&p.Quantity, validation.Min(0).Error("quantity must not be negative")),
	)
	return domain.ValidationError(err)
}

func nonNegativePrice(value any) error {
	price, _ := value.(decimal.Decimal)
	if price.IsNegative() {
		return validation.NewError("validation_price_negative", "price must not be negative")
	}
	return nil
}

// Ledger — складской учёт: заведение товаров и корректировка остатков.
// Списание под заказ выполняет оркестратор внутри своей транзакции.
type Ledger struct {
	store  domain.Store
	logger *log.Entry
}

// NewLedger создаёт Ledger поверх хранилища.
func NewLedger(store domain.Store, logger *log.Entry) *Ledger {
	if logger == nil {
		logger = log.WithField("component", "stock-ledger")
	}
	return &Ledger{store: store, logger: logger}
}

// AddProduct заводит товар с начальным остатком.
func (l *Ledger) AddProduct(ctx context.Context, input NewProduct) (domain.Product, error) {
	if err := input.Validate(); err != nil {
		return domain.Product{}, err
	}

	product, err := l.store.Repositories().Products.Create(ctx, domain.Product{
		ID:       input.ID,
		Name:     input.Name,
		Price:    input.Price,
		Quantity: input.Quantity,
	})
	if err != nil {
		return domain.Product{}, domain.AsConflict(fmt.Errorf("create product: %w", err))
	}

	l.logger.WithFields(log.Fields{
		"product_id": product.ID,
		"quantity":   product.Quantity,
	}).Info("product added")
	return product, nil
}

// Product возвращает товар с текущим остатком.
func (l *Ledger) Product(ctx context.Context, id int64) (domain.Product, error) {
	return l.store.Repositories().Products.Get(ctx, id)
}

// Products возвращает все товары по возрастанию ID.
func (l *Ledger) Products(ctx context.Context) ([]domain.Product, error) {
	return l.store.Repositories().Products.List(ctx)
}

// Restock применяет корректировку остатка, пришедшую от складского сервиса.
// Отрицательная delta допускается, но остаток не может уйти ниже нуля.
func (l *Ledger) Restock(ctx context.Context, productID int64, delta int) (domain.Product, error) {
	if productID <= 0 {
		return domain.Product{}, domain.ErrProductRequired
	}
	if delta == 0 {
		return l.Product(ctx, productID)
	}

	product, err := l.store.Repositories().Products.AdjustStock(ctx, productID, delta)
	if err != nil {
		return domain.Product{}, domain.AsConflict(fmt.Errorf("adjust stock of product %d: %w", productID, err))
	}

	l.logger.WithFields(log.Fields{
		"product_id": productID,
		"delta":      delta,
		"quantity":   product.Quantity,
	}).Info("stock adjusted")
	return product, nil
}
