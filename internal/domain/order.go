package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlacementState описывает шаг оформления заказа.
type PlacementState string

const (
	PlacementValidating PlacementState = "validating"
	PlacementReserving  PlacementState = "reserving"
	PlacementCommitting PlacementState = "committing"
	PlacementNotifying  PlacementState = "notifying"
	PlacementDone       PlacementState = "done"
	PlacementRejected   PlacementState = "rejected"
)

// IsTerminal сообщает, завершён ли автомат.
func (s PlacementState) IsTerminal() bool {
	return s == PlacementDone || s == PlacementRejected
}

// OrderLine — неизменяемый снимок позиции на момент коммита.
type OrderLine struct {
	ProductID   int64
	ProductName string
	UnitPrice   decimal.Decimal
	Quantity    int
}

// LineTotal возвращает quantity × unit price.
func (l OrderLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Order — оформленный заказ. После создания не изменяется.
type Order struct {
	ID         int64
	CustomerID int64
	CreatedAt  time.Time
	Lines      []OrderLine
	Total      decimal.Decimal
}

// NewOrder собирает заказ из позиций и считает итог на стороне сервера.
// Идентификатор присваивает хранилище.
func NewOrder(customerID int64, lines []OrderLine, createdAt time.Time) Order {
	return Order{
		CustomerID: customerID,
		CreatedAt:  createdAt.UTC(),
		Lines:      lines,
		Total:      SumLines(lines),
	}
}

// SumLines считает Σ(quantity × unit price).
func SumLines(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.LineTotal())
	}
	return total
}

// ProductIDs возвращает идентификаторы товаров заказа в порядке позиций.
func (o Order) ProductIDs() []int64 {
	ids := make([]int64, 0, len(o.Lines))
	for _, line := range o.Lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID <= 0 {
		errs = append(errs, ErrCustomerRequired)
	}
	if len(o.Lines) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	for _, line := range o.Lines {
		if line.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if line.UnitPrice.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}
	if !o.Total.Equal(SumLines(o.Lines)) {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
