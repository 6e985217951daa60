package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product — запись складского учёта. Товары не удаляются, меняется только остаток.
type Product struct {
	ID        int64
	Name      string
	Price     decimal.Decimal
	Quantity  int
	UpdatedAt time.Time
}

// HasStock сообщает, покрывает ли остаток запрошенное количество.
func (p Product) HasStock(qty int) bool {
	return qty <= p.Quantity
}

// BasketLine — строка корзины; пара (CustomerID, ProductID) уникальна.
type BasketLine struct {
	CustomerID int64
	ProductID  int64
	Quantity   int
	// Position — монотонный порядковый номер вставки, задаёт порядок строк.
	Position int64
	AddedAt  time.Time
}

// BasketItem — строка корзины вместе с актуальными названием и ценой товара.
type BasketItem struct {
	ProductID int64
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// LineTotal возвращает стоимость строки по текущей цене.
func (i BasketItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Basket — снимок корзины в порядке добавления строк.
type Basket struct {
	CustomerID int64
	Items      []BasketItem
}

// Total — сумма строк по живым ценам; окончательная сумма фиксируется в заказе.
func (b Basket) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range b.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// IsEmpty сообщает, пуста ли корзина.
func (b Basket) IsEmpty() bool {
	return len(b.Items) == 0
}
