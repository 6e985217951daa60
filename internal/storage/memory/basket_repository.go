package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

type basketRepository struct {
	view view
}

// Lines возвращает строки клиента по возрастанию позиции вставки.
func (r *basketRepository) Lines(_ context.Context, customerID int64) ([]domain.BasketLine, error) {
	var lines []domain.BasketLine
	err := r.view.read(func(st *state) error {
		basket := st.baskets[customerID]
		lines = make([]domain.BasketLine, 0, len(basket))
		for _, line := range basket {
			lines = append(lines, line)
		}
		return nil
	})
	sort.Slice(lines, func(i, j int) bool { return lines[i].Position < lines[j].Position })
	return lines, err
}

// Upsert обновляет количество существующей строки или добавляет новую в конец.
func (r *basketRepository) Upsert(_ context.Context, line domain.BasketLine) error {
	return r.view.write(func(st *state) error {
		basket, ok := st.baskets[line.CustomerID]
		if !ok {
			basket = make(map[int64]domain.BasketLine)
			st.baskets[line.CustomerID] = basket
		}
		if existing, ok := basket[line.ProductID]; ok {
			existing.Quantity = line.Quantity
			basket[line.ProductID] = existing
			return nil
		}
		st.positionSeq++
		line.Position = st.positionSeq
		if line.AddedAt.IsZero() {
			line.AddedAt = r.view.now()
		}
		basket[line.ProductID] = line
		return nil
	})
}

func (r *basketRepository) Remove(_ context.Context, customerID, productID int64) error {
	return r.view.write(func(st *state) error {
		basket, ok := st.baskets[customerID]
		if !ok {
			return nil
		}
		delete(basket, productID)
		if len(basket) == 0 {
			delete(st.baskets, customerID)
		}
		return nil
	})
}

func (r *basketRepository) Clear(_ context.Context, customerID int64, productIDs []int64) error {
	return r.view.write(func(st *state) error {
		basket, ok := st.baskets[customerID]
		if !ok {
			return nil
		}
		if len(productIDs) == 0 {
			delete(st.baskets, customerID)
			return nil
		}
		for _, productID := range productIDs {
			delete(basket, productID)
		}
		if len(basket) == 0 {
			delete(st.baskets, customerID)
		}
		return nil
	})
}

var _ domain.BasketRepository = (*basketRepository)(nil)
