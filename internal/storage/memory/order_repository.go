package memory

import (
	"context"
	"slices"
	"sort"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

// orderRepository хранит заказы в общем состоянии Store.
type orderRepository struct {
	view view
}

// Create назначает заказу идентификатор и сохраняет его.
func (r *orderRepository) Create(_ context.Context, order domain.Order) (domain.Order, error) {
	err := r.view.write(func(st *state) error {
		st.orderSeq++
		order.ID = st.orderSeq
		// Позиции копируются, чтобы вызывающий не мог изменить сохранённый заказ.
		order.Lines = slices.Clone(order.Lines)
		st.orders[order.ID] = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepository) Get(_ context.Context, id int64) (domain.Order, error) {
	var order domain.Order
	err := r.view.read(func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return domain.ErrOrderNotFound
		}
		order = o
		return nil
	})
	return order, err
}

// ListByCustomer возвращает заказы клиента, ограничивая выборку limit (если >0).
func (r *orderRepository) ListByCustomer(_ context.Context, customerID int64, limit int) ([]domain.Order, error) {
	var result []domain.Order
	err := r.view.read(func(st *state) error {
		result = make([]domain.Order, 0)
		for _, order := range st.orders {
			if order.CustomerID == customerID {
				result = append(result, order)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
