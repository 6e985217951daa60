package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

type productRepository struct {
	view view
}

// Create сохраняет товар; если ID не задан, берётся следующий из последовательности.
func (r *productRepository) Create(_ context.Context, product domain.Product) (domain.Product, error) {
	err := r.view.write(func(st *state) error {
		if product.ID == 0 {
			st.productSeq++
			product.ID = st.productSeq
		} else if product.ID > st.productSeq {
			st.productSeq = product.ID
		}
		if _, exists := st.products[product.ID]; exists {
			return domain.ErrDuplicate
		}
		product.UpdatedAt = r.view.now()
		st.products[product.ID] = product
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (r *productRepository) Get(_ context.Context, id int64) (domain.Product, error) {
	var product domain.Product
	err := r.view.read(func(st *state) error {
		p, ok := st.products[id]
		if !ok {
			return domain.ErrProductNotFound
		}
		product = p
		return nil
	})
	return product, err
}

func (r *productRepository) GetMany(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	err := r.view.read(func(st *state) error {
		for _, id := range ids {
			if p, ok := st.products[id]; ok {
				result[id] = p
			}
		}
		return nil
	})
	return result, err
}

func (r *productRepository) List(_ context.Context) ([]domain.Product, error) {
	var products []domain.Product
	err := r.view.read(func(st *state) error {
		products = make([]domain.Product, 0, len(st.products))
		for _, p := range st.products {
			products = append(products, p)
		}
		return nil
	})
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, err
}

// DecrementStock перечитывает остаток под блокировкой и уменьшает его только при достаточном запасе.
func (r *productRepository) DecrementStock(_ context.Context, id int64, qty int) error {
	return r.view.write(func(st *state) error {
		p, ok := st.products[id]
		if !ok {
			return domain.ErrProductNotFound
		}
		if !p.HasStock(qty) {
			return fmt.Errorf("product %d: %w", id, domain.ErrStockRace)
		}
		p.Quantity -= qty
		p.UpdatedAt = r.view.now()
		st.products[id] = p
		return nil
	})
}

func (r *productRepository) AdjustStock(_ context.Context, id int64, delta int) (domain.Product, error) {
	var product domain.Product
	err := r.view.write(func(st *state) error {
		p, ok := st.products[id]
		if !ok {
			return domain.ErrProductNotFound
		}
		if p.Quantity+delta < 0 {
			return domain.NewInsufficientStockError(id)
		}
		p.Quantity += delta
		p.UpdatedAt = r.view.now()
		st.products[id] = p
		product = p
		return nil
	})
	return product, err
}

var _ domain.ProductRepository = (*productRepository)(nil)
