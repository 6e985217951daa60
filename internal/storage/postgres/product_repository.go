package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

type productRepository struct {
	q querier
}

func (r *productRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var err error
	if product.ID == 0 {
		err = r.q.QueryRowContext(ctx, `
			INSERT INTO products (name, price, quantity, updated_at)
			VALUES ($1, $2, $3, NOW())
			RETURNING id, updated_at
		`, product.Name, product.Price, product.Quantity).Scan(&product.ID, &product.UpdatedAt)
	} else {
		err = r.q.QueryRowContext(ctx, `
			INSERT INTO products (id, name, price, quantity, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			RETURNING updated_at
		`, product.ID, product.Name, product.Price, product.Quantity).Scan(&product.UpdatedAt)
		if err == nil {
			// Явный ID не двигает BIGSERIAL; подтягиваем последовательность.
			_, err = r.q.ExecContext(ctx, `
				SELECT setval(pg_get_serial_sequence('products', 'id'), (SELECT MAX(id) FROM products))
			`)
		}
	}
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Product{}, domain.ErrDuplicate
		}
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return product, nil
}

func (r *productRepository) Get(ctx context.Context, id int64) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var p domain.Product
	err := r.q.QueryRowContext(ctx, `
		SELECT id, name, price, quantity, updated_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Price, &p.Quantity, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	return p, nil
}

func (r *productRepository) GetMany(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, name, price, quantity, updated_at
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Quantity, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return result, nil
}

func (r *productRepository) List(ctx context.Context) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, name, price, quantity, updated_at
		FROM products
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Quantity, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

// DecrementStock выполняет условный UPDATE: остаток уменьшается, только если его хватает
// на момент записи, независимо от того, что было прочитано раньше.
func (r *productRepository) DecrementStock(ctx context.Context, id int64, qty int) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE products
		SET quantity = quantity - $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND quantity >= $2
	`, id, qty)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	exists, err := r.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrProductNotFound
	}
	return fmt.Errorf("product %d: %w", id, domain.ErrStockRace)
}

func (r *productRepository) AdjustStock(ctx context.Context, id int64, delta int) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var p domain.Product
	err := r.q.QueryRowContext(ctx, `
		UPDATE products
		SET quantity = quantity + $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND quantity + $2 >= 0
		RETURNING id, name, price, quantity, updated_at
	`, id, delta).Scan(&p.ID, &p.Name, &p.Price, &p.Quantity, &p.UpdatedAt)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, fmt.Errorf("adjust stock: %w", err)
	}

	exists, err := r.exists(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if !exists {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return domain.Product{}, domain.NewInsufficientStockError(id)
}

func (r *productRepository) exists(ctx context.Context, id int64) (bool, error) {
	var found int64
	err := r.q.QueryRowContext(ctx, `SELECT id FROM products WHERE id = $1`, id).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check product exists: %w", err)
}

var _ domain.ProductRepository = (*productRepository)(nil)
