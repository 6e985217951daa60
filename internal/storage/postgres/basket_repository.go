package postgres

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

type basketRepository struct {
	q querier
}

func (r *basketRepository) Lines(ctx context.Context, customerID int64) ([]domain.BasketLine, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		SELECT customer_id, product_id, quantity, position, added_at
		FROM basket_lines
		WHERE customer_id = $1
		ORDER BY position
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("select basket lines: %w", err)
	}
	defer rows.Close()

	lines := make([]domain.BasketLine, 0)
	for rows.Next() {
		var line domain.BasketLine
		if err := rows.Scan(&line.CustomerID, &line.ProductID, &line.Quantity, &line.Position, &line.AddedAt); err != nil {
			return nil, fmt.Errorf("scan basket line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate basket lines: %w", err)
	}
	return lines, nil
}

// Upsert при конфликте меняет только количество: position остаётся прежней.
func (r *basketRepository) Upsert(ctx context.Context, line domain.BasketLine) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO basket_lines (customer_id, product_id, quantity, added_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (customer_id, product_id)
		DO UPDATE SET quantity = EXCLUDED.quantity
	`, line.CustomerID, line.ProductID, line.Quantity); err != nil {
		return fmt.Errorf("upsert basket line: %w", err)
	}
	return nil
}

func (r *basketRepository) Remove(ctx context.Context, customerID, productID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `
		DELETE FROM basket_lines WHERE customer_id = $1 AND product_id = $2
	`, customerID, productID); err != nil {
		return fmt.Errorf("delete basket line: %w", err)
	}
	return nil
}

func (r *basketRepository) Clear(ctx context.Context, customerID int64, productIDs []int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var err error
	if len(productIDs) == 0 {
		_, err = r.q.ExecContext(ctx, `DELETE FROM basket_lines WHERE customer_id = $1`, customerID)
	} else {
		_, err = r.q.ExecContext(ctx, `
			DELETE FROM basket_lines WHERE customer_id = $1 AND product_id = ANY($2)
		`, customerID, productIDs)
	}
	if err != nil {
		return fmt.Errorf("clear basket: %w", err)
	}
	return nil
}

var _ domain.BasketRepository = (*basketRepository)(nil)
