package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

type orderRepository struct {
	q querier
}

// Create вставляет заказ и его позиции. Вызывается внутри WithinTx,
// поэтому частично записанный заказ откатывается вместе с транзакцией.
func (r *orderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.q.QueryRowContext(ctx, `
		INSERT INTO orders (customer_id, total, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, order.CustomerID, order.Total, order.CreatedAt).Scan(&order.ID); err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}

	for i, line := range order.Lines {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO order_lines (
				order_id, line_no, product_id, product_name, unit_price, quantity
			) VALUES ($1,$2,$3,$4,$5,$6)
		`,
			order.ID, i+1, line.ProductID, line.ProductName, line.UnitPrice, line.Quantity,
		); err != nil {
			return domain.Order{}, fmt.Errorf("insert order line: %w", err)
		}
	}

	return order, nil
}

func (r *orderRepository) Get(ctx context.Context, id int64) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var order domain.Order
	err := r.q.QueryRowContext(ctx, `
		SELECT id, customer_id, total, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.CustomerID, &order.Total, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	lines, err := r.loadLines(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Lines = lines
	return order, nil
}

func (r *orderRepository) ListByCustomer(ctx context.Context, customerID int64, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT id, customer_id, total, created_at
		FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.q.QueryContext(ctx, query+" LIMIT $2", customerID, limit)
	} else {
		rows, err = r.q.QueryContext(ctx, query, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	orders := make([]domain.Order, 0)
	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(&order.ID, &order.CustomerID, &order.Total, &order.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	// Внутри транзакции соединение одно: позиции читаем после закрытия курсора.
	rows.Close()

	for i := range orders {
		lines, err := r.loadLines(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Lines = lines
	}
	return orders, nil
}

func (r *orderRepository) loadLines(ctx context.Context, orderID int64) ([]domain.OrderLine, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT product_id, product_name, unit_price, quantity
		FROM order_lines
		WHERE order_id = $1
		ORDER BY line_no
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order lines: %w", err)
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ProductID, &line.ProductName, &line.UnitPrice, &line.Quantity); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order lines: %w", err)
	}
	return lines, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
