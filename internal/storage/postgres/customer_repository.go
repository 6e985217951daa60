package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

const customerColumns = `id, auth_id, name, email, address, active, can_purchase, version, updated_at`

type customerRepository struct {
	q querier
}

func scanCustomer(row interface{ Scan(dest ...any) error }) (domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.AuthID, &c.Name, &c.Email, &c.Address, &c.Active, &c.CanPurchase, &c.Version, &c.UpdatedAt)
	return c, err
}

func (r *customerRepository) Create(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		created domain.Customer
		err     error
	)
	if customer.ID == 0 {
		created, err = scanCustomer(r.q.QueryRowContext(ctx, `
			INSERT INTO customers (auth_id, name, email, address, active, can_purchase, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 1, NOW())
			RETURNING `+customerColumns,
			customer.AuthID, customer.Name, customer.Email, customer.Address, customer.Active, customer.CanPurchase,
		))
	} else {
		created, err = scanCustomer(r.q.QueryRowContext(ctx, `
			INSERT INTO customers (id, auth_id, name, email, address, active, can_purchase, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, NOW())
			RETURNING `+customerColumns,
			customer.ID, customer.AuthID, customer.Name, customer.Email, customer.Address, customer.Active, customer.CanPurchase,
		))
		if err == nil {
			_, err = r.q.ExecContext(ctx, `
				SELECT setval(pg_get_serial_sequence('customers', 'id'), (SELECT MAX(id) FROM customers))
			`)
		}
	}
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Customer{}, domain.ErrDuplicate
		}
		return domain.Customer{}, fmt.Errorf("insert customer: %w", err)
	}
	return created, nil
}

func (r *customerRepository) Get(ctx context.Context, id int64) (domain.Customer, error) {
	return r.selectOne(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
}

// Lock держит блокировку строки клиента до конца транзакции, сериализуя
// оформление заказов одного клиента между репликами.
func (r *customerRepository) Lock(ctx context.Context, id int64) (domain.Customer, error) {
	return r.selectOne(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1 FOR UPDATE`, id)
}

func (r *customerRepository) selectOne(ctx context.Context, query string, id int64) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	c, err := scanCustomer(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Customer{}, domain.ErrCustomerNotFound
		}
		return domain.Customer{}, fmt.Errorf("select customer: %w", err)
	}
	return c, nil
}

// Save перезаписывает профиль, проверяя версию (optimistic locking).
func (r *customerRepository) Save(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	saved, err := scanCustomer(r.q.QueryRowContext(ctx, `
		UPDATE customers
		SET auth_id = $1,
		    name = $2,
		    email = $3,
		    address = $4,
		    active = $5,
		    can_purchase = $6,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $7
		  AND version = $8
		RETURNING `+customerColumns,
		customer.AuthID, customer.Name, customer.Email, customer.Address,
		customer.Active, customer.CanPurchase, customer.ID, customer.Version,
	))
	if err == nil {
		return saved, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Customer{}, fmt.Errorf("update customer: %w", err)
	}

	if _, getErr := r.Get(ctx, customer.ID); getErr != nil {
		return domain.Customer{}, getErr
	}
	return domain.Customer{}, domain.ErrVersionMismatch
}

var _ domain.CustomerRepository = (*customerRepository)(nil)
