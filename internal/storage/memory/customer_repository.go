package memory

import (
	"context"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

type customerRepository struct {
	view view
}

func (r *customerRepository) Create(_ context.Context, customer domain.Customer) (domain.Customer, error) {
	err := r.view.write(func(st *state) error {
		if customer.ID == 0 {
			st.customerSeq++
			customer.ID = st.customerSeq
		} else if customer.ID > st.customerSeq {
			st.customerSeq = customer.ID
		}
		if _, exists := st.customers[customer.ID]; exists {
			return domain.ErrDuplicate
		}
		customer.Version = 1
		customer.UpdatedAt = r.view.now()
		st.customers[customer.ID] = customer
		return nil
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return customer, nil
}

func (r *customerRepository) Get(_ context.Context, id int64) (domain.Customer, error) {
	var customer domain.Customer
	err := r.view.read(func(st *state) error {
		c, ok := st.customers[id]
		if !ok {
			return domain.ErrCustomerNotFound
		}
		customer = c
		return nil
	})
	return customer, err
}

// Lock в памяти равносилен Get: транзакция Store и так держит эксклюзивную блокировку.
func (r *customerRepository) Lock(ctx context.Context, id int64) (domain.Customer, error) {
	return r.Get(ctx, id)
}

// Save перезаписывает клиента, проверяя версию (optimistic locking).
func (r *customerRepository) Save(_ context.Context, customer domain.Customer) (domain.Customer, error) {
	err := r.view.write(func(st *state) error {
		current, ok := st.customers[customer.ID]
		if !ok {
			return domain.ErrCustomerNotFound
		}
		if current.Version != customer.Version {
			return domain.ErrVersionMismatch
		}
		customer.Version++
		customer.UpdatedAt = r.view.now()
		st.customers[customer.ID] = customer
		return nil
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return customer, nil
}

var _ domain.CustomerRepository = (*customerRepository)(nil)
