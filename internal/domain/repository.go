package domain

import (
	"context"
	"time"
)

// ProductRepository — складской учёт.
type ProductRepository interface {
	// Create сохраняет товар; нулевой ID назначается хранилищем.
	Create(ctx context.Context, product Product) (Product, error)
	// Get возвращает товар или ErrProductNotFound.
	Get(ctx context.Context, id int64) (Product, error)
	// GetMany возвращает найденные товары; отсутствующие просто не попадают в map.
	GetMany(ctx context.Context, ids []int64) (map[int64]Product, error)
	List(ctx context.Context) ([]Product, error)
	// DecrementStock уменьшает остаток только если его хватает (compare-and-decrement).
	// При нехватке возвращает ErrStockRace, для неизвестного товара ErrProductNotFound.
	DecrementStock(ctx context.Context, id int64, qty int) error
	// AdjustStock прибавляет delta к остатку; результат не может стать отрицательным.
	AdjustStock(ctx context.Context, id int64, delta int) (Product, error)
}

// BasketRepository — строки корзин.
type BasketRepository interface {
	// Lines возвращает строки клиента в порядке добавления.
	Lines(ctx context.Context, customerID int64) ([]BasketLine, error)
	// Upsert вставляет строку или обновляет количество, сохраняя исходную позицию.
	Upsert(ctx context.Context, line BasketLine) error
	// Remove идемпотентно удаляет строку.
	Remove(ctx context.Context, customerID, productID int64) error
	// Clear удаляет перечисленные строки; пустой список очищает всю корзину.
	Clear(ctx context.Context, customerID int64, productIDs []int64) error
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет заказ вместе с позициями и назначает идентификатор.
	Create(ctx context.Context, order Order) (Order, error)
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id int64) (Order, error)
	// ListByCustomer возвращает заказы клиента, новые первыми; limit<=0 снимает ограничение.
	ListByCustomer(ctx context.Context, customerID int64, limit int) ([]Order, error)
}

// CustomerRepository — клиенты.
type CustomerRepository interface {
	Create(ctx context.Context, customer Customer) (Customer, error)
	Get(ctx context.Context, id int64) (Customer, error)
	// Lock читает клиента с блокировкой строки до конца транзакции.
	Lock(ctx context.Context, id int64) (Customer, error)
	// Save сохраняет изменения, если Version совпадает с хранимой; иначе ErrVersionMismatch.
	Save(ctx context.Context, customer Customer) (Customer, error)
}

// Repositories — набор репозиториев одной единицы работы.
type Repositories struct {
	Products  ProductRepository
	Baskets   BasketRepository
	Orders    OrderRepository
	Customers CustomerRepository
}

// Store даёт доступ к репозиториям вне и внутри транзакции.
type Store interface {
	Repositories() Repositories
	// WithinTx выполняет fn атомарно: либо все изменения видны, либо ни одно.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Repositories) error) error
}

// OutboxRepository — компенсационный outbox.
type OutboxRepository interface {
	// Enqueue вставляет запись или обновляет существующую с тем же DedupeKey.
	// Для ожидающей записи attempts увеличивается, payload заменяется более свежим.
	// Если запись уже забрана, NextAttemptAt не становится раньше конца lease.
	Enqueue(ctx context.Context, entry OutboxEntry) (OutboxEntry, error)
	// ClaimDue забирает до limit ожидающих записей с NextAttemptAt <= now, старые первыми,
	// сдвигает их NextAttemptAt на lease, чтобы другие воркеры их не взяли,
	// и выдаёт новый LeaseID.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]OutboxEntry, error)
	// MarkDelivered, MarkTerminal и Reschedule меняют только запись в pending.
	// Если её LeaseID уже не равен leaseID, возвращается ErrOutboxLeaseLost.
	MarkDelivered(ctx context.Context, id, leaseID string, at time.Time) error
	MarkTerminal(ctx context.Context, id, leaseID, reason string, at time.Time) error
	Reschedule(ctx context.Context, id, leaseID string, attempts int, next time.Time, reason string, at time.Time) error
	// Supersede помечает ожидающие записи с указанными ключами как superseded.
	Supersede(ctx context.Context, keys []string, at time.Time) (int, error)
	Get(ctx context.Context, id string) (OutboxEntry, error)
	GetByKey(ctx context.Context, key string) (OutboxEntry, error)
	List(ctx context.Context, filter OutboxFilter) ([]OutboxEntry, error)
	// Requeue возвращает запись в pending с немедленной доступностью.
	Requeue(ctx context.Context, id string, at time.Time) (OutboxEntry, error)
	Stats(ctx context.Context) (OutboxStats, error)
	// PurgeDelivered удаляет доставленные и вытесненные записи старше before.
	PurgeDelivered(ctx context.Context, before time.Time, limit int) (int, error)
}

// TimelineRepository хранит события оформления заказов.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	ListByCustomer(ctx context.Context, customerID int64) ([]TimelineEvent, error)
}
