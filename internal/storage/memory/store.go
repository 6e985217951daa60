package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

// state содержит всё транзакционное состояние in-memory хранилища.
type state struct {
	products  map[int64]domain.Product
	baskets   map[int64]map[int64]domain.BasketLine
	orders    map[int64]domain.Order
	customers map[int64]domain.Customer

	productSeq  int64
	orderSeq    int64
	customerSeq int64
	positionSeq int64
}

func newState() *state {
	return &state{
		products:  make(map[int64]domain.Product),
		baskets:   make(map[int64]map[int64]domain.BasketLine),
		orders:    make(map[int64]domain.Order),
		customers: make(map[int64]domain.Customer),
	}
}

// clone делает копию для транзакции. Заказы неизменяемы, поэтому их срезы позиций разделяются.
func (s *state) clone() *state {
	c := &state{
		products:    maps.Clone(s.products),
		baskets:     make(map[int64]map[int64]domain.BasketLine, len(s.baskets)),
		orders:      maps.Clone(s.orders),
		customers:   maps.Clone(s.customers),
		productSeq:  s.productSeq,
		orderSeq:    s.orderSeq,
		customerSeq: s.customerSeq,
		positionSeq: s.positionSeq,
	}
	for customerID, lines := range s.baskets {
		c.baskets[customerID] = maps.Clone(lines)
	}
	return c
}

// Store — in-memory реализация domain.Store для локальной разработки и тестов.
// Транзакция держит эксклюзивную блокировку и работает с копией состояния,
// которая подменяет оригинал только при успешном завершении.
type Store struct {
	mu    sync.RWMutex
	state *state
	now   func() time.Time
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{state: newState(), now: func() time.Time { return time.Now().UTC() }}
}

// Repositories возвращает репозитории, каждая операция которых атомарна сама по себе.
// Их нельзя вызывать изнутри WithinTx: используйте репозитории, переданные в fn.
func (s *Store) Repositories() domain.Repositories {
	return s.repositories(view{store: s})
}

// WithinTx выполняет fn над копией состояния и применяет её, если fn не вернула ошибку.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(ctx, s.repositories(view{store: s, staged: staged})); err != nil {
		return err
	}
	s.state = staged
	return nil
}

// Ping всегда успешен; нужен для единообразных health-проверок.
func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) repositories(v view) domain.Repositories {
	return domain.Repositories{
		Products:  &productRepository{view: v},
		Baskets:   &basketRepository{view: v},
		Orders:    &orderRepository{view: v},
		Customers: &customerRepository{view: v},
	}
}

// view направляет операции либо в staged-копию транзакции, либо в общее состояние под мьютексом.
type view struct {
	store  *Store
	staged *state
}

func (v view) read(fn func(st *state) error) error {
	if v.staged != nil {
		return fn(v.staged)
	}
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	return fn(v.store.state)
}

func (v view) write(fn func(st *state) error) error {
	if v.staged != nil {
		return fn(v.staged)
	}
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	return fn(v.store.state)
}

func (v view) now() time.Time {
	return v.store.now()
}

var _ domain.Store = (*Store)(nil)
