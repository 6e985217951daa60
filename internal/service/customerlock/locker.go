package customerlock

import (
	"context"
	"sync"
)

// Locker — мьютекс с ключом по клиенту. Операции одного клиента идут по очереди,
// разные клиенты не мешают друг другу. Записи удаляются, когда ими никто не пользуется.
type Locker struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

type entry struct {
	// sem: семафор ёмкости 1, чтобы ожидание можно было прервать через ctx.
	sem  chan struct{}
	refs int
}

// New создаёт пустой Locker.
func New() *Locker {
	return &Locker{entries: make(map[int64]*entry)}
}

// Lock захватывает блокировку клиента. Возвращает функцию освобождения
// или ctx.Err(), если ожидание прервано.
func (l *Locker) Lock(ctx context.Context, customerID int64) (func(), error) {
	e := l.acquire(customerID)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(customerID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(customerID, e)
		})
	}, nil
}

// Len возвращает число клиентов, для которых сейчас есть запись.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker) acquire(customerID int64) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[customerID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[customerID] = e
	}
	e.refs++
	return e
}

func (l *Locker) release(customerID int64, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, customerID)
	}
}
