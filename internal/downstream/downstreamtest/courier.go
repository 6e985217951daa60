// Package downstreamtest содержит управляемую заглушку DownstreamClient для тестов.
package downstreamtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

// Courier реализует domain.DownstreamClient по заранее заданным ответам.
// Результат задаётся на сервис; по умолчанию всё доставляется.
type Courier struct {
	mu       sync.Mutex
	outcomes map[domain.Target]domain.DeliveryOutcome
	calls    []domain.Fact
}

// NewCourier возвращает заглушку с успешным сценарием по умолчанию.
func NewCourier() *Courier {
	return &Courier{outcomes: make(map[domain.Target]domain.DeliveryOutcome)}
}

// SetOutcome задаёт результат для всех последующих вызовов к сервису.
func (c *Courier) SetOutcome(target domain.Target, outcome domain.DeliveryOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[target] = outcome
}

// Deliver возвращает настроенный результат и запоминает факт.
func (c *Courier) Deliver(ctx context.Context, fact domain.Fact) domain.DeliveryResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, fact)
	if err := ctx.Err(); err != nil {
		return domain.DeliveryResult{Outcome: domain.Unavailable, Attempts: 1, Err: fmt.Errorf("%w: %w", domain.ErrDownstreamUnavailable, err)}
	}

	outcome, ok := c.outcomes[fact.Target()]
	if !ok {
		outcome = domain.Delivered
	}
	result := domain.DeliveryResult{Outcome: outcome, Attempts: 1}
	switch outcome {
	case domain.Rejected:
		result.StatusCode = 400
		result.Err = fmt.Errorf("%w: %s responded 400", domain.ErrDownstreamRejected, fact.Target())
	case domain.Unavailable:
		result.StatusCode = 503
		result.Err = fmt.Errorf("%w: %s responded 503", domain.ErrDownstreamUnavailable, fact.Target())
	default:
		result.StatusCode = 200
	}
	return result
}

// Calls возвращает копию всех переданных фактов.
func (c *Courier) Calls() []domain.Fact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Fact(nil), c.calls...)
}

// CallsFor возвращает факты, адресованные одному сервису.
func (c *Courier) CallsFor(target domain.Target) []domain.Fact {
	c.mu.Lock()
	defer c.mu.Unlock()
	var facts []domain.Fact
	for _, fact := range c.calls {
		if fact.Target() == target {
			facts = append(facts, fact)
		}
	}
	return facts
}

var _ domain.DownstreamClient = (*Courier)(nil)
