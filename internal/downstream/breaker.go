package downstream

import (
	"sync"
	"time"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

// Breaker — circuit breaker одного внешнего сервиса.
//
// Неудачей считается исчерпанная последовательность попыток, а не отдельный запрос.
// FailureThreshold неудач подряд в пределах FailureWindow открывают circuit на OpenDuration.
// После этого ровно один вызов проходит как пробный: успех закрывает circuit,
// неудача открывает его снова. Все переходы выполняются под одним мьютексом.
type Breaker struct {
	mu sync.Mutex

	target    domain.Target
	threshold int
	window    time.Duration
	openFor   time.Duration
	now       func() time.Time
	onChange  func(domain.Target, domain.CircuitStatus)

	status      domain.CircuitStatus
	failures    int
	windowStart time.Time
	openUntil   time.Time
	probing     bool
}

// NewBreaker создаёт закрытый circuit breaker. now == nil означает time.Now.
func NewBreaker(target domain.Target, threshold int, window, openFor time.Duration, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		target:    target,
		threshold: threshold,
		window:    window,
		openFor:   openFor,
		now:       now,
		status:    domain.CircuitClosed,
	}
}

// Allow решает, можно ли выполнить вызов. probe=true означает, что вызывающий
// стал пробным запросом и обязан сообщить результат через Success, Failure или Release.
func (b *Breaker) Allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case domain.CircuitOpen:
		if b.now().Before(b.openUntil) {
			return false, domain.ErrCircuitOpen
		}
		b.setStatus(domain.CircuitHalfOpen)
		b.probing = true
		return true, nil
	case domain.CircuitHalfOpen:
		if b.probing {
			return false, domain.ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	default:
		return false, nil
	}
}

// Success фиксирует удачный вызов и сбрасывает счётчик неудач.
func (b *Breaker) Success(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case probe && b.status == domain.CircuitHalfOpen:
		b.probing = false
		b.failures = 0
		b.windowStart = time.Time{}
		b.setStatus(domain.CircuitClosed)
	case b.status == domain.CircuitClosed:
		b.failures = 0
		b.windowStart = time.Time{}
	}
}

// Failure фиксирует исчерпанную последовательность попыток.
func (b *Breaker) Failure(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch {
	case probe && b.status == domain.CircuitHalfOpen:
		b.probing = false
		b.open(now)
	case b.status == domain.CircuitClosed:
		if b.failures == 0 || now.Sub(b.windowStart) > b.window {
			b.windowStart = now
			b.failures = 0
		}
		b.failures++
		if b.failures >= b.threshold {
			b.open(now)
		}
	}
	// Запросы, начатые до открытия circuit, на состояние уже не влияют.
}

// Release освобождает пробный слот без учёта результата (вызывающий отменил запрос).
func (b *Breaker) Release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == domain.CircuitHalfOpen {
		b.probing = false
	}
}

// State возвращает снимок состояния.
func (b *Breaker) State() domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := b.status
	if status == domain.CircuitOpen && !b.now().Before(b.openUntil) {
		// окно истекло, следующий вызов станет пробным
		status = domain.CircuitHalfOpen
	}
	return domain.CircuitState{
		Target:              b.target,
		Status:              status,
		ConsecutiveFailures: b.failures,
		WindowStart:         b.windowStart,
		OpenUntil:           b.openUntil,
	}
}

func (b *Breaker) open(now time.Time) {
	b.openUntil = now.Add(b.openFor)
	b.setStatus(domain.CircuitOpen)
}

func (b *Breaker) setStatus(status domain.CircuitStatus) {
	if b.status == status {
		return
	}
	b.status = status
	if b.onChange != nil {
		b.onChange(b.target, status)
	}
}
