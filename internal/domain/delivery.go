package domain

import "time"

// DeliveryOutcome — итог попытки донести факт до внешнего сервиса.
type DeliveryOutcome string

const (
	// Delivered — сервис подтвердил приём.
	Delivered DeliveryOutcome = "delivered"
	// Rejected — ошибка на нашей стороне (некорректный запрос, отказ в доступе); повторять нельзя.
	Rejected DeliveryOutcome = "rejected"
	// Unavailable — временный сбой или открытый circuit; факт уходит в outbox.
	Unavailable DeliveryOutcome = "unavailable"
)

// DeliveryResult — трёхзначный результат с причиной.
type DeliveryResult struct {
	Outcome    DeliveryOutcome
	StatusCode int
	Attempts   int
	Err        error
}

// Reason возвращает текст ошибки для записи в outbox.
func (r DeliveryResult) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// CircuitStatus — состояние предохранителя.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half-open"
)

// CircuitState — снимок предохранителя одного сервиса.
type CircuitState struct {
	Target              Target
	Status              CircuitStatus
	ConsecutiveFailures int
	WindowStart         time.Time
	OpenUntil           time.Time
}
