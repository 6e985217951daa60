package domain

import "context"

// DownstreamClient доносит факт до внешнего сервиса и возвращает трёхзначный результат.
type DownstreamClient interface {
	Deliver(ctx context.Context, fact Fact) DeliveryResult
}

// OrderEventPublisher публикует событие об оформленном заказе в брокер.
type OrderEventPublisher interface {
	PublishOrderPlaced(ctx context.Context, order Order) error
}

// DeadLetterPublisher копирует отклонённые факты во внешнюю очередь для разбора.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, entry OutboxEntry) error
}

// CircuitReporter отдаёт снимки предохранителей для health и инспекции.
type CircuitReporter interface {
	Circuits() []CircuitState
}
