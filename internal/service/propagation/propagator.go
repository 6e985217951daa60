package propagation

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/metrics"
)

// Options задаёт зависимости Propagator.
type Options struct {
	Logger      *log.Entry
	Metrics     *metrics.PlacementMetrics
	DeadLetters domain.DeadLetterPublisher
	// RetryDelay: через сколько запись outbox станет доступна диспетчеру.
	RetryDelay time.Duration
	Now        func() time.Time
}

// Option настраивает Propagator.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics включает метрики результатов доставки.
func WithMetrics(m *metrics.PlacementMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithDeadLetters задаёт publisher для отклонённых фактов.
func WithDeadLetters(publisher domain.DeadLetterPublisher) Option {
	return func(opts *Options) {
		opts.DeadLetters = publisher
	}
}

// WithRetryDelay задаёт задержку первой повторной попытки.
func WithRetryDelay(delay time.Duration) Option {
	return func(opts *Options) {
		opts.RetryDelay = delay
	}
}

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// Propagator доносит факт синхронно, а при неудаче кладёт его в outbox.
// Ошибки доставки никогда не возвращаются вызывающему как ошибка операции.
type Propagator struct {
	client      domain.DownstreamClient
	outbox      domain.OutboxRepository
	deadLetters domain.DeadLetterPublisher
	logger      *log.Entry
	metrics     *metrics.PlacementMetrics
	retryDelay  time.Duration
	now         func() time.Time
}

// New создаёт Propagator.
func New(client domain.DownstreamClient, outbox domain.OutboxRepository, options ...Option) *Propagator {
	var opts Options
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "propagator")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Propagator{
		client:      client,
		outbox:      outbox,
		deadLetters: opts.DeadLetters,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		retryDelay:  opts.RetryDelay,
		now:         opts.Now,
	}
}

// Propagate выполняет синхронную попытку и фиксирует результат в outbox:
//   - Delivered: ожидающие записи с тем же ключом (и устаревшие ими) вытесняются;
//   - Unavailable: факт ставится в очередь на повтор (upsert по ключу);
//   - Rejected: сохраняется terminal-запись для разбора.
func (p *Propagator) Propagate(ctx context.Context, fact domain.Fact) domain.DeliveryResult {
	result := p.client.Deliver(ctx, fact)
	if p.metrics != nil {
		p.metrics.RecordPropagation(string(fact.Target()), string(result.Outcome))
	}

	// запись в outbox не должна теряться из-за ушедшего вызывающего
	ctx = context.WithoutCancel(ctx)
	now := p.now().UTC()
	logger := p.logger.WithFields(log.Fields{
		"dedupe_key": fact.DedupeKey(),
		"target":     string(fact.Target()),
		"outcome":    string(result.Outcome),
	})

	switch result.Outcome {
	case domain.Delivered:
		superseded, err := p.outbox.Supersede(ctx, fact.Supersedes(), now)
		if err != nil {
			logger.WithError(err).Warn("failed to supersede outbox entries")
		} else if superseded > 0 {
			logger.WithField("superseded", superseded).Info("pending outbox entries superseded")
		}

	case domain.Rejected:
		entry := domain.NewOutboxEntry(fact, result.Reason(), now, now)
		entry.Status = domain.OutboxTerminal
		stored, err := p.outbox.Enqueue(ctx, entry)
		if err != nil {
			logger.WithError(err).Error("failed to record rejected fact")
			return result
		}
		logger.WithError(result.Err).Error("fact rejected, recorded as terminal")
		if p.deadLetters != nil {
			if err := p.deadLetters.PublishDeadLetter(ctx, stored); err != nil {
				logger.WithError(err).Warn("failed to publish rejected fact to dead letter topic")
			}
		}

	default:
		entry := domain.NewOutboxEntry(fact, result.Reason(), now.Add(p.retryDelay), now)
		stored, err := p.outbox.Enqueue(ctx, entry)
		if err != nil {
			logger.WithError(err).Error("failed to enqueue fact into outbox")
			return result
		}
		logger.WithFields(log.Fields{
			"outbox_id": stored.ID,
			"attempt":   stored.Attempts,
		}).Warn("fact queued for redelivery")
	}
	return result
}
