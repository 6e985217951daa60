package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
	defaultWorkers      = 1
	defaultLease        = time.Minute
	defaultBackoffBase  = 10 * time.Second
	defaultMaxBackoff   = time.Hour
)

var (
	outboxDispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordering_outbox_dispatch_attempts_total",
		Help: "Total number of outbox redelivery attempts grouped by target and outcome.",
	}, []string{"target", "outcome"})
	outboxDispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ordering_outbox_dispatch_duration_seconds",
		Help:    "Duration of one dispatcher cycle.",
		Buckets: prometheus.DefBuckets,
	})
	outboxBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ordering_outbox_entries",
		Help: "Current number of outbox entries grouped by status.",
	}, []string{"status"})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ordering_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox entry.",
	})
)

// DispatcherOptions задаёт параметры диспетчера outbox.
type DispatcherOptions struct {
	Logger       *log.Entry
	DeadLetters  domain.DeadLetterPublisher
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	Lease        time.Duration
	BackoffBase  time.Duration
	MaxBackoff   time.Duration
	Now          func() time.Time
}

// Option настраивает Dispatcher.
type Option func(*DispatcherOptions)

// WithLogger задаёт logger для диспетчера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *DispatcherOptions) {
		opts.Logger = logger
	}
}

// WithDeadLetters задаёт publisher, куда копируются отклонённые факты.
func WithDeadLetters(publisher domain.DeadLetterPublisher) Option {
	return func(opts *DispatcherOptions) {
		opts.DeadLetters = publisher
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *DispatcherOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт число записей, забираемых за цикл.
func WithBatchSize(batchSize int) Option {
	return func(opts *DispatcherOptions) {
		opts.BatchSize = batchSize
	}
}

// WithWorkers задаёт число параллельных доставок внутри цикла.
func WithWorkers(workers int) Option {
	return func(opts *DispatcherOptions) {
		opts.Workers = workers
	}
}

// WithLease задаёт, на сколько забранная запись скрывается от других диспетчеров.
func WithLease(lease time.Duration) Option {
	return func(opts *DispatcherOptions) {
		opts.Lease = lease
	}
}

// WithBackoff задаёт базу и потолок экспоненциальной паузы между попытками.
func WithBackoff(base, max time.Duration) Option {
	return func(opts *DispatcherOptions) {
		opts.BackoffBase = base
		opts.MaxBackoff = max
	}
}

// WithClock подменяет часы (для тестов).
func WithClock(now func() time.Time) Option {
	return func(opts *DispatcherOptions) {
		opts.Now = now
	}
}

// Dispatcher повторно доставляет факты из outbox. Ограничения на число попыток нет:
// запись остаётся pending, пока сервис не примет или не отклонит факт.
type Dispatcher struct {
	repo         domain.OutboxRepository
	client       domain.DownstreamClient
	deadLetters  domain.DeadLetterPublisher
	logger       *log.Entry
	pollInterval time.Duration
	batchSize    int
	workers      int
	lease        time.Duration
	backoffBase  time.Duration
	maxBackoff   time.Duration
	now          func() time.Time
}

// NewDispatcher создаёт диспетчер outbox.
func NewDispatcher(repo domain.OutboxRepository, client domain.DownstreamClient, options ...Option) *Dispatcher {
	opts := DispatcherOptions{
		PollInterval: defaultPollInterval,
		BatchSize:    defaultBatchSize,
		Workers:      defaultWorkers,
		Lease:        defaultLease,
		BackoffBase:  defaultBackoffBase,
		MaxBackoff:   defaultMaxBackoff,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-dispatcher")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.BackoffBase < 0 {
		opts.BackoffBase = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Dispatcher{
		repo:         repo,
		client:       client,
		deadLetters:  opts.DeadLetters,
		logger:       logger,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		workers:      opts.Workers,
		lease:        opts.Lease,
		backoffBase:  opts.BackoffBase,
		maxBackoff:   opts.MaxBackoff,
		now:          opts.Now,
	}
}

// Run запускает периодический опрос outbox до отмены ctx.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.repo == nil || d.client == nil {
		d.logger.Warn("outbox dispatcher is disabled: repo or client is nil")
		return
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один цикл и возвращает число обработанных записей.
func (d *Dispatcher) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	start := time.Now()
	defer func() {
		outboxDispatchDuration.Observe(time.Since(start).Seconds())
	}()

	entries, err := d.repo.ClaimDue(ctx, d.now().UTC(), d.batchSize, d.lease)
	if err != nil {
		d.logger.WithError(err).Warn("failed to claim due outbox entries")
		return 0
	}

	var g errgroup.Group
	g.SetLimit(d.workers)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			d.dispatch(ctx, entry)
			return nil
		})
	}
	_ = g.Wait()

	d.refreshBacklogMetrics(ctx)
	return len(entries)
}

func (d *Dispatcher) dispatch(ctx context.Context, entry domain.OutboxEntry) {
	logger := d.logger.WithFields(log.Fields{
		"outbox_id":  entry.ID,
		"dedupe_key": entry.DedupeKey,
		"target":     string(entry.Target),
		"attempt":    entry.Attempts + 1,
	})

	result := d.client.Deliver(ctx, entry.Fact())
	outboxDispatchAttempts.WithLabelValues(string(entry.Target), string(result.Outcome)).Inc()

	// статус записи фиксируется даже если цикл прерван
	writeCtx := context.WithoutCancel(ctx)
	now := d.now().UTC()

	switch result.Outcome {
	case domain.Delivered:
		if err := d.repo.MarkDelivered(writeCtx, entry.ID, entry.LeaseID, now); err != nil {
			logWriteFailure(logger, err, "failed to mark outbox entry as delivered")
			return
		}
		logger.Info("outbox entry delivered")

	case domain.Rejected:
		if err := d.repo.MarkTerminal(writeCtx, entry.ID, entry.LeaseID, result.Reason(), now); err != nil {
			logWriteFailure(logger, err, "failed to mark outbox entry as terminal")
			return
		}
		logger.WithError(result.Err).Error("outbox entry rejected by downstream service")
		d.publishDeadLetter(writeCtx, entry, result, now, logger)

	default:
		next := now.Add(Backoff(d.backoffBase, d.maxBackoff, entry.Attempts))
		if err := d.repo.Reschedule(writeCtx, entry.ID, entry.LeaseID, entry.Attempts+1, next, result.Reason(), now); err != nil {
			logWriteFailure(logger, err, "failed to reschedule outbox entry")
			return
		}
		logger.WithError(result.Err).WithField("next_attempt_at", next).Warn("outbox entry rescheduled")
	}
}

// logWriteFailure логирует неудачную запись статуса; при потерянной аренде запись остаётся pending.
func logWriteFailure(logger *log.Entry, err error, msg string) {
	if errors.Is(err, domain.ErrOutboxLeaseLost) {
		logger.Info("outbox entry was updated during delivery, leaving it pending")
		return
	}
	logger.WithError(err).Warn(msg)
}

func (d *Dispatcher) publishDeadLetter(ctx context.Context, entry domain.OutboxEntry, result domain.DeliveryResult, now time.Time, logger *log.Entry) {
	if d.deadLetters == nil {
		return
	}
	entry.Status = domain.OutboxTerminal
	entry.Attempts++
	entry.LastError = result.Reason()
	entry.UpdatedAt = now
	if err := d.deadLetters.PublishDeadLetter(ctx, entry); err != nil {
		logger.WithError(err).Warn("failed to publish outbox entry to dead letter topic")
	}
}

func (d *Dispatcher) refreshBacklogMetrics(ctx context.Context) {
	stats, err := d.repo.Stats(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	RecordBacklog(stats, d.now())
}

// RecordBacklog обновляет gauges backlog по снимку статистики.
func RecordBacklog(stats domain.OutboxStats, now time.Time) {
	outboxBacklog.WithLabelValues(string(domain.OutboxPending)).Set(float64(stats.PendingCount))
	outboxBacklog.WithLabelValues(string(domain.OutboxTerminal)).Set(float64(stats.TerminalCount))
	outboxBacklog.WithLabelValues(string(domain.OutboxDelivered)).Set(float64(stats.DeliveredCount))

	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}
	age := now.Sub(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	outboxOldestPendingAge.Set(age)
}
