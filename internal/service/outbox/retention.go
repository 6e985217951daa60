package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

const (
	defaultRetentionInterval  = time.Hour
	defaultRetention          = 30 * 24 * time.Hour
	defaultRetentionBatchSize = 500
)

var (
	outboxRetentionRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordering_outbox_retention_runs_total",
		Help: "Total number of outbox retention runs grouped by result.",
	}, []string{"result"})
	outboxRetentionDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordering_outbox_retention_deleted_total",
		Help: "Total number of purged delivered or superseded outbox entries.",
	})
)

// RetentionOptions задаёт параметры очистки outbox.
type RetentionOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	Retention time.Duration
	BatchSize int
	Now       func() time.Time
}

// RetentionOption настраивает RetentionWorker.
type RetentionOption func(*RetentionOptions)

// WithRetentionLogger задаёт logger для воркера.
func WithRetentionLogger(logger *log.Entry) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Logger = logger
	}
}

// WithRetentionInterval задаёт интервал между запусками.
func WithRetentionInterval(interval time.Duration) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Interval = interval
	}
}

// WithRetention задаёт, сколько хранить доставленные записи.
func WithRetention(retention time.Duration) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Retention = retention
	}
}

// WithRetentionBatchSize задаёт размер одного удаления.
func WithRetentionBatchSize(batchSize int) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.BatchSize = batchSize
	}
}

// RetentionWorker периодически удаляет доставленные и вытесненные записи старше Retention.
// pending и terminal записи не трогает.
type RetentionWorker struct {
	repo      domain.OutboxRepository
	logger    *log.Entry
	interval  time.Duration
	retention time.Duration
	batchSize int
	now       func() time.Time
}

// NewRetentionWorker создаёт воркер очистки outbox.
func NewRetentionWorker(repo domain.OutboxRepository, options ...RetentionOption) *RetentionWorker {
	opts := RetentionOptions{
		Interval:  defaultRetentionInterval,
		Retention: defaultRetention,
		BatchSize: defaultRetentionBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-retention")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultRetentionInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultRetentionBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &RetentionWorker{
		repo:      repo,
		logger:    logger,
		interval:  opts.Interval,
		retention: opts.Retention,
		batchSize: opts.BatchSize,
		now:       opts.Now,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("outbox retention worker is disabled: repo is nil")
		return
	}

	w.cleanup(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *RetentionWorker) cleanup(ctx context.Context) {
	deleted, err := w.Purge(ctx, w.now().UTC().Add(-w.retention))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		outboxRetentionRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("outbox retention run failed")
		return
	}

	outboxRetentionRunsTotal.WithLabelValues("ok").Inc()
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("outbox retention completed")
	}
}

// Purge удаляет записи, обновлённые раньше before, порциями batchSize.
func (w *RetentionWorker) Purge(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := w.repo.PurgeDelivered(ctx, before, w.batchSize)
		if err != nil {
			return total, err
		}

		total += deleted
		if deleted > 0 {
			outboxRetentionDeletedTotal.Add(float64(deleted))
		}
		if deleted < w.batchSize {
			break
		}
	}
	return total, nil
}
