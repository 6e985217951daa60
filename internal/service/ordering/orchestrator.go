package ordering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/metrics"
	"github.com/vladislavdragonenkov/ordering/internal/service/basket"
	"github.com/vladislavdragonenkov/ordering/internal/service/customerlock"
)

const (
	tracerName           = "github.com/vladislavdragonenkov/ordering/internal/service/ordering"
	defaultNotifyTimeout = 15 * time.Second
)

// FactPropagator доносит факт до внешнего сервиса; неудачи уходят в outbox.
type FactPropagator interface {
	Propagate(ctx context.Context, fact domain.Fact) domain.DeliveryResult
}

// Options задаёт опциональные зависимости оркестратора.
type Options struct {
	Logger        *log.Entry
	Metrics       *metrics.PlacementMetrics
	Timeline      domain.TimelineRepository
	Events        domain.OrderEventPublisher
	Locks         *customerlock.Locker
	NotifyTimeout time.Duration
	Now           func() time.Time
}

// Option настраивает Orchestrator.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics включает метрики оформления.
func WithMetrics(m *metrics.PlacementMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithTimeline включает запись хронологии оформления.
func WithTimeline(timeline domain.TimelineRepository) Option {
	return func(opts *Options) {
		opts.Timeline = timeline
	}
}

// WithEvents задаёт publisher события order.placed.
func WithEvents(events domain.OrderEventPublisher) Option {
	return func(opts *Options) {
		opts.Events = events
	}
}

// WithLocks задаёт общий с корзиной Locker.
func WithLocks(locks *customerlock.Locker) Option {
	return func(opts *Options) {
		opts.Locks = locks
	}
}

// WithNotifyTimeout ограничивает время рассылки фактов после коммита.
func WithNotifyTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.NotifyTimeout = timeout
	}
}

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// Orchestrator превращает корзину в заказ:
// Validating → Reserving → Committing → Notifying → Done.
// Ошибка на первых трёх шагах переводит оформление в Rejected.
type Orchestrator struct {
	store         domain.Store
	propagator    FactPropagator
	locks         *customerlock.Locker
	timeline      domain.TimelineRepository
	events        domain.OrderEventPublisher
	metrics       *metrics.PlacementMetrics
	logger        *log.Entry
	notifyTimeout time.Duration
	now           func() time.Time
}

// NewOrchestrator создаёт оркестратор оформления заказов.
func NewOrchestrator(store domain.Store, propagator FactPropagator, options ...Option) *Orchestrator {
	opts := Options{NotifyTimeout: defaultNotifyTimeout}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "ordering")
	}
	if opts.Locks == nil {
		opts.Locks = customerlock.New()
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:         store,
		propagator:    propagator,
		locks:         opts.Locks,
		timeline:      opts.Timeline,
		events:        opts.Events,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		notifyTimeout: opts.NotifyTimeout,
		now:           opts.Now,
	}
}

// PlaceOrder оформляет корзину клиента в заказ. Итог считается на сервере
// по ценам в момент коммита. Ошибки внешних сервисов заказ не отменяют.
func (o *Orchestrator) PlaceOrder(ctx context.Context, customerID int64) (domain.Order, error) {
	if customerID <= 0 {
		return domain.Order{}, domain.ErrCustomerRequired
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "ordering.PlaceOrder")
	span.SetAttributes(attribute.Int64("customer.id", customerID))
	defer span.End()

	p := o.newPlacement(customerID)
	if o.metrics != nil {
		o.metrics.RecordPlacementStarted()
		defer func() {
			o.metrics.RecordPlacementFinished(time.Since(p.started))
		}()
	}

	order, err := o.place(ctx, p)
	if err != nil {
		p.reject(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Order{}, err
	}
	span.SetAttributes(attribute.Int64("order.id", order.ID))
	return order, nil
}

func (o *Orchestrator) place(ctx context.Context, p *placement) (domain.Order, error) {
	unlock, err := o.locks.Lock(ctx, p.customerID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("customer %d: %w: %w", p.customerID, domain.ErrCustomerBusy, err)
	}
	defer unlock()

	p.enter(ctx, domain.PlacementValidating)
	current, err := o.validate(ctx, p.customerID)
	if err != nil {
		return domain.Order{}, err
	}

	p.enter(ctx, domain.PlacementReserving)
	if err := o.reserve(ctx, current); err != nil {
		return domain.Order{}, err
	}

	// после начала коммита отмена вызывающего ничего не откатывает
	detached := context.WithoutCancel(ctx)

	p.enter(detached, domain.PlacementCommitting)
	order, customer, err := o.commit(detached, p.customerID)
	if err != nil {
		return domain.Order{}, err
	}
	p.orderID = order.ID
	if o.metrics != nil {
		o.metrics.RecordOrderPlaced()
	}
	o.logger.WithFields(log.Fields{
		"customer_id": p.customerID,
		"order_id":    order.ID,
		"total":       order.Total.StringFixed(2),
	}).Info("order committed")

	p.enter(detached, domain.PlacementNotifying)
	o.notify(detached, order, customer)

	p.enter(detached, domain.PlacementDone)
	o.publishPlaced(detached, order)
	return order, nil
}

// validate проверяет клиента и наличие строк в корзине.
func (o *Orchestrator) validate(ctx context.Context, customerID int64) (domain.Basket, error) {
	repos := o.store.Repositories()
	customer, err := repos.Customers.Get(ctx, customerID)
	if err != nil {
		return domain.Basket{}, err
	}
	if err := customer.CheckPurchase(); err != nil {
		return domain.Basket{}, err
	}

	current, err := basket.Snapshot(ctx, repos, customerID)
	if err != nil {
		return domain.Basket{}, err
	}
	if current.IsEmpty() {
		return domain.Basket{}, domain.ErrBasketEmpty
	}
	return current, nil
}

// reserve сверяет каждую строку с текущим остатком и перечисляет все нехватки.
func (o *Orchestrator) reserve(ctx context.Context, current domain.Basket) error {
	ids := make([]int64, 0, len(current.Items))
	for _, item := range current.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := o.store.Repositories().Products.GetMany(ctx, ids)
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}

	var short []int64
	for _, item := range current.Items {
		product, ok := products[item.ProductID]
		if !ok || !product.HasStock(item.Quantity) {
			short = append(short, item.ProductID)
		}
	}
	if len(short) > 0 {
		return domain.NewInsufficientStockError(short...)
	}
	return nil
}

// commit создаёт заказ, списывает остатки и очищает корзину в одной транзакции.
func (o *Orchestrator) commit(ctx context.Context, customerID int64) (domain.Order, domain.Customer, error) {
	var (
		order    domain.Order
		customer domain.Customer
	)
	err := o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Repositories) error {
		locked, err := tx.Customers.Lock(ctx, customerID)
		if err != nil {
			return err
		}
		if err := locked.CheckPurchase(); err != nil {
			return err
		}
		customer = locked

		current, err := basket.Snapshot(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if current.IsEmpty() {
			return domain.ErrBasketEmpty
		}

		lines := make([]domain.OrderLine, 0, len(current.Items))
		productIDs := make([]int64, 0, len(current.Items))
		for _, item := range current.Items {
			lines = append(lines, domain.OrderLine{
				ProductID:   item.ProductID,
				ProductName: item.Name,
				UnitPrice:   item.UnitPrice,
				Quantity:    item.Quantity,
			})
			productIDs = append(productIDs, item.ProductID)
		}

		draft := domain.NewOrder(customerID, lines, o.now())
		if errs := draft.ValidateInvariants(); len(errs) > 0 {
			return errors.Join(errs...)
		}
		created, err := tx.Orders.Create(ctx, draft)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		for _, line := range lines {
			if err := tx.Products.DecrementStock(ctx, line.ProductID, line.Quantity); err != nil {
				return fmt.Errorf("decrement stock of product %d: %w", line.ProductID, err)
			}
		}
		if err := tx.Baskets.Clear(ctx, customerID, productIDs); err != nil {
			return fmt.Errorf("clear basket: %w", err)
		}
		order = created
		return nil
	})
	if err != nil {
		return domain.Order{}, domain.Customer{}, err
	}
	return order, customer, nil
}

// notify параллельно доносит факты заказа. Результаты доставки не влияют на заказ.
func (o *Orchestrator) notify(ctx context.Context, order domain.Order, customer domain.Customer) {
	if o.propagator == nil {
		return
	}
	facts, err := domain.OrderFacts(order, customer)
	if err != nil {
		o.logger.WithError(err).WithField("order_id", order.ID).Error("failed to build order facts")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, o.notifyTimeout)
	defer cancel()

	var g errgroup.Group
	for _, fact := range facts {
		g.Go(func() error {
			result := o.propagator.Propagate(ctx, fact)
			if result.Outcome != domain.Delivered {
				o.logger.WithFields(log.Fields{
					"order_id":   order.ID,
					"dedupe_key": fact.DedupeKey(),
					"outcome":    string(result.Outcome),
				}).Warn("order fact not delivered synchronously")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) publishPlaced(ctx context.Context, order domain.Order) {
	if o.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.notifyTimeout)
	defer cancel()
	if err := o.events.PublishOrderPlaced(ctx, order); err != nil {
		o.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to publish order placed event")
	}
}

// Order возвращает заказ по идентификатору.
func (o *Orchestrator) Order(ctx context.Context, id int64) (domain.Order, error) {
	if id <= 0 {
		return domain.Order{}, domain.ErrOrderRequired
	}
	return o.store.Repositories().Orders.Get(ctx, id)
}

// CustomerOrders возвращает заказы клиента, новые первыми.
func (o *Orchestrator) CustomerOrders(ctx context.Context, customerID int64) ([]domain.Order, error) {
	if customerID <= 0 {
		return nil, domain.ErrCustomerRequired
	}
	repos := o.store.Repositories()
	if _, err := repos.Customers.Get(ctx, customerID); err != nil {
		return nil, err
	}
	return repos.Orders.ListByCustomer(ctx, customerID, 0)
}

// Timeline возвращает хронологию оформлений клиента.
func (o *Orchestrator) Timeline(ctx context.Context, customerID int64) ([]domain.TimelineEvent, error) {
	if customerID <= 0 {
		return nil, domain.ErrCustomerRequired
	}
	if o.timeline == nil {
		return nil, nil
	}
	return o.timeline.ListByCustomer(ctx, customerID)
}

// placement отслеживает переходы одной попытки оформления.
type placement struct {
	o          *Orchestrator
	id         string
	customerID int64
	orderID    int64
	state      domain.PlacementState
	started    time.Time
	entered    time.Time
}

func (o *Orchestrator) newPlacement(customerID int64) *placement {
	now := time.Now()
	return &placement{o: o, id: uuid.NewString(), customerID: customerID, started: now, entered: now}
}

func (p *placement) enter(ctx context.Context, state domain.PlacementState) {
	p.leave()
	p.state = state
	p.record(ctx, state, "")
}

func (p *placement) reject(ctx context.Context, err error) {
	p.leave()
	failed := p.state
	p.state = domain.PlacementRejected
	p.record(context.WithoutCancel(ctx), domain.PlacementRejected, err.Error())

	kind := domain.KindOf(err)
	if p.o.metrics != nil {
		p.o.metrics.RecordPlacementRejected(string(kind))
	}

	entry := p.o.logger.WithError(err).WithFields(log.Fields{
		"customer_id":  p.customerID,
		"placement_id": p.id,
		"state":        string(failed),
	})
	if kind == domain.KindInternal {
		entry.Error("order placement failed")
		return
	}
	entry.Info("order placement rejected")
}

// leave фиксирует длительность текущего шага.
func (p *placement) leave() {
	now := time.Now()
	if p.state != "" && p.o.metrics != nil {
		p.o.metrics.RecordStateDuration(string(p.state), now.Sub(p.entered))
	}
	p.entered = now
}

func (p *placement) record(ctx context.Context, state domain.PlacementState, reason string) {
	p.o.logger.WithFields(log.Fields{
		"customer_id":  p.customerID,
		"placement_id": p.id,
		"state":        string(state),
	}).Debug("placement state entered")

	if p.o.timeline == nil {
		return
	}
	event := domain.TimelineEvent{
		PlacementID: p.id,
		CustomerID:  p.customerID,
		OrderID:     p.orderID,
		State:       state,
		Reason:      reason,
		Occurred:    p.o.now().UTC(),
	}
	if err := p.o.timeline.Append(ctx, event); err != nil {
		p.o.logger.WithError(err).WithField("placement_id", p.id).Warn("failed to append timeline event")
		return
	}
	if p.o.metrics != nil {
		p.o.metrics.RecordTimelineEvent()
	}
}
