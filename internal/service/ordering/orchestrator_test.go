package ordering

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/downstream/downstreamtest"
	"github.com/vladislavdragonenkov/ordering/internal/service/basket"
	"github.com/vladislavdragonenkov/ordering/internal/service/customerlock"
	"github.com/vladislavdragonenkov/ordering/internal/service/outbox"
	"github.com/vladislavdragonenkov/ordering/internal/service/propagation"
	"github.com/vladislavdragonenkov/ordering/internal/storage/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store        *memory.Store
	courier      *downstreamtest.Courier
	outbox       domain.OutboxRepository
	timeline     domain.TimelineRepository
	events       *recordingEvents
	baskets      *basket.Service
	orchestrator *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memory.NewStore())
}

func newFixtureWithStore(t *testing.T, store domain.Store) *fixture {
	t.Helper()
	f := &fixture{
		courier:  downstreamtest.NewCourier(),
		outbox:   memory.NewOutboxRepository(),
		timeline: memory.NewTimelineRepository(),
		events:   &recordingEvents{},
	}
	if ms, ok := store.(*memory.Store); ok {
		f.store = ms
	}
	clock := func() time.Time { return testNow }
	locks := customerlock.New()
	f.baskets = basket.NewService(store, locks, nil)
	f.orchestrator = NewOrchestrator(store,
		propagation.New(f.courier, f.outbox, propagation.WithClock(clock)),
		WithLocks(locks),
		WithTimeline(f.timeline),
		WithEvents(f.events),
		WithClock(clock),
	)
	return f
}

func (f *fixture) repos() domain.Repositories {
	return f.store.Repositories()
}

func (f *fixture) seedCustomer(t *testing.T, canPurchase bool) domain.Customer {
	t.Helper()
	customer, err := f.repos().Customers.Create(context.Background(), domain.Customer{
		AuthID:      "auth|buyer",
		Name:        "Ann",
		Email:       "ann@example.com",
		Active:      true,
		CanPurchase: canPurchase,
	})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	return customer
}

func (f *fixture) seedProduct(t *testing.T, name, price string, quantity int) domain.Product {
	t.Helper()
	product, err := f.repos().Products.Create(context.Background(), domain.Product{
		Name:     name,
		Price:    decimal.RequireFromString(price),
		Quantity: quantity,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return product
}

func (f *fixture) addLine(t *testing.T, customerID, productID int64, quantity int) {
	t.Helper()
	if _, err := f.baskets.UpsertLine(context.Background(), customerID, productID, quantity); err != nil {
		t.Fatalf("upsert basket line: %v", err)
	}
}

func (f *fixture) stockOf(t *testing.T, productID int64) int {
	t.Helper()
	product, err := f.repos().Products.Get(context.Background(), productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	return product.Quantity
}

func (f *fixture) ordersOf(t *testing.T, customerID int64) []domain.Order {
	t.Helper()
	orders, err := f.repos().Orders.ListByCustomer(context.Background(), customerID, 0)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	return orders
}

func (f *fixture) basketOf(t *testing.T, customerID int64) domain.Basket {
	t.Helper()
	b, err := f.baskets.Get(context.Background(), customerID)
	if err != nil {
		t.Fatalf("get basket: %v", err)
	}
	return b
}

func TestPlaceOrderCommitsBasket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.seedCustomer(t, true)
	a := f.seedProduct(t, "A", "1.99", 20)
	b := f.seedProduct(t, "B", "2.98", 20)
	f.addLine(t, customer.ID, a.ID, 5)
	f.addLine(t, customer.ID, b.ID, 3)

	order, err := f.orchestrator.PlaceOrder(ctx, customer.ID)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	if !order.Total.Equal(decimal.RequireFromString("18.89")) {
		t.Fatalf("expected total 18.89, got %s", order.Total)
	}
	if len(order.Lines) != 2 || order.Lines[0].ProductName != "A" || order.Lines[1].Quantity != 3 {
		t.Fatalf("unexpected order lines: %+v", order.Lines)
	}
	if !order.CreatedAt.Equal(testNow) {
		t.Fatalf("unexpected created at: %s", order.CreatedAt)
	}
	if got := f.stockOf(t, a.ID); got != 15 {
		t.Fatalf("expected stock of A to be 15, got %d", got)
	}
	if got := f.stockOf(t, b.ID); got != 17 {
		t.Fatalf("expected stock of B to be 17, got %d", got)
	}
	if !f.basketOf(t, customer.ID).IsEmpty() {
		t.Fatal("basket must be empty after order")
	}

	stored, err := f.orchestrator.Order(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !stored.Total.Equal(order.Total) {
		t.Fatalf("stored total differs: %s", stored.Total)
	}

	if calls := f.courier.Calls(); len(calls) != 3 {
		t.Fatalf("expected three facts to be propagated, got %d", len(calls))
	}
	if len(f.events.orders()) != 1 {
		t.Fatal("expected order placed event")
	}
}

func TestPlaceOrderInsufficientStockChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.seedCustomer(t, true)
	a := f.seedProduct(t, "A", "1.99", 2)
	b := f.seedProduct(t, "B", "2.98", 5)
	c := f.seedProduct(t, "C", "3.00", 5)
	f.addLine(t, customer.ID, a.ID, 2)
	f.addLine(t, customer.ID, b.ID, 5)
	f.addLine(t, customer.ID, c.ID, 1)

	// остаток уменьшился после того, как строки легли в корзину
	if _, err := f.repos().Products.AdjustStock(ctx, a.ID, -1); err != nil {
		t.Fatalf("adjust stock: %v", err)
	}
	if _, err := f.repos().Products.AdjustStock(ctx, b.ID, -5); err != nil {
		t.Fatalf("adjust stock: %v", err)
	}

	_, err := f.orchestrator.PlaceOrder(ctx, customer.ID)
	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if !errors.Is(err, domain.ErrConflict) || domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("insufficient stock must be a conflict, got %v", err)
	}
	if !slices.Equal(insufficient.ProductIDs, []int64{a.ID, b.ID}) {
		t.Fatalf("expected every short product, got %v", insufficient.ProductIDs)
	}

	if got := f.stockOf(t, a.ID); got != 1 {
		t.Fatalf("stock of A changed: %d", got)
	}
	if got := f.stockOf(t, c.ID); got != 5 {
		t.Fatalf("stock of C changed: %d", got)
	}
	if len(f.ordersOf(t, customer.ID)) != 0 {
		t.Fatal("no order must be created")
	}
	if got := len(f.basketOf(t, customer.ID).Items); got != 3 {
		t.Fatalf("basket must be untouched, got %d lines", got)
	}
	if len(f.courier.Calls()) != 0 {
		t.Fatal("nothing must be propagated")
	}
}

func TestPlaceOrderConcurrentPlacementsCommitOnce(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t, true)
	a := f.seedProduct(t, "A", "1.99", 10)
	f.addLine(t, customer.ID, a.ID, 6)

	const attempts = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		errs    []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orchestrator.PlaceOrder(context.Background(), customer.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("expected exactly one commit, got %d", success)
	}
	for _, err := range errs {
		if domain.KindOf(err) != domain.KindConflict {
			t.Fatalf("loser must get a conflict, got %v", err)
		}
	}
	if got := f.stockOf(t, a.ID); got != 4 {
		t.Fatalf("stock must be decremented once, got %d", got)
	}
	if got := len(f.ordersOf(t, customer.ID)); got != 1 {
		t.Fatalf("expected one order, got %d", got)
	}
}

func TestPlaceOrderCustomerCannotPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.seedCustomer(t, false)
	a := f.seedProduct(t, "A", "1.99", 10)
	f.addLine(t, customer.ID, a.ID, 1)

	_, err := f.orchestrator.PlaceOrder(ctx, customer.ID)
	if !errors.Is(err, domain.ErrCustomerCannotPurchase) || domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected cannot purchase conflict, got %v", err)
	}
	if got := f.stockOf(t, a.ID); got != 10 {
		t.Fatalf("stock changed: %d", got)
	}
	if len(f.basketOf(t, customer.ID).Items) != 1 {
		t.Fatal("basket must be untouched")
	}
	if len(f.ordersOf(t, customer.ID)) != 0 {
		t.Fatal("no order must be created")
	}
}

func TestPlaceOrderValidationFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.seedCustomer(t, true)

	if _, err := f.orchestrator.PlaceOrder(ctx, 0); domain.KindOf(err) != domain.KindRejected {
		t.Fatalf("expected rejected for missing customer id, got %v", err)
	}
	if _, err := f.orchestrator.PlaceOrder(ctx, 999); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found for unknown customer, got %v", err)
	}
	if _, err := f.orchestrator.PlaceOrder(ctx, customer.ID); !errors.Is(err, domain.ErrBasketEmpty) {
		t.Fatalf("expected empty basket conflict, got %v", err)
	}
}

func TestPlaceOrderStaffDownQueuesStockReduction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.seedCustomer(t, true)
	a := f.seedProduct(t, "A", "1.99", 10)
	f.addLine(t, customer.ID, a.ID, 2)
	f.courier.SetOutcome(domain.TargetStaffProduct, domain.Unavailable)

	order, err := f.orchestrator.PlaceOrder(ctx, customer.ID)
	if err != nil {
		t.Fatalf("order must succeed while staff service is down: %v", err)
	}

	key := domain.DedupeKey(domain.FactStockReduce, domain.SubjectOrder, order.ID)
	entry, err := f.outbox.GetByKey(ctx, key)
	if err != nil {
		t.Fatalf("stock reduction must be queued: %v", err)
	}
	if entry.Status != domain.OutboxPending || entry.Target != domain.TargetStaffProduct {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	invoiceKey := domain.DedupeKey(domain.FactInvoiceCreate, domain.SubjectOrder, order.ID)
	if _, err := f.outbox.GetByKey(ctx, invoiceKey); !errors.Is(err, domain.ErrOutboxNotFound) {
		t.Fatalf("delivered invoice must not be queued, got %v", err)
	}

	f.courier.SetOutcome(domain.TargetStaffProduct, domain.Delivered)
	dispatcher := outbox.NewDispatcher(f.outbox, f.courier,
		outbox.WithClock(func() time.Time { return testNow.Add(time.Second) }))
	if processed := dispatcher.ProcessOnce(ctx); processed != 1 {
		t.Fatalf("expected one entry to be dispatched, got %d", processed)
	}

	entry, err = f.outbox.GetByKey(ctx, key)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Status != domain.OutboxDelivered {
		t.Fatalf("expected delivered after recovery, got %s", entry.Status)
	}
}

func TestPlaceOrderStockRaceRollsBack(t *testing.T) {
	inner := memory.NewStore()
	f := newFixtureWithStore(t, &staleReadStore{Store: inner})
	f.store = inner
	ctx := context.Background()
	customer := f.seedCustomer(t, true)
	a := f.seedProduct(t, "A", "1.99", 5)
	b := f.seedProduct(t, "B", "2.98", 5)
	f.addLine(t, customer.ID, a.ID, 1)
	f.addLine(t, customer.ID, b.ID, 4)

	// конкурент успел списать остаток B между резервированием и коммитом
	if _, err := inner.Repositories().Products.AdjustStock(ctx, b.ID, -3); err != nil {
		t.Fatalf("adjust stock: %v", err)
	}

	_, err := f.orchestrator.PlaceOrder(ctx, customer.ID)
	if !errors.Is(err, domain.ErrStockRace) || domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected stock race conflict, got %v", err)
	}
	if got := f.stockOf(t, a.ID); got != 5 {
		t.Fatalf("decrement of A must be rolled back, got %d", got)
	}
	if len(f.ordersOf(t, customer.ID)) != 0 {
		t.Fatal("order must be rolled back")
	}
	if len(f.basketOf(t, customer.ID).Items) != 2 {
		t.Fatal("basket must be untouched")
	}
}

func TestPlaceOrderRecordsTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.seedCustomer(t, true)
	a := f.seedProduct(t, "A", "1.99", 10)

	if _, err := f.orchestrator.PlaceOrder(ctx, customer.ID); err == nil {
		t.Fatal("expected empty basket rejection")
	}
	f.addLine(t, customer.ID, a.ID, 1)
	order, err := f.orchestrator.PlaceOrder(ctx, customer.ID)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	events, err := f.orchestrator.Timeline(ctx, customer.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	var states []domain.PlacementState
	for _, event := range events {
		states = append(states, event.State)
	}
	want := []domain.PlacementState{
		domain.PlacementValidating, domain.PlacementRejected,
		domain.PlacementValidating, domain.PlacementReserving, domain.PlacementCommitting,
		domain.PlacementNotifying, domain.PlacementDone,
	}
	if !slices.Equal(states, want) {
		t.Fatalf("unexpected states: %v", states)
	}
	if events[0].PlacementID == events[2].PlacementID {
		t.Fatal("each placement must have its own id")
	}
	if events[1].Reason == "" {
		t.Fatal("rejection must carry a reason")
	}
	if last := events[len(events)-1]; last.OrderID != order.ID || last.PlacementID != events[2].PlacementID {
		t.Fatalf("unexpected done event: %+v", last)
	}
}

func TestCustomerOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.seedCustomer(t, true)
	a := f.seedProduct(t, "A", "1.00", 10)

	for i := 0; i < 2; i++ {
		f.addLine(t, customer.ID, a.ID, 1)
		if _, err := f.orchestrator.PlaceOrder(ctx, customer.ID); err != nil {
			t.Fatalf("place order: %v", err)
		}
	}

	orders, err := f.orchestrator.CustomerOrders(ctx, customer.ID)
	if err != nil {
		t.Fatalf("customer orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected two orders, got %d", len(orders))
	}
	if _, err := f.orchestrator.CustomerOrders(ctx, 404); !errors.Is(err, domain.ErrCustomerNotFound) {
		t.Fatalf("expected customer not found, got %v", err)
	}
	if _, err := f.orchestrator.Order(ctx, 12345); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}
}

type recordingEvents struct {
	mu     sync.Mutex
	placed []domain.Order
}

func (r *recordingEvents) PublishOrderPlaced(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.placed = append(r.placed, order)
	return nil
}

func (r *recordingEvents) orders() []domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.placed)
}

// staleReadStore отдаёт завышенные остатки при чтении вне транзакции.
type staleReadStore struct {
	*memory.Store
}

func (s *staleReadStore) Repositories() domain.Repositories {
	repos := s.Store.Repositories()
	repos.Products = staleProducts{ProductRepository: repos.Products}
	return repos
}

type staleProducts struct {
	domain.ProductRepository
}

func (p staleProducts) GetMany(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	products, err := p.ProductRepository.GetMany(ctx, ids)
	for id, product := range products {
		product.Quantity += 100
		products[id] = product
	}
	return products, err
}
