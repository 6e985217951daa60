package basket

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/service/customerlock"
)

// Service управляет корзинами. Количество сверяется с живым остатком в момент
// редактирования, но ничего не резервируется до оформления заказа.
type Service struct {
	store  domain.Store
	locks  *customerlock.Locker
	logger *log.Entry
}

// NewService создаёт сервис корзины. Locker должен быть общим с оркестратором заказов.
func NewService(store domain.Store, locks *customerlock.Locker, logger *log.Entry) *Service {
	if locks == nil {
		locks = customerlock.New()
	}
	if logger == nil {
		logger = log.WithField("component", "basket")
	}
	return &Service{store: store, locks: locks, logger: logger}
}

// UpsertLine добавляет строку или меняет количество. quantity <= 0 удаляет строку.
func (s *Service) UpsertLine(ctx context.Context, customerID, productID int64, quantity int) (domain.Basket, error) {
	if err := validateIDs(customerID, productID); err != nil {
		return domain.Basket{}, err
	}
	if quantity <= 0 {
		return s.RemoveLine(ctx, customerID, productID)
	}

	unlock, err := s.lock(ctx, customerID)
	if err != nil {
		return domain.Basket{}, err
	}
	defer unlock()

	repos := s.store.Repositories()
	if _, err := repos.Customers.Get(ctx, customerID); err != nil {
		return domain.Basket{}, err
	}
	product, err := repos.Products.Get(ctx, productID)
	if err != nil {
		return domain.Basket{}, err
	}
	if !product.HasStock(quantity) {
		return domain.Basket{}, fmt.Errorf("product %d has %d left: %w", productID, product.Quantity, domain.ErrQuantityExceedsStock)
	}

	if err := repos.Baskets.Upsert(ctx, domain.BasketLine{
		CustomerID: customerID,
		ProductID:  productID,
		Quantity:   quantity,
	}); err != nil {
		return domain.Basket{}, domain.AsConflict(fmt.Errorf("upsert basket line: %w", err))
	}

	s.logger.WithFields(log.Fields{
		"customer_id": customerID,
		"product_id":  productID,
		"quantity":    quantity,
	}).Debug("basket line upserted")

	return s.snapshot(ctx, customerID)
}

// RemoveLine удаляет строку; отсутствие строки ошибкой не считается.
func (s *Service) RemoveLine(ctx context.Context, customerID, productID int64) (domain.Basket, error) {
	if err := validateIDs(customerID, productID); err != nil {
		return domain.Basket{}, err
	}

	unlock, err := s.lock(ctx, customerID)
	if err != nil {
		return domain.Basket{}, err
	}
	defer unlock()

	if err := s.store.Repositories().Baskets.Remove(ctx, customerID, productID); err != nil {
		return domain.Basket{}, domain.AsConflict(fmt.Errorf("remove basket line: %w", err))
	}
	return s.snapshot(ctx, customerID)
}

// Get возвращает корзину в порядке добавления с живыми ценами.
func (s *Service) Get(ctx context.Context, customerID int64) (domain.Basket, error) {
	if customerID <= 0 {
		return domain.Basket{}, domain.ErrCustomerRequired
	}
	return s.snapshot(ctx, customerID)
}

func (s *Service) lock(ctx context.Context, customerID int64) (func(), error) {
	unlock, err := s.locks.Lock(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("customer %d: %w: %w", customerID, domain.ErrCustomerBusy, err)
	}
	return unlock, nil
}

func (s *Service) snapshot(ctx context.Context, customerID int64) (domain.Basket, error) {
	return Snapshot(ctx, s.store.Repositories(), customerID)
}

// Snapshot собирает корзину из строк и текущих карточек товаров.
// Используется и оркестратором внутри транзакции.
func Snapshot(ctx context.Context, repos domain.Repositories, customerID int64) (domain.Basket, error) {
	lines, err := repos.Baskets.Lines(ctx, customerID)
	if err != nil {
		return domain.Basket{}, fmt.Errorf("load basket lines: %w", err)
	}

	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	products, err := repos.Products.GetMany(ctx, ids)
	if err != nil {
		return domain.Basket{}, fmt.Errorf("load basket products: %w", err)
	}

	basket := domain.Basket{CustomerID: customerID, Items: make([]domain.BasketItem, 0, len(lines))}
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			continue
		}
		basket.Items = append(basket.Items, domain.BasketItem{
			ProductID: line.ProductID,
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  line.Quantity,
		})
	}
	return basket, nil
}

func validateIDs(customerID, productID int64) error {
	if customerID <= 0 {
		return domain.ErrCustomerRequired
	}
	if productID <= 0 {
		return domain.ErrProductRequired
	}
	return nil
}
