package domain

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Базовые классы ошибок. Конкретные ошибки ниже оборачивают один из них,
// поэтому вызывающему коду достаточно errors.Is с базовым классом.
var (
	// ErrValidation — некорректный ввод, повторять бессмысленно.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound — клиент, товар или заказ не существует.
	ErrNotFound = errors.New("not found")
	// ErrConflict — нарушено бизнес-правило; вызывающий может повторить запрос.
	ErrConflict = errors.New("conflict")
	// ErrPersistence — хранилище отклонило запись (например, устаревший токен версии).
	ErrPersistence = errors.New("persistence failure")
	// ErrDownstreamUnavailable — внешний сервис недоступен или circuit открыт.
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	// ErrDownstreamRejected — внешний сервис отклонил запрос как некорректный.
	ErrDownstreamRejected = errors.New("downstream rejected")
)

var (
	ErrCustomerNotFound = fmt.Errorf("customer %w", ErrNotFound)
	ErrProductNotFound  = fmt.Errorf("product %w", ErrNotFound)
	ErrOrderNotFound    = fmt.Errorf("order %w", ErrNotFound)
	ErrOutboxNotFound   = fmt.Errorf("outbox entry %w", ErrNotFound)
	// ErrOutboxLeaseLost — запись обновили после ClaimDue; итог попытки не применяется.
	ErrOutboxLeaseLost = fmt.Errorf("%w: outbox entry lease lost", ErrConflict)

	// ErrQuantityExceedsStock возвращается при редактировании корзины сверх остатка.
	ErrQuantityExceedsStock = fmt.Errorf("%w: quantity exceeds available stock", ErrConflict)
	// ErrCustomerInactive — клиент деактивирован (soft delete).
	ErrCustomerInactive = fmt.Errorf("%w: customer is not active", ErrConflict)
	// ErrCustomerCannotPurchase — клиенту запрещены покупки.
	ErrCustomerCannotPurchase = fmt.Errorf("%w: customer cannot purchase", ErrConflict)
	// ErrBasketEmpty — нечего оформлять.
	ErrBasketEmpty = fmt.Errorf("%w: basket is empty", ErrConflict)
	// ErrInsufficientStock — базовая ошибка для InsufficientStockError.
	ErrInsufficientStock = fmt.Errorf("%w: insufficient stock", ErrConflict)
	// ErrStockRace — конкурентный заказ уже израсходовал остаток к моменту коммита.
	ErrStockRace = fmt.Errorf("%w: stock changed concurrently, retry the order", ErrConflict)
	// ErrCustomerBusy — ожидание блокировки клиента прервано.
	ErrCustomerBusy = fmt.Errorf("%w: customer has an operation in progress", ErrConflict)
	// ErrOutboxDelivered — доставленную запись нельзя вернуть в очередь.
	ErrOutboxDelivered = fmt.Errorf("%w: outbox entry already delivered", ErrConflict)

	ErrCustomerRequired = fmt.Errorf("%w: customer_id is required", ErrValidation)
	ErrProductRequired  = fmt.Errorf("%w: product_id is required", ErrValidation)
	ErrOrderRequired    = fmt.Errorf("%w: order_id is required", ErrValidation)
	ErrItemsRequired    = fmt.Errorf("%w: order must contain at least one line", ErrValidation)
	ErrItemQtyInvalid   = fmt.Errorf("%w: line quantity must be greater than zero", ErrValidation)
	ErrItemPriceInvalid = fmt.Errorf("%w: unit price must be non-negative", ErrValidation)
	ErrAmountMismatch   = fmt.Errorf("%w: order total does not match lines sum", ErrValidation)

	// ErrVersionMismatch — optimistic locking: запись изменилась после чтения.
	ErrVersionMismatch = fmt.Errorf("%w: version mismatch", ErrPersistence)
	// ErrDuplicate — нарушение уникальности при вставке.
	ErrDuplicate = fmt.Errorf("%w: duplicate record", ErrPersistence)

	// ErrCircuitOpen — вызов отклонён без сетевой попытки.
	ErrCircuitOpen = fmt.Errorf("%w: circuit is open", ErrDownstreamUnavailable)
)

// InsufficientStockError перечисляет все товары, которых не хватает для заказа.
type InsufficientStockError struct {
	ProductIDs []int64
}

func (e *InsufficientStockError) Error() string {
	ids := make([]string, 0, len(e.ProductIDs))
	for _, id := range e.ProductIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	return fmt.Sprintf("%s for products [%s]", ErrInsufficientStock.Error(), strings.Join(ids, ", "))
}

// Unwrap позволяет errors.Is(err, ErrConflict) и errors.Is(err, ErrInsufficientStock).
func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// NewInsufficientStockError сортирует идентификаторы для стабильных сообщений.
func NewInsufficientStockError(productIDs ...int64) *InsufficientStockError {
	ids := slices.Clone(productIDs)
	slices.Sort(ids)
	return &InsufficientStockError{ProductIDs: slices.Compact(ids)}
}

// ValidationError оборачивает описание ошибки ввода.
func ValidationError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

// ErrorKind — результат, который видит слой контроллеров.
type ErrorKind string

const (
	KindNone     ErrorKind = ""
	KindRejected ErrorKind = "rejected"
	KindNotFound ErrorKind = "not_found"
	KindConflict ErrorKind = "conflict"
	KindInternal ErrorKind = "internal"
)

// KindOf классифицирует ошибку ядра для внешнего контракта
// Success / NotFound / Conflict / Rejected.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrValidation):
		return KindRejected
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionMismatch)
}

// AsConflict переводит ErrPersistence в ErrConflict для мутаций клиента,
// товара и корзины. Остальные ошибки возвращаются без изменений.
func AsConflict(err error) error {
	if err == nil || !errors.Is(err, ErrPersistence) || errors.Is(err, ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConflict, err)
}
