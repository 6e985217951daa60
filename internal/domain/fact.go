package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Target — тег внешнего сервиса; у каждого свой circuit breaker и свой scope токена.
type Target string

const (
	TargetCustomerAccount Target = "customer-account"
	TargetStaffProduct    Target = "staff-product"
	TargetInvoicing       Target = "invoicing"
	TargetReview          Target = "review"
)

// Targets перечисляет все известные сервисы.
func Targets() []Target {
	return []Target{TargetCustomerAccount, TargetStaffProduct, TargetInvoicing, TargetReview}
}

// FactKind — вид факта, который нужно донести до внешнего сервиса.
type FactKind string

const (
	FactCustomerUpdate FactKind = "customer-update"
	FactCustomerRemove FactKind = "customer-remove"
	FactStockReduce    FactKind = "stock-reduce"
	FactInvoiceCreate  FactKind = "invoice-create"
	FactPurchaseRecord FactKind = "purchase-record"
)

var factTargets = map[FactKind]Target{
	FactCustomerUpdate: TargetCustomerAccount,
	FactCustomerRemove: TargetCustomerAccount,
	FactStockReduce:    TargetStaffProduct,
	FactInvoiceCreate:  TargetInvoicing,
	FactPurchaseRecord: TargetReview,
}

// Target возвращает сервис-получатель факта.
func (k FactKind) Target() Target {
	return factTargets[k]
}

const (
	SubjectCustomer = "customer"
	SubjectOrder    = "order"
)

// Fact — единица межсервисной согласованности.
// Payload хранится сериализованным, чтобы outbox мог переотправить его без доменных типов.
type Fact struct {
	Kind      FactKind
	Subject   string
	SubjectID int64
	Payload   []byte
}

// DedupeKey строит ключ вида "stock-reduce:order:42".
func (f Fact) DedupeKey() string {
	return DedupeKey(f.Kind, f.Subject, f.SubjectID)
}

// Target возвращает сервис-получатель.
func (f Fact) Target() Target {
	return f.Kind.Target()
}

// DedupeKey строит ключ дедупликации для outbox.
func DedupeKey(kind FactKind, subject string, id int64) string {
	return fmt.Sprintf("%s:%s:%d", kind, subject, id)
}

// Supersedes возвращает ключи ожидающих фактов, которые теряют смысл после доставки f.
func (f Fact) Supersedes() []string {
	keys := []string{f.DedupeKey()}
	if f.Kind == FactCustomerRemove {
		keys = append(keys, DedupeKey(FactCustomerUpdate, SubjectCustomer, f.SubjectID))
	}
	return keys
}

// CustomerSnapshot — тело customer-update.
type CustomerSnapshot struct {
	ID          int64  `json:"id"`
	AuthID      string `json:"authId"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Address     string `json:"address"`
	Active      bool   `json:"active"`
	CanPurchase bool   `json:"canPurchase"`
}

// CustomerRemoval — тело customer-remove.
type CustomerRemoval struct {
	ID int64 `json:"id"`
}

// StockReduction — тело stock-reduce.
type StockReduction struct {
	OrderID int64                `json:"orderId"`
	Items   []StockReductionItem `json:"items"`
}

type StockReductionItem struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

// Invoice — тело invoice-create.
type Invoice struct {
	OrderID    int64           `json:"orderId"`
	CustomerID int64           `json:"customerId"`
	Date       time.Time       `json:"date"`
	Total      decimal.Decimal `json:"total"`
	Items      []InvoiceItem   `json:"items"`
}

type InvoiceItem struct {
	ProductID int64           `json:"productId"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

// PurchaseRecord — тело purchase-record, открывает возможность оставить отзыв.
type PurchaseRecord struct {
	OrderID    int64   `json:"orderId"`
	CustomerID int64   `json:"customerId"`
	AuthID     string  `json:"authId"`
	ProductIDs []int64 `json:"productIds"`
}

func newFact(kind FactKind, subject string, id int64, body any) (Fact, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Fact{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Fact{Kind: kind, Subject: subject, SubjectID: id, Payload: payload}, nil
}

// CustomerUpdateFact строит факт изменения профиля.
func CustomerUpdateFact(c Customer) (Fact, error) {
	return newFact(FactCustomerUpdate, SubjectCustomer, c.ID, CustomerSnapshot{
		ID:          c.ID,
		AuthID:      c.AuthID,
		Name:        c.Name,
		Email:       c.Email,
		Address:     c.Address,
		Active:      c.Active,
		CanPurchase: c.CanPurchase,
	})
}

// CustomerRemoveFact строит факт удаления клиента.
func CustomerRemoveFact(customerID int64) (Fact, error) {
	return newFact(FactCustomerRemove, SubjectCustomer, customerID, CustomerRemoval{ID: customerID})
}

// OrderFacts строит три факта, которые следуют за коммитом заказа:
// списание остатков, счёт и запись о покупке.
func OrderFacts(order Order, customer Customer) ([]Fact, error) {
	reduction := StockReduction{OrderID: order.ID, Items: make([]StockReductionItem, 0, len(order.Lines))}
	invoice := Invoice{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Date:       order.CreatedAt,
		Total:      order.Total,
		Items:      make([]InvoiceItem, 0, len(order.Lines)),
	}
	for _, line := range order.Lines {
		reduction.Items = append(reduction.Items, StockReductionItem{ProductID: line.ProductID, Quantity: line.Quantity})
		invoice.Items = append(invoice.Items, InvoiceItem{
			ProductID: line.ProductID,
			Name:      line.ProductName,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			LineTotal: line.LineTotal(),
		})
	}
	purchase := PurchaseRecord{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		AuthID:     customer.AuthID,
		ProductIDs: order.ProductIDs(),
	}

	facts := make([]Fact, 0, 3)
	for _, spec := range []struct {
		kind FactKind
		body any
	}{
		{FactStockReduce, reduction},
		{FactInvoiceCreate, invoice},
		{FactPurchaseRecord, purchase},
	} {
		fact, err := newFact(spec.kind, SubjectOrder, order.ID, spec.body)
		if err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	return facts, nil
}
