package downstream

import (
	"fmt"
	"net/http"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

type route struct {
	method string
	path   func(subjectID int64) string
}

func fixed(path string) func(int64) string {
	return func(int64) string { return path }
}

// routes сопоставляет вид факта с REST-вызовом внешнего сервиса.
var routes = map[domain.FactKind]route{
	domain.FactCustomerUpdate: {method: http.MethodPut, path: customerPath},
	domain.FactCustomerRemove: {method: http.MethodDelete, path: customerPath},
	domain.FactStockReduce:    {method: http.MethodPost, path: fixed("/api/stock/reductions")},
	domain.FactInvoiceCreate:  {method: http.MethodPost, path: fixed("/api/invoices")},
	domain.FactPurchaseRecord: {method: http.MethodPost, path: fixed("/api/purchases")},
}

func customerPath(id int64) string {
	return fmt.Sprintf("/api/customers/%d", id)
}

func routeFor(kind domain.FactKind) (route, bool) {
	r, ok := routes[kind]
	return r, ok
}
