package gateway

import (
	"context"
	"net/http"

	"github.com/offbill/offbill/repo"
)

// CustomerPayload is the wire form of a customer push.
type CustomerPayload struct {
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

// InvoicePayload is the wire form of an invoice push. CustomerID is always a
// server id by the time a payload is built; AccountID on payments is the
// server-side chart-of-accounts identifier. Money travels as strings.
type InvoicePayload struct {
	CustomerID  int64                   `json:"customer_id"`
	WarehouseID int64                   `json:"warehouse_id,omitempty"`
	CategoryID  int64                   `json:"category_id,omitempty"`
	InvoiceNo   string                  `json:"invoice_no,omitempty"`
	IssuedAt    string                  `json:"issued_at,omitempty"`
	Subtotal    string                  `json:"subtotal"`
	Discount    string                  `json:"discount"`
	Tax         string                  `json:"tax"`
	GrandTotal  string                  `json:"grand_total"`
	Due         string                  `json:"due"`
	Items       []InvoiceItemPayload    `json:"items"`
	Payments    []InvoicePaymentPayload `json:"payments"`
}

// InvoiceItemPayload is one invoice line on the wire.
type InvoiceItemPayload struct {
	ProductID   int64  `json:"product_id"`
	Description string `json:"description,omitempty"`
	Qty         string `json:"qty"`
	UnitPrice   string `json:"unit_price"`
	Discount    string `json:"discount"`
	TaxRate     string `json:"tax_rate"`
	LineTotal   string `json:"line_total"`
}

// InvoicePaymentPayload is one payment on the wire.
type InvoicePaymentPayload struct {
	Method    string `json:"method"`
	AccountID int64  `json:"account_id,omitempty"`
	Amount    string `json:"amount"`
	PaidAt    string `json:"paid_at,omitempty"`
}

// Reference-data list endpoints. The wire entities decode straight into the
// repo types; the caches replace their contents with the snapshot.

func listResource[T any](ctx context.Context, g *Gateway, path string) ([]T, error) {
	var out []T
	if err := g.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListProducts fetches the full product collection.
func (g *Gateway) ListProducts(ctx context.Context) ([]repo.Product, error) {
	return listResource[repo.Product](ctx, g, "/api/products")
}

// ListCategories fetches the full category collection.
func (g *Gateway) ListCategories(ctx context.Context) ([]repo.Category, error) {
	return listResource[repo.Category](ctx, g, "/api/categories")
}

// ListWarehouses fetches the full warehouse collection.
func (g *Gateway) ListWarehouses(ctx context.Context) ([]repo.Warehouse, error) {
	return listResource[repo.Warehouse](ctx, g, "/api/warehouses")
}

// ListDealers fetches the full dealer collection.
func (g *Gateway) ListDealers(ctx context.Context) ([]repo.Dealer, error) {
	return listResource[repo.Dealer](ctx, g, "/api/dealers")
}

// ListBankAccounts fetches the full bank account collection.
func (g *Gateway) ListBankAccounts(ctx context.Context) ([]repo.BankAccount, error) {
	return listResource[repo.BankAccount](ctx, g, "/api/bank-accounts")
}
