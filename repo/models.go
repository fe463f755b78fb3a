// Package repo implements the per-entity repositories over the local store:
// customers and invoices (push-synced, with client-generated identifiers) and
// the pull-only reference data caches.
package repo

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sync statuses for push-synced rows. Customers terminate in ERRORED on fatal
// server rejections; invoices only ever reach FAILED, which stays retryable.
const (
	StatusUnsynced = "UNSYNCED"
	StatusSynced   = "SYNCED"
	StatusErrored  = "ERRORED"
	StatusFailed   = "FAILED"
)

// LocalIDPrefix namespaces client-generated identifiers so they can never
// collide with numeric server ids.
const LocalIDPrefix = "local_"

// NewLocalID mints a client-generated identifier.
func NewLocalID() string {
	return LocalIDPrefix + uuid.New().String()
}

// IsLocalID reports whether id was minted on this device and has not been
// replaced by a server id yet.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Customer is a push-synced customer row.
type Customer struct {
	LocalID    string `json:"local_id"`
	ServerID   *int64 `json:"server_id,omitempty"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	Address    string `json:"address"`
	SyncStatus string `json:"sync_status"`
	SyncError  string `json:"sync_error,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// Invoice is a push-synced invoice row. CustomerID may hold either a
// client-generated id or a numeric server id rendered as a string; the sync
// orchestrator rewrites the former to the latter during reconciliation.
// Totals are always derived from the child items and payments.
type Invoice struct {
	LocalID     string          `json:"local_id"`
	ServerID    *int64          `json:"server_id,omitempty"`
	CustomerID  string          `json:"customer_id"`
	WarehouseID int64           `json:"warehouse_id"`
	CategoryID  int64           `json:"category_id"`
	InvoiceNo   string          `json:"invoice_no"`
	IssuedAt    string          `json:"issued_at"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Discount    decimal.Decimal `json:"discount"`
	Tax         decimal.Decimal `json:"tax"`
	GrandTotal  decimal.Decimal `json:"grand_total"`
	Due         decimal.Decimal `json:"due"`
	SyncStatus  string          `json:"sync_status"`
	SyncError   string          `json:"sync_error,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// InvoiceItem is a line of an invoice.
type InvoiceItem struct {
	ID             int64           `json:"id"`
	InvoiceLocalID string          `json:"invoice_local_id"`
	ProductID      int64           `json:"product_id"`
	Description    string          `json:"description"`
	Qty            decimal.Decimal `json:"qty"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Discount       decimal.Decimal `json:"discount"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	LineTotal      decimal.Decimal `json:"line_total"`
}

// InvoicePayment is a payment recorded against an invoice. BankAccountID
// references the local bank-accounts cache; the orchestrator resolves it to
// the server-side chart-of-accounts identifier before pushing.
type InvoicePayment struct {
	ID             int64           `json:"id"`
	InvoiceLocalID string          `json:"invoice_local_id"`
	Method         string          `json:"method"`
	BankAccountID  *int64          `json:"bank_account_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	PaidAt         string          `json:"paid_at"`
}

// Pull-only reference entities. Their id mirrors the server id and synced_at
// drives the staleness check.

type Product struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	SKU        string          `json:"sku"`
	CategoryID int64           `json:"category_id"`
	Price      decimal.Decimal `json:"price"`
	Stock      int64           `json:"stock"`
}

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Warehouse struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

type Dealer struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type BankAccount struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	AccountNo      string `json:"account_no"`
	ChartAccountID int64  `json:"chart_account_id"`
}

// timestampFormat is RFC 3339 with fixed-width nanoseconds. RFC3339Nano trims
// trailing fractional zeros, which makes lexicographic order of the stored
// text diverge from chronological order; oldest-first queries rely on the two
// agreeing.
const timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

func timestamp(t time.Time) string {
	return t.UTC().Format(timestampFormat)
}

func now() string {
	return timestamp(time.Now())
}
