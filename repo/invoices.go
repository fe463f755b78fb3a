package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/offbill/offbill/localstore"
)

// Invoices is the repository for push-synced invoice rows and their child
// items and payments.
type Invoices struct {
	store  *localstore.Store
	logger *slog.Logger
}

// NewInvoices creates the invoice repository.
func NewInvoices(store *localstore.Store, logger *slog.Logger) *Invoices {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoices{store: store, logger: logger}
}

// InvoiceInput is the payload for creating or updating an invoice. Totals are
// never taken from the caller; they are recomputed from the children.
type InvoiceInput struct {
	CustomerID  string
	WarehouseID int64
	CategoryID  int64
	InvoiceNo   string
	IssuedAt    time.Time
	Discount    decimal.Decimal // invoice-level discount
}

// ItemInput is one invoice line.
type ItemInput struct {
	ProductID   int64
	Description string
	Qty         decimal.Decimal
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal
	TaxRate     decimal.Decimal // percent
}

// PaymentInput is one payment against the invoice.
type PaymentInput struct {
	Method        string
	BankAccountID *int64
	Amount        decimal.Decimal
	PaidAt        time.Time
}

type totals struct {
	subtotal, tax, grand, due decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// computeTotals derives every invoice total from the children. Line total is
// qty*unit_price minus the line discount; tax accrues per line from its rate.
func computeTotals(in InvoiceInput, items []ItemInput, payments []PaymentInput) ([]decimal.Decimal, totals) {
	lineTotals := make([]decimal.Decimal, len(items))
	var t totals
	for i, item := range items {
		line := item.Qty.Mul(item.UnitPrice).Sub(item.Discount)
		lineTotals[i] = line
		t.subtotal = t.subtotal.Add(line)
		t.tax = t.tax.Add(line.Mul(item.TaxRate).Div(hundred))
	}
	t.subtotal = t.subtotal.Round(2)
	t.tax = t.tax.Round(2)
	t.grand = t.subtotal.Sub(in.Discount).Add(t.tax).Round(2)
	paid := decimal.Zero
	for _, p := range payments {
		paid = paid.Add(p.Amount)
	}
	t.due = t.grand.Sub(paid).Round(2)
	return lineTotals, t
}

const invoiceColumns = `local_id, server_id, customer_id, warehouse_id, category_id, invoice_no, issued_at,
	subtotal, discount, tax, grand_total, due, sync_status, COALESCE(sync_error, ''), created_at, updated_at`

// Add inserts the invoice row and, separately, each item and payment row. An
// invoice referencing a client-generated customer id is accepted; it just
// cannot be pushed until its customer resolves.
func (r *Invoices) Add(ctx context.Context, in InvoiceInput, items []ItemInput, payments []PaymentInput) (*Invoice, error) {
	if in.CustomerID == "" {
		return nil, fmt.Errorf("invoice customer id is required")
	}
	lineTotals, t := computeTotals(in, items, payments)
	inv := &Invoice{
		LocalID:     NewLocalID(),
		CustomerID:  in.CustomerID,
		WarehouseID: in.WarehouseID,
		CategoryID:  in.CategoryID,
		InvoiceNo:   in.InvoiceNo,
		IssuedAt:    formatTime(in.IssuedAt),
		Subtotal:    t.subtotal,
		Discount:    in.Discount,
		Tax:         t.tax,
		GrandTotal:  t.grand,
		Due:         t.due,
		SyncStatus:  StatusUnsynced,
		CreatedAt:   now(),
	}
	inv.UpdatedAt = inv.CreatedAt

	err := r.store.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invoices (local_id, customer_id, warehouse_id, category_id, invoice_no, issued_at,
				subtotal, discount, tax, grand_total, due, sync_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, inv.LocalID, inv.CustomerID, inv.WarehouseID, inv.CategoryID, inv.InvoiceNo, inv.IssuedAt,
			inv.Subtotal.String(), inv.Discount.String(), inv.Tax.String(), inv.GrandTotal.String(),
			inv.Due.String(), inv.SyncStatus, inv.CreatedAt, inv.UpdatedAt); err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		return insertChildren(ctx, tx, inv.LocalID, items, lineTotals, payments)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// Update deletes and re-inserts all child items and payments, recomputes the
// derived totals from the new children, and resets the row to UNSYNCED.
func (r *Invoices) Update(ctx context.Context, localID string, in InvoiceInput, items []ItemInput, payments []PaymentInput) error {
	lineTotals, t := computeTotals(in, items, payments)
	return r.store.Tx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM invoices WHERE local_id = ?`, localID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("invoice %s: %w", localID, localstore.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("check invoice: %w", err)
		}
		for _, table := range []string{"invoice_items", "invoice_payments"} {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE invoice_local_id = ?`, table), localID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if err := insertChildren(ctx, tx, localID, items, lineTotals, payments); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE invoices
			SET customer_id = ?, warehouse_id = ?, category_id = ?, invoice_no = ?, issued_at = ?,
				subtotal = ?, discount = ?, tax = ?, grand_total = ?, due = ?,
				sync_status = ?, sync_error = NULL, updated_at = ?
			WHERE local_id = ?
		`, in.CustomerID, in.WarehouseID, in.CategoryID, in.InvoiceNo, formatTime(in.IssuedAt),
			t.subtotal.String(), in.Discount.String(), t.tax.String(), t.grand.String(), t.due.String(),
			StatusUnsynced, now(), localID); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		return nil
	})
}

func insertChildren(ctx context.Context, tx *sql.Tx, localID string, items []ItemInput, lineTotals []decimal.Decimal, payments []PaymentInput) error {
	for i, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_items (invoice_local_id, product_id, description, qty, unit_price, discount, tax_rate, line_total)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, localID, item.ProductID, item.Description, item.Qty.String(), item.UnitPrice.String(),
			item.Discount.String(), item.TaxRate.String(), lineTotals[i].String()); err != nil {
			return fmt.Errorf("insert invoice item: %w", err)
		}
	}
	for _, p := range payments {
		var accountID any
		if p.BankAccountID != nil {
			accountID = *p.BankAccountID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_payments (invoice_local_id, method, bank_account_id, amount, paid_at)
			VALUES (?, ?, ?, ?, ?)
		`, localID, p.Method, accountID, p.Amount.String(), formatTime(p.PaidAt)); err != nil {
			return fmt.Errorf("insert invoice payment: %w", err)
		}
	}
	return nil
}

// Get returns an invoice by its local id.
func (r *Invoices) Get(ctx context.Context, localID string) (*Invoice, error) {
	var inv Invoice
	err := r.store.QueryRow(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE local_id = ?
	`, []any{localID}, func(row *sql.Row) error {
		return scanInvoice(row.Scan, &inv)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invoice %s: %w", localID, localstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return &inv, nil
}

// GetUnsynced returns invoices still awaiting a successful push, oldest
// created first. FAILED rows are included: invoices have no terminal error
// state and stay retryable.
func (r *Invoices) GetUnsynced(ctx context.Context) ([]Invoice, error) {
	list, err := r.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE sync_status IN (?, ?)
		ORDER BY created_at ASC, local_id ASC
	`, StatusUnsynced, StatusFailed)
	if errors.Is(err, localstore.ErrUnavailable) {
		r.logger.Warn("storage degraded, treating unsynced invoices as empty", "error", err)
		return nil, nil
	}
	return list, err
}

// List returns every invoice, newest first.
func (r *Invoices) List(ctx context.Context) ([]Invoice, error) {
	list, err := r.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices ORDER BY created_at DESC
	`)
	if errors.Is(err, localstore.ErrUnavailable) {
		r.logger.Warn("storage degraded, treating invoice list as empty", "error", err)
		return nil, nil
	}
	return list, err
}

// UnsyncedCount counts invoices awaiting a push.
func (r *Invoices) UnsyncedCount(ctx context.Context) (int, error) {
	var n int
	err := r.store.QueryRow(ctx, `
		SELECT COUNT(*) FROM invoices WHERE sync_status IN (?, ?)
	`, []any{StatusUnsynced, StatusFailed}, func(row *sql.Row) error {
		return row.Scan(&n)
	})
	if errors.Is(err, localstore.ErrUnavailable) {
		r.logger.Warn("storage degraded, reporting zero unsynced invoices", "error", err)
		return 0, nil
	}
	return n, err
}

// RewriteCustomerID rewrites every invoice referencing oldID to newID. Called
// by the orchestrator immediately after a customer acquires its server id.
func (r *Invoices) RewriteCustomerID(ctx context.Context, oldID, newID string) (int64, error) {
	affected, _, err := r.store.ExecResult(ctx, `
		UPDATE invoices SET customer_id = ?, updated_at = ? WHERE customer_id = ?
	`, newID, now(), oldID)
	if err != nil {
		return 0, fmt.Errorf("rewrite invoice customer id: %w", err)
	}
	return affected, nil
}

// MarkSynced records the server id and transitions the invoice to SYNCED.
func (r *Invoices) MarkSynced(ctx context.Context, localID string, serverID int64) error {
	affected, _, err := r.store.ExecResult(ctx, `
		UPDATE invoices
		SET server_id = ?, sync_status = ?, sync_error = NULL, updated_at = ?
		WHERE local_id = ?
	`, serverID, StatusSynced, now(), localID)
	if err != nil {
		return fmt.Errorf("mark invoice synced: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("invoice %s: %w", localID, localstore.ErrNotFound)
	}
	return nil
}

// RecordFailure stores the push error. The invoice remains retryable.
func (r *Invoices) RecordFailure(ctx context.Context, localID, message string) error {
	affected, _, err := r.store.ExecResult(ctx, `
		UPDATE invoices SET sync_status = ?, sync_error = ?, updated_at = ? WHERE local_id = ?
	`, StatusFailed, message, now(), localID)
	if err != nil {
		return fmt.Errorf("record invoice failure: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("invoice %s: %w", localID, localstore.ErrNotFound)
	}
	return nil
}

// Delete removes an invoice and its children locally.
func (r *Invoices) Delete(ctx context.Context, localID string) error {
	return r.store.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM invoices WHERE local_id = ?`, localID)
		if err != nil {
			return fmt.Errorf("delete invoice: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("invoice %s: %w", localID, localstore.ErrNotFound)
		}
		// ON DELETE CASCADE removes the children.
		return nil
	})
}

// ItemsOf loads the items of an invoice in insertion order.
func (r *Invoices) ItemsOf(ctx context.Context, localID string) ([]InvoiceItem, error) {
	var list []InvoiceItem
	err := r.store.Query(ctx, `
		SELECT id, invoice_local_id, product_id, description, qty, unit_price, discount, tax_rate, line_total
		FROM invoice_items WHERE invoice_local_id = ? ORDER BY id ASC
	`, []any{localID}, func(rows *sql.Rows) error {
		for rows.Next() {
			var it InvoiceItem
			var qty, unit, disc, rate, line string
			if err := rows.Scan(&it.ID, &it.InvoiceLocalID, &it.ProductID, &it.Description,
				&qty, &unit, &disc, &rate, &line); err != nil {
				return err
			}
			var err error
			if it.Qty, it.UnitPrice, err = parsePair(qty, unit); err != nil {
				return err
			}
			if it.Discount, it.TaxRate, err = parsePair(disc, rate); err != nil {
				return err
			}
			if it.LineTotal, err = decimal.NewFromString(line); err != nil {
				return fmt.Errorf("parse line total %q: %w", line, err)
			}
			list = append(list, it)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load invoice items: %w", err)
	}
	return list, nil
}

// PaymentsOf loads the payments of an invoice in insertion order.
func (r *Invoices) PaymentsOf(ctx context.Context, localID string) ([]InvoicePayment, error) {
	var list []InvoicePayment
	err := r.store.Query(ctx, `
		SELECT id, invoice_local_id, method, bank_account_id, amount, paid_at
		FROM invoice_payments WHERE invoice_local_id = ? ORDER BY id ASC
	`, []any{localID}, func(rows *sql.Rows) error {
		for rows.Next() {
			var p InvoicePayment
			var account sql.NullInt64
			var amount string
			if err := rows.Scan(&p.ID, &p.InvoiceLocalID, &p.Method, &account, &amount, &p.PaidAt); err != nil {
				return err
			}
			if account.Valid {
				p.BankAccountID = &account.Int64
			}
			var err error
			if p.Amount, err = decimal.NewFromString(amount); err != nil {
				return fmt.Errorf("parse payment amount %q: %w", amount, err)
			}
			list = append(list, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load invoice payments: %w", err)
	}
	return list, nil
}

func (r *Invoices) queryInvoices(ctx context.Context, query string, args ...any) ([]Invoice, error) {
	var list []Invoice
	err := r.store.Query(ctx, query, args, func(rows *sql.Rows) error {
		for rows.Next() {
			var inv Invoice
			if err := scanInvoice(rows.Scan, &inv); err != nil {
				return err
			}
			list = append(list, inv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func scanInvoice(scan func(dest ...any) error, inv *Invoice) error {
	var serverID sql.NullInt64
	var subtotal, discount, tax, grand, due string
	if err := scan(&inv.LocalID, &serverID, &inv.CustomerID, &inv.WarehouseID, &inv.CategoryID,
		&inv.InvoiceNo, &inv.IssuedAt, &subtotal, &discount, &tax, &grand, &due,
		&inv.SyncStatus, &inv.SyncError, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return err
	}
	if serverID.Valid {
		inv.ServerID = &serverID.Int64
	}
	var err error
	if inv.Subtotal, inv.Discount, err = parsePair(subtotal, discount); err != nil {
		return err
	}
	if inv.Tax, inv.GrandTotal, err = parsePair(tax, grand); err != nil {
		return err
	}
	if inv.Due, err = decimal.NewFromString(due); err != nil {
		return fmt.Errorf("parse due %q: %w", due, err)
	}
	return nil
}

func parsePair(a, b string) (decimal.Decimal, decimal.Decimal, error) {
	da, err := decimal.NewFromString(a)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse decimal %q: %w", a, err)
	}
	db, err := decimal.NewFromString(b)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse decimal %q: %w", b, err)
	}
	return da, db, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
