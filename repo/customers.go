package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/offbill/offbill/localstore"
)

// Customers is the repository for push-synced customer rows.
type Customers struct {
	store  *localstore.Store
	logger *slog.Logger
}

// NewCustomers creates the customer repository.
func NewCustomers(store *localstore.Store, logger *slog.Logger) *Customers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Customers{store: store, logger: logger}
}

// CustomerInput is the payload for creating a customer.
type CustomerInput struct {
	Name    string
	Phone   string
	Email   string
	Address string
}

const customerColumns = `local_id, server_id, name, phone, email, address, sync_status, COALESCE(sync_error, ''), created_at, updated_at`

// Add inserts a customer with a client-generated id and status UNSYNCED.
func (r *Customers) Add(ctx context.Context, in CustomerInput) (*Customer, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("customer name is required")
	}
	c := &Customer{
		LocalID:    NewLocalID(),
		Name:       in.Name,
		Phone:      in.Phone,
		Email:      in.Email,
		Address:    in.Address,
		SyncStatus: StatusUnsynced,
		CreatedAt:  now(),
	}
	c.UpdatedAt = c.CreatedAt
	err := r.store.Exec(ctx, `
		INSERT INTO customers (local_id, name, phone, email, address, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.LocalID, c.Name, c.Phone, c.Email, c.Address, c.SyncStatus, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert customer: %w", err)
	}
	return c, nil
}

// Get returns a customer by its local id.
func (r *Customers) Get(ctx context.Context, localID string) (*Customer, error) {
	var c Customer
	err := r.store.QueryRow(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE local_id = ?
	`, []any{localID}, func(row *sql.Row) error {
		return scanCustomerRow(row, &c)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", localID, localstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

// GetUnsynced returns unsynced customers ordered oldest-created-first. The
// ordering is a correctness requirement for the sync orchestrator.
func (r *Customers) GetUnsynced(ctx context.Context) ([]Customer, error) {
	list, err := r.queryCustomers(ctx, `
		SELECT `+customerColumns+` FROM customers
		WHERE sync_status = ?
		ORDER BY created_at ASC, local_id ASC
	`, StatusUnsynced)
	if errors.Is(err, localstore.ErrUnavailable) {
		r.logger.Warn("storage degraded, treating unsynced customers as empty", "error", err)
		return nil, nil
	}
	return list, err
}

// List returns every customer, newest first.
func (r *Customers) List(ctx context.Context) ([]Customer, error) {
	list, err := r.queryCustomers(ctx, `
		SELECT `+customerColumns+` FROM customers ORDER BY created_at DESC
	`)
	if errors.Is(err, localstore.ErrUnavailable) {
		r.logger.Warn("storage degraded, treating customer list as empty", "error", err)
		return nil, nil
	}
	return list, err
}

// UnsyncedCount counts customers that still need a push, including the
// terminally errored ones so the caller can surface both numbers.
func (r *Customers) UnsyncedCount(ctx context.Context) (unsynced, errored int, err error) {
	err = r.store.QueryRow(ctx, `
		SELECT
			COUNT(CASE WHEN sync_status = ? THEN 1 END),
			COUNT(CASE WHEN sync_status = ? THEN 1 END)
		FROM customers
	`, []any{StatusUnsynced, StatusErrored}, func(row *sql.Row) error {
		return row.Scan(&unsynced, &errored)
	})
	if errors.Is(err, localstore.ErrUnavailable) {
		r.logger.Warn("storage degraded, reporting zero unsynced customers", "error", err)
		return 0, 0, nil
	}
	return unsynced, errored, err
}

// MarkSynced records the server id and transitions the row to SYNCED.
func (r *Customers) MarkSynced(ctx context.Context, localID string, serverID int64) error {
	affected, _, err := r.store.ExecResult(ctx, `
		UPDATE customers
		SET server_id = ?, sync_status = ?, sync_error = NULL, updated_at = ?
		WHERE local_id = ?
	`, serverID, StatusSynced, now(), localID)
	if err != nil {
		return fmt.Errorf("mark customer synced: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("customer %s: %w", localID, localstore.ErrNotFound)
	}
	return nil
}

// MarkErrored transitions the row to ERRORED, permanently excluding it from
// future push attempts.
func (r *Customers) MarkErrored(ctx context.Context, localID, message string) error {
	affected, _, err := r.store.ExecResult(ctx, `
		UPDATE customers
		SET sync_status = ?, sync_error = ?, updated_at = ?
		WHERE local_id = ?
	`, StatusErrored, message, now(), localID)
	if err != nil {
		return fmt.Errorf("mark customer errored: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("customer %s: %w", localID, localstore.ErrNotFound)
	}
	return nil
}

// Delete removes a customer locally. Deletion does not propagate to the
// server.
func (r *Customers) Delete(ctx context.Context, localID string) error {
	affected, _, err := r.store.ExecResult(ctx, `DELETE FROM customers WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("delete customer: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("customer %s: %w", localID, localstore.ErrNotFound)
	}
	return nil
}

func (r *Customers) queryCustomers(ctx context.Context, query string, args ...any) ([]Customer, error) {
	var list []Customer
	err := r.store.Query(ctx, query, args, func(rows *sql.Rows) error {
		for rows.Next() {
			var c Customer
			var serverID sql.NullInt64
			if err := rows.Scan(&c.LocalID, &serverID, &c.Name, &c.Phone, &c.Email, &c.Address,
				&c.SyncStatus, &c.SyncError, &c.CreatedAt, &c.UpdatedAt); err != nil {
				return err
			}
			if serverID.Valid {
				c.ServerID = &serverID.Int64
			}
			list = append(list, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func scanCustomerRow(row *sql.Row, c *Customer) error {
	var serverID sql.NullInt64
	if err := row.Scan(&c.LocalID, &serverID, &c.Name, &c.Phone, &c.Email, &c.Address,
		&c.SyncStatus, &c.SyncError, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return err
	}
	if serverID.Valid {
		c.ServerID = &serverID.Int64
	}
	return nil
}
