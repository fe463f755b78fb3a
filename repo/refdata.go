package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/offbill/offbill/localstore"
)

// Cache is a pull-only reference data cache. Rows mirror the server, are
// refreshed by full replacement and carry a synced_at timestamp that drives
// the staleness check. There is no push direction.
type Cache[T any] struct {
	store  *localstore.Store
	logger *slog.Logger
	table  string
	cols   []string
	encode func(T) []any
	scan   func(*sql.Rows) (T, error)
}

// NeedsSync reports whether the cache is empty or older than ttl.
func (c *Cache[T]) NeedsSync(ctx context.Context, ttl time.Duration) (bool, error) {
	var count int
	var newest sql.NullString
	err := c.store.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*), MAX(synced_at) FROM %s`, c.table),
		nil, func(row *sql.Row) error {
			return row.Scan(&count, &newest)
		})
	if errors.Is(err, localstore.ErrUnavailable) {
		c.logger.Warn("storage degraded, skipping staleness check", "table", c.table, "error", err)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("staleness check %s: %w", c.table, err)
	}
	if count == 0 || !newest.Valid {
		return true, nil
	}
	syncedAt, err := time.Parse(time.RFC3339Nano, newest.String)
	if err != nil {
		// Unparseable timestamp: treat as stale so it gets rewritten.
		return true, nil
	}
	return time.Since(syncedAt) > ttl, nil
}

// Replace swaps the entire cache for the fresh server snapshot. Delete and
// bulk insert run in one transaction so readers never observe an empty
// window mid-refresh.
func (c *Cache[T]) Replace(ctx context.Context, rows []T) error {
	syncedAt := now()
	return c.store.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, c.table)); err != nil {
			return fmt.Errorf("clear %s: %w", c.table, err)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(c.cols)+1), ", ")
		insert := fmt.Sprintf(`INSERT INTO %s (%s, synced_at) VALUES (%s)`,
			c.table, strings.Join(c.cols, ", "), placeholders)
		for _, row := range rows {
			args := append(c.encode(row), syncedAt)
			if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
				return fmt.Errorf("insert into %s: %w", c.table, err)
			}
		}
		return nil
	})
}

// All returns the cached rows. A degraded store yields an empty result with a
// warning, keeping the app usable offline.
func (c *Cache[T]) All(ctx context.Context) ([]T, error) {
	var list []T
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id ASC`, strings.Join(c.cols, ", "), c.table)
	err := c.store.Query(ctx, query, nil, func(rows *sql.Rows) error {
		for rows.Next() {
			row, err := c.scan(rows)
			if err != nil {
				return err
			}
			list = append(list, row)
		}
		return nil
	})
	if errors.Is(err, localstore.ErrUnavailable) {
		c.logger.Warn("storage degraded, treating cache as empty", "table", c.table, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.table, err)
	}
	return list, nil
}

// Get returns one cached row by id, or localstore.ErrNotFound.
func (c *Cache[T]) Get(ctx context.Context, id int64) (*T, error) {
	var out *T
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, strings.Join(c.cols, ", "), c.table)
	err := c.store.Query(ctx, query, []any{id}, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}
		row, err := c.scan(rows)
		if err != nil {
			return err
		}
		out = &row
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s %d: %w", c.table, id, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%s %d: %w", c.table, id, localstore.ErrNotFound)
	}
	return out, nil
}

// Table returns the backing table name (used in log lines and run reports).
func (c *Cache[T]) Table() string { return c.table }

func newCache[T any](store *localstore.Store, logger *slog.Logger, table string, cols []string,
	encode func(T) []any, scan func(*sql.Rows) (T, error)) *Cache[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache[T]{store: store, logger: logger, table: table, cols: cols, encode: encode, scan: scan}
}

// NewProducts creates the product cache.
func NewProducts(store *localstore.Store, logger *slog.Logger) *Cache[Product] {
	return newCache(store, logger, "products",
		[]string{"id", "name", "sku", "category_id", "price", "stock"},
		func(p Product) []any {
			return []any{p.ID, p.Name, p.SKU, p.CategoryID, p.Price.String(), p.Stock}
		},
		func(rows *sql.Rows) (Product, error) {
			var p Product
			var price string
			if err := rows.Scan(&p.ID, &p.Name, &p.SKU, &p.CategoryID, &price, &p.Stock); err != nil {
				return p, err
			}
			var err error
			p.Price, err = decimal.NewFromString(price)
			return p, err
		})
}

// NewCategories creates the category cache.
func NewCategories(store *localstore.Store, logger *slog.Logger) *Cache[Category] {
	return newCache(store, logger, "categories",
		[]string{"id", "name"},
		func(c Category) []any { return []any{c.ID, c.Name} },
		func(rows *sql.Rows) (Category, error) {
			var c Category
			err := rows.Scan(&c.ID, &c.Name)
			return c, err
		})
}

// NewWarehouses creates the warehouse cache.
func NewWarehouses(store *localstore.Store, logger *slog.Logger) *Cache[Warehouse] {
	return newCache(store, logger, "warehouses",
		[]string{"id", "name", "address"},
		func(w Warehouse) []any { return []any{w.ID, w.Name, w.Address} },
		func(rows *sql.Rows) (Warehouse, error) {
			var w Warehouse
			err := rows.Scan(&w.ID, &w.Name, &w.Address)
			return w, err
		})
}

// NewDealers creates the dealer cache.
func NewDealers(store *localstore.Store, logger *slog.Logger) *Cache[Dealer] {
	return newCache(store, logger, "dealers",
		[]string{"id", "name", "phone"},
		func(d Dealer) []any { return []any{d.ID, d.Name, d.Phone} },
		func(rows *sql.Rows) (Dealer, error) {
			var d Dealer
			err := rows.Scan(&d.ID, &d.Name, &d.Phone)
			return d, err
		})
}

// NewBankAccounts creates the bank account cache.
func NewBankAccounts(store *localstore.Store, logger *slog.Logger) *Cache[BankAccount] {
	return newCache(store, logger, "bank_accounts",
		[]string{"id", "name", "account_no", "chart_account_id"},
		func(b BankAccount) []any { return []any{b.ID, b.Name, b.AccountNo, b.ChartAccountID} },
		func(rows *sql.Rows) (BankAccount, error) {
			var b BankAccount
			err := rows.Scan(&b.ID, &b.Name, &b.AccountNo, &b.ChartAccountID)
			return b, err
		})
}
