package localstore

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// A migration is additive: it only creates tables or adds columns. Versions
// are recorded in _schema_migrations so each migration runs exactly once.
type migration struct {
	version int
	name    string
	run     func(tx *sql.Tx, logger *slog.Logger) error
}

func stmts(statements ...string) func(tx *sql.Tx, logger *slog.Logger) error {
	return func(tx *sql.Tx, _ *slog.Logger) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("exec %q: %w", stmt, err)
			}
		}
		return nil
	}
}

var migrations = []migration{
	{
		version: 1,
		name:    "customers and invoices",
		run: stmts(
			`CREATE TABLE IF NOT EXISTS customers (
				local_id    TEXT PRIMARY KEY,
				server_id   INTEGER,
				name        TEXT NOT NULL,
				phone       TEXT NOT NULL DEFAULT '',
				email       TEXT NOT NULL DEFAULT '',
				address     TEXT NOT NULL DEFAULT '',
				sync_status TEXT NOT NULL DEFAULT 'UNSYNCED',
				sync_error  TEXT,
				created_at  TEXT NOT NULL,
				updated_at  TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS invoices (
				local_id     TEXT PRIMARY KEY,
				server_id    INTEGER,
				customer_id  TEXT NOT NULL,
				warehouse_id INTEGER NOT NULL DEFAULT 0,
				category_id  INTEGER NOT NULL DEFAULT 0,
				invoice_no   TEXT NOT NULL DEFAULT '',
				issued_at    TEXT NOT NULL DEFAULT '',
				subtotal     TEXT NOT NULL DEFAULT '0',
				discount     TEXT NOT NULL DEFAULT '0',
				tax          TEXT NOT NULL DEFAULT '0',
				grand_total  TEXT NOT NULL DEFAULT '0',
				due          TEXT NOT NULL DEFAULT '0',
				sync_status  TEXT NOT NULL DEFAULT 'UNSYNCED',
				created_at   TEXT NOT NULL,
				updated_at   TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS invoice_items (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				invoice_local_id TEXT NOT NULL REFERENCES invoices(local_id) ON DELETE CASCADE,
				product_id       INTEGER NOT NULL DEFAULT 0,
				description      TEXT NOT NULL DEFAULT '',
				qty              TEXT NOT NULL,
				unit_price       TEXT NOT NULL,
				discount         TEXT NOT NULL DEFAULT '0',
				tax_rate         TEXT NOT NULL DEFAULT '0',
				line_total       TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS invoice_payments (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				invoice_local_id TEXT NOT NULL REFERENCES invoices(local_id) ON DELETE CASCADE,
				method           TEXT NOT NULL,
				bank_account_id  INTEGER,
				amount           TEXT NOT NULL,
				paid_at          TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_invoices_customer ON invoices(customer_id)`,
			`CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(sync_status, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_customers_status ON customers(sync_status, created_at)`,
		),
	},
	{
		version: 2,
		name:    "reference data caches",
		run: stmts(
			`CREATE TABLE IF NOT EXISTS products (
				id          INTEGER PRIMARY KEY,
				name        TEXT NOT NULL,
				sku         TEXT NOT NULL DEFAULT '',
				category_id INTEGER NOT NULL DEFAULT 0,
				price       TEXT NOT NULL DEFAULT '0',
				stock       INTEGER NOT NULL DEFAULT 0,
				synced_at   TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS categories (
				id        INTEGER PRIMARY KEY,
				name      TEXT NOT NULL,
				synced_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS warehouses (
				id        INTEGER PRIMARY KEY,
				name      TEXT NOT NULL,
				address   TEXT NOT NULL DEFAULT '',
				synced_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS dealers (
				id        INTEGER PRIMARY KEY,
				name      TEXT NOT NULL,
				phone     TEXT NOT NULL DEFAULT '',
				synced_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS bank_accounts (
				id               INTEGER PRIMARY KEY,
				name             TEXT NOT NULL,
				account_no       TEXT NOT NULL DEFAULT '',
				chart_account_id INTEGER NOT NULL DEFAULT 0,
				synced_at        TEXT NOT NULL
			)`,
		),
	},
	{
		version: 3,
		name:    "session store",
		run: stmts(
			`CREATE TABLE IF NOT EXISTS _session (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		),
	},
	{
		version: 4,
		name:    "invoice sync error tracking",
		run: func(tx *sql.Tx, _ *slog.Logger) error {
			has, err := TableHasColumn(tx, "invoices", "sync_error")
			if err != nil {
				return err
			}
			if has {
				return nil
			}
			_, err = tx.Exec(`ALTER TABLE invoices ADD COLUMN sync_error TEXT`)
			return err
		},
	},
}

// pushSyncedTables are the tables that carry sync tracking columns. A legacy
// database that has one of these tables without sync columns predates sync
// support entirely and cannot be upgraded in place.
var pushSyncedTables = []string{"customers", "invoices"}

// migrate brings the schema up to date. It runs before the worker starts, so
// plain db access is safe here.
func (s *Store) migrate(db *sql.DB) error {
	versioned, err := tableExists(db, "_schema_migrations")
	if err != nil {
		return err
	}
	if !versioned {
		if err := s.legacyRepair(db); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM _schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if err := m.run(tx, s.logger); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO _schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		s.logger.Info("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

// legacyRepair handles databases created before schema versioning. If a
// push-synced table exists without its sync_status column, the table is
// dropped so the versioned migrations recreate it. Local data in that table
// is lost; there is no way to backfill sync state for rows the server has
// never seen.
func (s *Store) legacyRepair(db *sql.DB) error {
	for _, table := range pushSyncedTables {
		exists, err := tableExists(db, table)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		has, err := TableHasColumn(db, table, "sync_status")
		if err != nil {
			return err
		}
		if has {
			continue
		}
		s.logger.Warn("dropping legacy table without sync columns; its local data is lost",
			"table", table)
		drops := []string{table}
		if table == "invoices" {
			drops = []string{"invoice_items", "invoice_payments", "invoices"}
		}
		for _, t := range drops {
			if _, err := db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, t)); err != nil {
				return fmt.Errorf("drop legacy table %s: %w", t, err)
			}
		}
	}
	return nil
}
