package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrationsCreateSchema(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	expected := []string{
		"customers", "invoices", "invoice_items", "invoice_payments",
		"products", "categories", "warehouses", "dealers", "bank_accounts",
		"_session", "_schema_migrations",
	}
	for _, table := range expected {
		var count int
		err := s.QueryRow(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
			[]any{table}, func(row *sql.Row) error { return row.Scan(&count) })
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}

	var version int
	err := s.QueryRow(ctx, `SELECT MAX(version) FROM _schema_migrations`, nil,
		func(row *sql.Row) error { return row.Scan(&version) })
	require.NoError(t, err)
	require.Equal(t, migrations[len(migrations)-1].version, version)

	// The additive migration must have landed.
	var hasErrCol bool
	err = s.do(ctx, func(db *sql.DB) error {
		var err error
		hasErrCol, err = TableHasColumn(db, "invoices", "sync_error")
		return err
	})
	require.NoError(t, err)
	require.True(t, hasErrCol)
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Exec(context.Background(),
		`INSERT INTO customers (local_id, name, created_at, updated_at) VALUES ('local_a', 'ACME', '2026-01-01', '2026-01-01')`))
	require.NoError(t, s.Close())

	// Re-opening must not re-run migrations or lose data.
	s2, err := Open(path, testLogger())
	require.NoError(t, err)
	defer s2.Close()

	var count int
	err = s2.QueryRow(context.Background(), `SELECT COUNT(*) FROM customers`, nil,
		func(row *sql.Row) error { return row.Scan(&count) })
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestLegacyRepairDropsTableWithoutSyncColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	// Simulate a pre-versioning database: a customers table without sync
	// tracking columns and no _schema_migrations table.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE customers (local_id TEXT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO customers (local_id, name) VALUES ('local_old', 'Legacy')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path, testLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	var count int
	err = s.QueryRow(ctx, `SELECT COUNT(*) FROM customers`, nil,
		func(row *sql.Row) error { return row.Scan(&count) })
	require.NoError(t, err)
	require.Equal(t, 0, count, "legacy rows are dropped with the table")

	err = s.do(ctx, func(db *sql.DB) error {
		has, err := TableHasColumn(db, "customers", "sync_status")
		if err != nil {
			return err
		}
		if !has {
			return errors.New("recreated table misses sync_status")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSerializedExecution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Exec(ctx,
				`INSERT INTO customers (local_id, name, created_at, updated_at) VALUES (?, ?, '2026-01-01', '2026-01-01')`,
				fmt.Sprintf("local_%03d", i), "c")
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var count int
	err := s.QueryRow(ctx, `SELECT COUNT(*) FROM customers`, nil,
		func(row *sql.Row) error { return row.Scan(&count) })
	require.NoError(t, err)
	require.Equal(t, n, count)
}

func TestTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO customers (local_id, name, created_at, updated_at) VALUES ('local_x', 'X', '', '')`); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)

	var count int
	err = s.QueryRow(ctx, `SELECT COUNT(*) FROM customers`, nil,
		func(row *sql.Row) error { return row.Scan(&count) })
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestRunJobRecoversClosedConnection(t *testing.T) {
	s := openTestStore(t)

	// Force the handle closed; the next statement must transparently reopen.
	require.NoError(t, s.db.Close())
	err := s.Exec(context.Background(),
		`INSERT INTO customers (local_id, name, created_at, updated_at) VALUES ('local_r', 'R', '', '')`)
	require.NoError(t, err)
}

func TestReopenFailureDegradesTyped(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	s, err := Open(filepath.Join(dir, "test.db"), testLogger())
	require.NoError(t, err)
	defer s.Close()

	// Close the handle and take the directory away so reopening cannot
	// succeed either; the failure must still carry the typed error.
	require.NoError(t, s.db.Close())
	require.NoError(t, os.RemoveAll(dir))

	err = s.Exec(context.Background(),
		`INSERT INTO customers (local_id, name, created_at, updated_at) VALUES ('local_x', 'X', '', '')`)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRunJobExhaustionReturnsTypedError(t *testing.T) {
	s := openTestStore(t)

	// A job that keeps reporting a closed handle exhausts the bounded reopen
	// retries and surfaces ErrUnavailable instead of a silent empty result.
	err := s.runJob(func(db *sql.DB) error {
		return errors.New("sql: database is closed")
	})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestIsClosedConnErr(t *testing.T) {
	require.False(t, isClosedConnErr(nil))
	require.False(t, isClosedConnErr(errors.New("UNIQUE constraint failed")))
	require.True(t, isClosedConnErr(sql.ErrConnDone))
	require.True(t, isClosedConnErr(errors.New("sql: database is closed")))
}

func TestQueryRowNoRowsPassthrough(t *testing.T) {
	s := openTestStore(t)
	err := s.QueryRow(context.Background(),
		`SELECT name FROM customers WHERE local_id = 'nope'`, nil,
		func(row *sql.Row) error { return row.Scan(new(string)) })
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestClosedStoreRejectsWork(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is safe")

	err = s.Exec(context.Background(), `SELECT 1`)
	require.ErrorIs(t, err, ErrClosed)
}
