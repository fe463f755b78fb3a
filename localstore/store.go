// Package localstore provides durable, serialized access to the local SQLite
// database that backs the offline invoicing client.
//
// All statements funnel through a single worker goroutine, so at most one
// statement or transaction executes against the engine at a time. SQLite does
// not tolerate overlapping writers on a single connection, and the rest of the
// code base relies on this FIFO guarantee.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrUnavailable reports that the storage connection was closed or
	// unavailable and could not be recovered within the bounded number of
	// reopen attempts. Callers can use errors.Is to tell a degraded store
	// apart from a genuinely empty result.
	ErrUnavailable = errors.New("local store unavailable")

	// ErrClosed reports that the store has been shut down.
	ErrClosed = errors.New("local store closed")

	// ErrNotFound reports that a referenced local entity does not exist.
	ErrNotFound = errors.New("record not found")
)

// maxReopenAttempts bounds how many times a statement is retried after the
// connection handle reports itself closed.
const maxReopenAttempts = 2

type job struct {
	fn   func(db *sql.DB) error
	done chan error
}

// Store is a single-writer actor over a SQLite database.
type Store struct {
	path   string
	db     *sql.DB
	jobs   chan job
	quit   chan struct{}
	exited chan struct{}
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at path, applies pending
// migrations and starts the serialization worker.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:   path,
		db:     db,
		jobs:   make(chan job),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: logger,
	}
	if err := s.migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	go s.worker()
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// One connection: the actor is the only user and SQLite prefers it.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

func (s *Store) worker() {
	defer close(s.exited)
	for {
		select {
		case <-s.quit:
			return
		case j := <-s.jobs:
			j.done <- s.runJob(j.fn)
		}
	}
}

// runJob executes fn, reopening the database and retrying when the handle
// reports a closed/unavailable condition. After maxReopenAttempts reopens the
// job fails with an error wrapping ErrUnavailable.
func (s *Store) runJob(fn func(db *sql.DB) error) error {
	err := fn(s.db)
	for attempt := 0; attempt < maxReopenAttempts && isClosedConnErr(err); attempt++ {
		s.logger.Warn("storage connection unavailable, reopening",
			"path", s.path, "attempt", attempt+1, "error", err)
		_ = s.db.Close()
		db, openErr := openDB(s.path)
		if openErr != nil {
			s.logger.Error("storage reopen failed", "path", s.path, "error", openErr)
			return fmt.Errorf("%w: %v", ErrUnavailable, openErr)
		}
		s.db = db
		err = fn(s.db)
	}
	if isClosedConnErr(err) {
		s.logger.Error("storage retries exhausted", "path", s.path, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// isClosedConnErr reports whether err indicates a closed or unavailable
// database handle (as opposed to a constraint violation or bad SQL).
func isClosedConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "closed database") ||
		strings.Contains(msg, "connection is already closed")
}

func (s *Store) do(ctx context.Context, fn func(db *sql.DB) error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		// The worker still finishes the job; done is buffered.
		return ctx.Err()
	}
}

// Exec runs a statement through the serialization queue.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	return s.do(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, query, args...)
		return err
	})
}

// ExecResult runs a statement and reports rows affected and last insert id.
func (s *Store) ExecResult(ctx context.Context, query string, args ...any) (affected, lastID int64, err error) {
	err = s.do(ctx, func(db *sql.DB) error {
		res, execErr := db.ExecContext(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		lastID, _ = res.LastInsertId()
		return nil
	})
	return affected, lastID, err
}

// Query runs a query and hands the rows to scan while still inside the
// serialization queue. scan must fully consume the rows; they are closed on
// return.
func (s *Store) Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	return s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := scan(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}

// QueryRow runs a single-row query inside the serialization queue.
func (s *Store) QueryRow(ctx context.Context, query string, args []any, scan func(*sql.Row) error) error {
	return s.do(ctx, func(db *sql.DB) error {
		return scan(db.QueryRowContext(ctx, query, args...))
	})
}

// Tx runs fn inside a transaction. The whole transaction occupies the queue,
// so no other statement interleaves with it.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.do(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// Close stops the worker and closes the database.
func (s *Store) Close() error {
	select {
	case <-s.quit:
		return nil
	default:
	}
	close(s.quit)
	<-s.exited
	return s.db.Close()
}
