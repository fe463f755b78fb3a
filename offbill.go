// Package offbill is the offline-first synchronization core of a retail
// invoicing client. Customers and invoices created while disconnected are
// persisted locally with client-generated identifiers and pushed to the
// central server once connectivity returns; dependent references are
// reconciled to server-assigned identifiers before dependents are pushed.
//
// The typical embedding looks like:
//
//	cfg, _ := config.Load()
//	app, err := offbill.Open(cfg, nil)
//	if err != nil { ... }
//	defer app.Close()
//	app.Start(ctx) // connectivity-triggered background sync
//
//	c, _ := app.AddCustomer(ctx, repo.CustomerInput{Name: "ACME"})
//	app.AddInvoice(ctx, repo.InvoiceInput{CustomerID: c.LocalID}, items, payments)
//	report := app.SyncNow(ctx)
package offbill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/offbill/offbill/config"
	"github.com/offbill/offbill/connectivity"
	"github.com/offbill/offbill/gateway"
	"github.com/offbill/offbill/localstore"
	"github.com/offbill/offbill/repo"
	"github.com/offbill/offbill/session"
	"github.com/offbill/offbill/syncer"
)

// App wires the local store, the repositories, the gateway, the connectivity
// monitor and the sync orchestrator into the surface application code uses.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *localstore.Store
	session   *session.Session
	gw        *gateway.Gateway
	monitor   *connectivity.Monitor
	sync      *syncer.Syncer
	customers *repo.Customers
	invoices  *repo.Invoices

	products   *repo.Cache[repo.Product]
	categories *repo.Cache[repo.Category]
	warehouses *repo.Cache[repo.Warehouse]
	dealers    *repo.Cache[repo.Dealer]
	accounts   *repo.Cache[repo.BankAccount]
}

// Open initializes the local store at cfg.DBPath and wires the sync core
// against cfg.BaseURL. The caller owns Close.
func Open(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := localstore.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, store: store}
	a.session = session.New(store, logger)
	a.gw = gateway.New(cfg.BaseURL, a.session, cfg.HTTPTimeout, logger)
	a.monitor = connectivity.NewMonitor(
		connectivity.HTTPProber(cfg.BaseURL, cfg.HTTPTimeout), cfg.PollInterval, logger)

	a.customers = repo.NewCustomers(store, logger)
	a.invoices = repo.NewInvoices(store, logger)
	a.products = repo.NewProducts(store, logger)
	a.categories = repo.NewCategories(store, logger)
	a.warehouses = repo.NewWarehouses(store, logger)
	a.dealers = repo.NewDealers(store, logger)
	a.accounts = repo.NewBankAccounts(store, logger)

	a.sync = syncer.New(syncer.Options{
		Customers:  a.customers,
		Invoices:   a.invoices,
		Gateway:    a.gw,
		Monitor:    a.monitor,
		Session:    a.session,
		Accounts:   a.accounts,
		RefData:    a.refSources(),
		RefreshTTL: cfg.RefreshTTL,
		Logger:     logger,
	})
	return a, nil
}

func (a *App) refSources() []syncer.RefSource {
	return []syncer.RefSource{
		refSource(a.products, a.gw.ListProducts),
		refSource(a.categories, a.gw.ListCategories),
		refSource(a.warehouses, a.gw.ListWarehouses),
		refSource(a.dealers, a.gw.ListDealers),
		refSource(a.accounts, a.gw.ListBankAccounts),
	}
}

func refSource[T any](cache *repo.Cache[T], list func(context.Context) ([]T, error)) syncer.RefSource {
	return syncer.RefSource{
		Name:      cache.Table(),
		NeedsSync: cache.NeedsSync,
		Pull: func(ctx context.Context) error {
			rows, err := list(ctx)
			if err != nil {
				return err
			}
			return cache.Replace(ctx, rows)
		},
	}
}

// Start begins connectivity monitoring and the edge-triggered background
// sync. It returns immediately.
func (a *App) Start(ctx context.Context) {
	a.monitor.Start(ctx)
	a.sync.Start(ctx)
}

// SignIn persists the bearer token the sync core will attach to every
// outgoing request and marks the session signed in.
func (a *App) SignIn(ctx context.Context, token string) error {
	return a.session.SetToken(ctx, token)
}

// AddCustomer creates a customer locally with status UNSYNCED.
func (a *App) AddCustomer(ctx context.Context, in repo.CustomerInput) (*repo.Customer, error) {
	return a.customers.Add(ctx, in)
}

// AddInvoice creates an invoice with its items and payments locally. The
// customer reference may be a client-generated id; the invoice then waits for
// that customer to resolve before it can be pushed.
func (a *App) AddInvoice(ctx context.Context, in repo.InvoiceInput, items []repo.ItemInput, payments []repo.PaymentInput) (*repo.Invoice, error) {
	return a.invoices.Add(ctx, in, items, payments)
}

// UpdateInvoice rewrites an invoice's children, recomputes its totals and
// resets it to UNSYNCED.
func (a *App) UpdateInvoice(ctx context.Context, localID string, in repo.InvoiceInput, items []repo.ItemInput, payments []repo.PaymentInput) error {
	return a.invoices.Update(ctx, localID, in, items, payments)
}

// FetchInvoice retrieves the server-side detail of an already-pushed invoice,
// as raw JSON. Useful for verifying what the server materialized from a push.
func (a *App) FetchInvoice(ctx context.Context, serverID int64) (json.RawMessage, error) {
	return a.gw.FetchInvoice(ctx, serverID)
}

// GetUnsyncedCount reports how many local records still await a successful
// push (customers plus invoices) and how many customers are terminally
// errored.
func (a *App) GetUnsyncedCount(ctx context.Context) (unsynced, errored int, err error) {
	cu, ce, err := a.customers.UnsyncedCount(ctx)
	if err != nil {
		return 0, 0, err
	}
	iu, err := a.invoices.UnsyncedCount(ctx)
	if err != nil {
		return 0, 0, err
	}
	return cu + iu, ce, nil
}

// SyncNow triggers a run explicitly and blocks until it finishes. While a run
// is already active the call is rejected with a zero-progress report.
func (a *App) SyncNow(ctx context.Context) syncer.SyncReport {
	report, _ := a.sync.SyncAll(ctx)
	return report
}

// SetOnline overrides the connectivity state, firing the sync trigger on an
// offline-to-online edge. Useful for embedders with their own reachability
// signal.
func (a *App) SetOnline(online bool) { a.monitor.SetOnline(online) }

// Read accessors for the cached collections and repositories.

func (a *App) Customers() *repo.Customers                  { return a.customers }
func (a *App) Invoices() *repo.Invoices                    { return a.invoices }
func (a *App) Products() *repo.Cache[repo.Product]         { return a.products }
func (a *App) Categories() *repo.Cache[repo.Category]      { return a.categories }
func (a *App) Warehouses() *repo.Cache[repo.Warehouse]     { return a.warehouses }
func (a *App) Dealers() *repo.Cache[repo.Dealer]           { return a.dealers }
func (a *App) BankAccounts() *repo.Cache[repo.BankAccount] { return a.accounts }
func (a *App) Session() *session.Session                   { return a.session }

// Close stops the monitor and shuts the local store down. In-flight sync
// runs finish their current statement first.
func (a *App) Close() error {
	a.monitor.Stop()
	return a.store.Close()
}
