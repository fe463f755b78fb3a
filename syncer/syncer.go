// Package syncer drives the synchronization protocol: push customers,
// reconcile identifiers, push invoices, then refresh the reference caches.
//
// A run walks IDLE -> SYNCING_CUSTOMERS -> SYNCING_INVOICES ->
// PULLING_REFERENCE_DATA -> IDLE. Runs are single-flight: a trigger that
// arrives while a run is active is rejected, not queued.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/offbill/offbill/connectivity"
	"github.com/offbill/offbill/gateway"
	"github.com/offbill/offbill/localstore"
	"github.com/offbill/offbill/repo"
	"github.com/offbill/offbill/session"
)

// ErrSyncInProgress is returned to a caller that loses the single-flight
// race. The caller relies on the next trigger; nothing is queued.
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncReport is the aggregate report of one run. SyncedCount sums customers
// and invoices that actually transitioned to SYNCED. Success is false only
// when the customer phase made zero progress while reporting errors.
type SyncReport struct {
	Success     bool   `json:"success"`
	SyncedCount int    `json:"synced_count"`
	Skipped     int    `json:"skipped"`
	Error       string `json:"error,omitempty"`
}

// RefSource is one pull-only reference collection the run can refresh. The
// facade binds each cache and its gateway list call into these closures.
type RefSource struct {
	Name      string
	NeedsSync func(ctx context.Context, ttl time.Duration) (bool, error)
	Pull      func(ctx context.Context) error
}

// Syncer orchestrates sync runs over the repositories and the gateway.
type Syncer struct {
	customers *repo.Customers
	invoices  *repo.Invoices
	gw        *gateway.Gateway
	monitor   *connectivity.Monitor
	session   *session.Session
	refdata   []RefSource
	accounts  *repo.Cache[repo.BankAccount]

	refreshTTL time.Duration
	logger     *slog.Logger
	running    int32
}

// Options wires a Syncer.
type Options struct {
	Customers  *repo.Customers
	Invoices   *repo.Invoices
	Gateway    *gateway.Gateway
	Monitor    *connectivity.Monitor
	Session    *session.Session
	RefData    []RefSource
	Accounts   *repo.Cache[repo.BankAccount]
	RefreshTTL time.Duration
	Logger     *slog.Logger
}

// New creates a Syncer.
func New(opts Options) *Syncer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 24 * time.Hour
	}
	return &Syncer{
		customers:  opts.Customers,
		invoices:   opts.Invoices,
		gw:         opts.Gateway,
		monitor:    opts.Monitor,
		session:    opts.Session,
		refdata:    opts.RefData,
		accounts:   opts.Accounts,
		refreshTTL: opts.RefreshTTL,
		logger:     opts.Logger,
	}
}

// Start subscribes to the connectivity edge signal: every offline-to-online
// transition triggers a run. Triggers are fire-and-forget; once started, a
// run executes to completion.
func (s *Syncer) Start(ctx context.Context) {
	if s.monitor == nil {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.monitor.Notify():
				res, err := s.SyncAll(ctx)
				if errors.Is(err, ErrSyncInProgress) {
					continue
				}
				s.logger.Info("connectivity-triggered sync finished",
					"synced", res.SyncedCount, "skipped", res.Skipped, "error", res.Error)
			}
		}
	}()
}

// SyncAll performs one full run. A concurrent call returns immediately with
// ErrSyncInProgress and a zero-progress report.
func (s *Syncer) SyncAll(ctx context.Context) (SyncReport, error) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return SyncReport{Success: false, Error: ErrSyncInProgress.Error()}, ErrSyncInProgress
	}
	defer atomic.StoreInt32(&s.running, 0)

	started := time.Now()
	s.logger.Info("sync run started")
	if s.session != nil && s.session.TokenExpired(ctx) {
		// Pushes still go out; the server is the authority on the token.
		s.logger.Warn("auth token expired, server will likely reject pushes until re-sign-in")
	}

	custSynced, custErrs := s.pushCustomers(ctx)
	invSynced, skipped, invErrs := s.pushInvoices(ctx)
	s.pullReferenceData(ctx)

	allErrs := append(append([]string{}, custErrs...), invErrs...)
	report := SyncReport{
		Success:     true,
		SyncedCount: custSynced + invSynced,
		Skipped:     skipped,
		Error:       strings.Join(allErrs, "; "),
	}
	if custSynced == 0 && len(custErrs) > 0 {
		report.Success = false
	}
	s.logger.Info("sync run finished",
		"synced", report.SyncedCount, "skipped", report.Skipped,
		"errors", len(allErrs), "elapsed", time.Since(started))
	return report, nil
}

// pushCustomers pushes every UNSYNCED customer oldest first. A server id
// acquired for one customer is propagated to its dependent invoices before
// the next customer is processed, so the invoice phase never reads a stale
// client-generated reference.
func (s *Syncer) pushCustomers(ctx context.Context) (synced int, errs []string) {
	pending, err := s.customers.GetUnsynced(ctx)
	if err != nil {
		return 0, []string{fmt.Sprintf("load unsynced customers: %v", err)}
	}
	for _, c := range pending {
		payload := gateway.CustomerPayload{
			Name:    c.Name,
			Phone:   c.Phone,
			Email:   c.Email,
			Address: c.Address,
		}

		var serverID int64
		var pushErr error
		if c.ServerID != nil {
			// Already created upstream; this is a local edit.
			serverID = *c.ServerID
			pushErr = s.gw.UpdateCustomer(ctx, serverID, payload)
		} else {
			serverID, pushErr = s.gw.CreateCustomer(ctx, payload)
		}

		if pushErr != nil {
			if gateway.IsFatal(pushErr) {
				s.logger.Warn("customer rejected by server, marking errored",
					"customer", c.LocalID, "error", pushErr)
				if err := s.customers.MarkErrored(ctx, c.LocalID, pushErr.Error()); err != nil {
					errs = append(errs, fmt.Sprintf("customer %s: %v", c.LocalID, err))
					continue
				}
			} else {
				s.logger.Warn("customer push failed, will retry next run",
					"customer", c.LocalID, "error", pushErr)
			}
			errs = append(errs, fmt.Sprintf("customer %s: %v", c.LocalID, pushErr))
			continue
		}

		if err := s.customers.MarkSynced(ctx, c.LocalID, serverID); err != nil {
			errs = append(errs, fmt.Sprintf("customer %s: %v", c.LocalID, err))
			continue
		}
		// Reconcile dependents immediately; this must complete before the
		// next customer and before any invoice is read for push.
		rewritten, err := s.invoices.RewriteCustomerID(ctx, c.LocalID, strconv.FormatInt(serverID, 10))
		if err != nil {
			errs = append(errs, fmt.Sprintf("customer %s: %v", c.LocalID, err))
			continue
		}
		if rewritten > 0 {
			s.logger.Debug("rewrote dependent invoice references",
				"customer", c.LocalID, "server_id", serverID, "invoices", rewritten)
		}
		synced++
	}
	return synced, errs
}

// pushInvoices pushes every unsynced invoice oldest first. Invoices whose
// customer has not resolved yet are skipped for this run, not failed.
func (s *Syncer) pushInvoices(ctx context.Context) (synced, skipped int, errs []string) {
	pending, err := s.invoices.GetUnsynced(ctx)
	if err != nil {
		return 0, 0, []string{fmt.Sprintf("load unsynced invoices: %v", err)}
	}
	for _, inv := range pending {
		customerID := inv.CustomerID
		if repo.IsLocalID(customerID) {
			resolved, skip, err := s.resolveCustomer(ctx, inv.LocalID, customerID)
			if err != nil {
				errs = append(errs, err.Error())
				continue
			}
			if skip {
				skipped++
				continue
			}
			customerID = resolved
		}
		serverCustomerID, err := strconv.ParseInt(customerID, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invoice %s: malformed customer reference %q", inv.LocalID, customerID))
			continue
		}

		payload, err := s.buildInvoicePayload(ctx, &inv, serverCustomerID)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invoice %s: %v", inv.LocalID, err))
			continue
		}

		var serverID int64
		var pushErr error
		if inv.ServerID != nil {
			serverID = *inv.ServerID
			pushErr = s.gw.UpdateInvoice(ctx, serverID, *payload)
		} else {
			serverID, pushErr = s.gw.CreateInvoice(ctx, *payload)
		}
		if pushErr != nil {
			s.logger.Warn("invoice push failed", "invoice", inv.LocalID, "error", pushErr)
			if err := s.invoices.RecordFailure(ctx, inv.LocalID, pushErr.Error()); err != nil {
				errs = append(errs, fmt.Sprintf("invoice %s: %v", inv.LocalID, err))
				continue
			}
			errs = append(errs, fmt.Sprintf("invoice %s: %v", inv.LocalID, pushErr))
			continue
		}
		if err := s.invoices.MarkSynced(ctx, inv.LocalID, serverID); err != nil {
			errs = append(errs, fmt.Sprintf("invoice %s: %v", inv.LocalID, err))
			continue
		}
		synced++
	}
	return synced, skipped, errs
}

// resolveCustomer re-resolves a client-generated customer reference at push
// time. It returns the server id string when the owning customer has
// resolved, skip=true when the invoice must wait for a future run, or an
// error when the reference is broken.
func (s *Syncer) resolveCustomer(ctx context.Context, invoiceID, localCustomerID string) (resolved string, skip bool, err error) {
	c, err := s.customers.Get(ctx, localCustomerID)
	if errors.Is(err, localstore.ErrNotFound) {
		// Broken reference: abandon this item only, the batch continues.
		return "", false, fmt.Errorf("invoice %s: customer %s no longer exists", invoiceID, localCustomerID)
	}
	if err != nil {
		return "", false, fmt.Errorf("invoice %s: %v", invoiceID, err)
	}
	if c.SyncStatus == repo.StatusSynced && c.ServerID != nil {
		newID := strconv.FormatInt(*c.ServerID, 10)
		if _, err := s.invoices.RewriteCustomerID(ctx, localCustomerID, newID); err != nil {
			return "", false, fmt.Errorf("invoice %s: %v", invoiceID, err)
		}
		return newID, false, nil
	}
	// Customer still UNSYNCED or terminally ERRORED: reconsider next run.
	s.logger.Debug("skipping invoice, customer not resolved",
		"invoice", invoiceID, "customer", localCustomerID, "customer_status", c.SyncStatus)
	return "", true, nil
}

// buildInvoicePayload assembles the wire form of an invoice, resolving local
// payment-account references to their chart-of-accounts identifiers.
func (s *Syncer) buildInvoicePayload(ctx context.Context, inv *repo.Invoice, serverCustomerID int64) (*gateway.InvoicePayload, error) {
	items, err := s.invoices.ItemsOf(ctx, inv.LocalID)
	if err != nil {
		return nil, err
	}
	payments, err := s.invoices.PaymentsOf(ctx, inv.LocalID)
	if err != nil {
		return nil, err
	}

	p := &gateway.InvoicePayload{
		CustomerID:  serverCustomerID,
		WarehouseID: inv.WarehouseID,
		CategoryID:  inv.CategoryID,
		InvoiceNo:   inv.InvoiceNo,
		IssuedAt:    inv.IssuedAt,
		Subtotal:    inv.Subtotal.String(),
		Discount:    inv.Discount.String(),
		Tax:         inv.Tax.String(),
		GrandTotal:  inv.GrandTotal.String(),
		Due:         inv.Due.String(),
		Items:       make([]gateway.InvoiceItemPayload, 0, len(items)),
		Payments:    make([]gateway.InvoicePaymentPayload, 0, len(payments)),
	}
	for _, it := range items {
		p.Items = append(p.Items, gateway.InvoiceItemPayload{
			ProductID:   it.ProductID,
			Description: it.Description,
			Qty:         it.Qty.String(),
			UnitPrice:   it.UnitPrice.String(),
			Discount:    it.Discount.String(),
			TaxRate:     it.TaxRate.String(),
			LineTotal:   it.LineTotal.String(),
		})
	}
	for _, pay := range payments {
		wire := gateway.InvoicePaymentPayload{
			Method: pay.Method,
			Amount: pay.Amount.String(),
			PaidAt: pay.PaidAt,
		}
		if pay.BankAccountID != nil {
			accountID, err := s.chartAccountFor(ctx, *pay.BankAccountID)
			if err != nil {
				return nil, err
			}
			wire.AccountID = accountID
		}
		p.Payments = append(p.Payments, wire)
	}
	return p, nil
}

// chartAccountFor maps a local bank account to its server-side
// chart-of-accounts identifier. An unknown account falls back to its raw id.
func (s *Syncer) chartAccountFor(ctx context.Context, bankAccountID int64) (int64, error) {
	if s.accounts == nil {
		return bankAccountID, nil
	}
	account, err := s.accounts.Get(ctx, bankAccountID)
	if errors.Is(err, localstore.ErrNotFound) {
		s.logger.Warn("payment references unknown bank account", "bank_account_id", bankAccountID)
		return bankAccountID, nil
	}
	if err != nil {
		return 0, err
	}
	if account.ChartAccountID != 0 {
		return account.ChartAccountID, nil
	}
	return account.ID, nil
}

// pullReferenceData refreshes each stale reference collection. Failures are
// logged and the previous cache is kept untouched. Pulls are suppressed
// entirely before first sign-in and while offline.
func (s *Syncer) pullReferenceData(ctx context.Context) {
	if s.session != nil && !s.session.SignedIn(ctx) {
		s.logger.Debug("reference pull suppressed, not signed in")
		return
	}
	if s.monitor != nil && !s.monitor.Online() {
		s.logger.Debug("reference pull suppressed, offline")
		return
	}
	for _, src := range s.refdata {
		need, err := src.NeedsSync(ctx, s.refreshTTL)
		if err != nil {
			s.logger.Warn("staleness check failed", "collection", src.Name, "error", err)
			continue
		}
		if !need {
			continue
		}
		if err := src.Pull(ctx); err != nil {
			s.logger.Warn("reference refresh failed, keeping cached data",
				"collection", src.Name, "error", err)
			continue
		}
		s.logger.Info("reference collection refreshed", "collection", src.Name)
	}
}
